// Package replica implements the embedded per-device document store. Each
// device holds a full copy of its documents here and replicates with the
// remote store; local edits are flagged dirty until pushed. The store also
// carries the persisted client state (device UUID, cached refresh token,
// change-feed cursor) in a small meta table.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/domain"
)

// Meta keys for the persisted client state.
const (
	MetaDeviceUUID   = "device_uuid"
	MetaRefreshToken = "refresh_token"
	MetaCursor       = "changes_cursor"
	MetaDBUUID       = "db_uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id         TEXT PRIMARY KEY,
    rev        TEXT NOT NULL,
    doc_type   TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted    INTEGER NOT NULL DEFAULT 0,
    dirty      INTEGER NOT NULL DEFAULT 0,
    body       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_dirty ON documents (dirty) WHERE dirty = 1;

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the embedded SQLite replica. Writes fan out to change
// subscribers so the notifier sees local and replicated edits alike.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan []domain.Document
	nextID int
	closed bool
}

// Open opens (or creates) the replica database at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create replica directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	// The replica is single-process; one connection sidesteps table locking
	// between the sync loop and the application.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create replica schema: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logger,
		subs:   make(map[int]chan []domain.Document),
	}, nil
}

// Close closes the database and drops all change subscribers.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	return s.db.Close()
}

// Destroy closes the store and removes the database file. Used when the
// remote store identity changed and the local replica must be rebuilt from
// scratch.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.path == ":memory:" {
		return nil
	}
	for _, f := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove replica file: %w", err)
		}
	}
	return nil
}

// Get retrieves a document by id. Tombstones are returned like live
// documents; callers check Deleted.
func (s *Store) Get(ctx context.Context, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rev, doc_type, updated_at, deleted, body FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// Put writes a local edit. doc.Rev must equal the stored revision ("" for a
// new document); a mismatch returns a conflict error. The document is
// assigned its next revision, flagged dirty for the push loop, and returned
// to change subscribers.
func (s *Store) Put(ctx context.Context, doc *domain.Document) (string, error) {
	if doc.ID == "" {
		return "", apperrors.InvalidInput("document id is required")
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	var currentRev string
	err := s.db.QueryRowContext(ctx,
		`SELECT rev FROM documents WHERE id = ?`, doc.ID).Scan(&currentRev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		currentRev = ""
	case err != nil:
		return "", fmt.Errorf("read document %s: %w", doc.ID, err)
	}

	if doc.Rev != currentRev {
		return "", apperrors.Conflict(fmt.Sprintf("document %s was modified concurrently", doc.ID))
	}

	newRev := domain.NextRev(currentRev, doc.Body)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, rev, doc_type, updated_at, deleted, dirty, body)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			rev = excluded.rev,
			doc_type = excluded.doc_type,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			dirty = 1,
			body = excluded.body`,
		doc.ID, newRev, doc.Type, doc.UpdatedAt.Format(time.RFC3339Nano),
		boolToInt(doc.Deleted), []byte(doc.Body),
	)
	if err != nil {
		return "", fmt.Errorf("write document %s: %w", doc.ID, err)
	}

	doc.Rev = newRev
	s.notify([]domain.Document{*doc})
	return newRev, nil
}

// Delete writes a tombstone for the document. rev must match the stored
// revision.
func (s *Store) Delete(ctx context.Context, id, rev string) (string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	doc.Rev = rev
	doc.Deleted = true
	doc.UpdatedAt = time.Now().UTC()
	return s.Put(ctx, doc)
}

// AllDocs returns every live (non-tombstone) document.
func (s *Store) AllDocs(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rev, doc_type, updated_at, deleted, body FROM documents WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// DirtyDocs returns local edits not yet pushed to the remote store.
func (s *Store) DirtyDocs(ctx context.Context) ([]domain.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rev, doc_type, updated_at, deleted, body FROM documents WHERE dirty = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list dirty documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// MarkClean clears the dirty flag after a successful push, but only if the
// stored revision still matches: an edit made while the push was in flight
// stays dirty.
func (s *Store) MarkClean(ctx context.Context, id, rev string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET dirty = 0 WHERE id = ? AND rev = ?`, id, rev)
	if err != nil {
		return fmt.Errorf("mark clean %s: %w", id, err)
	}
	return nil
}

// ApplyRemote applies replicated documents from the remote change feed.
// A document with a pending local edit is left untouched: the local edit
// is pushed as-is and the server's conflict handling reconciles the two.
// Returns the documents actually applied.
func (s *Store) ApplyRemote(ctx context.Context, docs []domain.Document) ([]domain.Document, error) {
	applied := make([]domain.Document, 0, len(docs))
	for _, doc := range docs {
		var dirty int
		var currentRev string
		err := s.db.QueryRowContext(ctx,
			`SELECT rev, dirty FROM documents WHERE id = ?`, doc.ID).Scan(&currentRev, &dirty)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return applied, fmt.Errorf("read document %s: %w", doc.ID, err)
		}
		if dirty == 1 && currentRev != doc.Rev {
			continue
		}
		if currentRev == doc.Rev {
			continue
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (id, rev, doc_type, updated_at, deleted, dirty, body)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT (id) DO UPDATE SET
				rev = excluded.rev,
				doc_type = excluded.doc_type,
				updated_at = excluded.updated_at,
				deleted = excluded.deleted,
				dirty = 0,
				body = excluded.body`,
			doc.ID, doc.Rev, doc.Type, doc.UpdatedAt.Format(time.RFC3339Nano),
			boolToInt(doc.Deleted), []byte(doc.Body),
		)
		if err != nil {
			return applied, fmt.Errorf("apply document %s: %w", doc.ID, err)
		}
		applied = append(applied, doc)
	}

	if len(applied) > 0 {
		s.notify(applied)
	}
	return applied, nil
}

// GetMeta reads one persisted client-state value. Missing keys return "".
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes one persisted client-state value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// Cursor returns the last-applied remote change-feed sequence.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	raw, err := s.GetMeta(ctx, MetaCursor)
	if err != nil || raw == "" {
		return 0, err
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse changes cursor %q: %w", raw, err)
	}
	return cursor, nil
}

// SetCursor persists the last-applied remote change-feed sequence.
func (s *Store) SetCursor(ctx context.Context, seq int64) error {
	return s.SetMeta(ctx, MetaCursor, strconv.FormatInt(seq, 10))
}

// Subscribe registers a change subscriber receiving batches of written
// documents from now on. The returned function unsubscribes; after it
// returns the channel is closed.
func (s *Store) Subscribe() (<-chan []domain.Document, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan []domain.Document, 16)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			close(sub)
			delete(s.subs, id)
		}
	}
	return ch, cancel
}

func (s *Store) notify(docs []domain.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		batch := docs
		for {
			select {
			case ch <- batch:
			default:
				// A stalled subscriber must not block writes and must not
				// lose changes either. Fold the oldest queued batch into
				// this one and retry.
				select {
				case queued := <-ch:
					batch = append(append([]domain.Document(nil), queued...), batch...)
					s.logger.Debug("replica change subscriber is not keeping up, coalescing batches",
						slog.Int("subscriber", id),
						slog.Int("batch_size", len(batch)),
					)
				default:
				}
				continue
			}
			break
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var updatedAt string
	var deleted int
	var body []byte
	if err := row.Scan(&doc.ID, &doc.Rev, &doc.Type, &updatedAt, &deleted, &body); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}
	doc.UpdatedAt = ts
	doc.Deleted = deleted == 1
	doc.Body = body
	return &doc, nil
}

func collectDocuments(rows *sql.Rows) ([]domain.Document, error) {
	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
