package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davideshay/groceries/internal/domain"
	apperrors "github.com/davideshay/groceries/pkg/errors"
)

// PgxPool is the subset of pgxpool.Pool the repositories use. It is
// satisfied by both *pgxpool.Pool and the pgxmock pool used in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DocumentRepository implements repository.DocumentRepository using
// PostgreSQL. The current winning revision of each document lives in the
// documents table; conflicting sibling revisions live in
// document_conflicts keyed by (doc_id, rev). Sequence numbers come from a
// shared sequence so the changes feed observes every accepted write in
// order.
type DocumentRepository struct {
	pool PgxPool
}

// NewDocumentRepository creates a new PostgreSQL-backed document repository.
func NewDocumentRepository(pool PgxPool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

const docColumns = `id, rev, doc_type, updated_at, deleted, body`

// Get retrieves the current winning revision of a document.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*domain.Document, error) {
	query := `
		SELECT ` + docColumns + `
		FROM documents
		WHERE id = $1 AND deleted = false`

	doc, err := scanDocument(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetWithConflicts retrieves the current revision and all conflict
// siblings. Unlike Get, a tombstoned current revision is still returned so
// conflicts on deleted documents can be resolved.
func (r *DocumentRepository) GetWithConflicts(ctx context.Context, id string) (*domain.Document, []domain.Document, error) {
	current, err := scanDocument(r.pool.QueryRow(ctx, `
		SELECT `+docColumns+`
		FROM documents
		WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.ErrNotFound
		}
		return nil, nil, fmt.Errorf("get document: %w", err)
	}

	query := `
		SELECT doc_id, rev, doc_type, updated_at, deleted, body
		FROM document_conflicts
		WHERE doc_id = $1
		ORDER BY rev`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list conflict siblings: %w", err)
	}
	defer rows.Close()

	var siblings []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan conflict sibling: %w", err)
		}
		siblings = append(siblings, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate conflict siblings: %w", err)
	}

	return current, siblings, nil
}

// Put performs an interactive, revision-checked write.
func (r *DocumentRepository) Put(ctx context.Context, doc *domain.Document, prevRev string) error {
	if prevRev == "" {
		query := `
			INSERT INTO documents (id, rev, doc_type, updated_at, deleted, body, seq)
			VALUES ($1, $2, $3, $4, $5, $6, nextval('documents_seq'))
			ON CONFLICT (id) DO NOTHING`

		ct, err := r.pool.Exec(ctx, query,
			doc.ID, doc.Rev, doc.Type, doc.UpdatedAt, doc.Deleted, []byte(doc.Body),
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return apperrors.Conflict(fmt.Sprintf("document %s already exists", doc.ID))
		}
		return nil
	}

	query := `
		UPDATE documents
		SET rev = $1, doc_type = $2, updated_at = $3, deleted = $4, body = $5, seq = nextval('documents_seq')
		WHERE id = $6 AND rev = $7`

	ct, err := r.pool.Exec(ctx, query,
		doc.Rev, doc.Type, doc.UpdatedAt, doc.Deleted, []byte(doc.Body), doc.ID, prevRev,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("document %s revision mismatch", doc.ID))
	}
	return nil
}

// ApplyReplicated applies a pushed revision without revision checking. The
// deterministic revision ordering decides which revision stays current;
// the other becomes (or stays) a conflict sibling.
func (r *DocumentRepository) ApplyReplicated(ctx context.Context, doc *domain.Document) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var currentRev string
	err = tx.QueryRow(ctx, `SELECT rev FROM documents WHERE id = $1 FOR UPDATE`, doc.ID).Scan(&currentRev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (id, rev, doc_type, updated_at, deleted, body, seq)
			VALUES ($1, $2, $3, $4, $5, $6, nextval('documents_seq'))`,
			doc.ID, doc.Rev, doc.Type, doc.UpdatedAt, doc.Deleted, []byte(doc.Body),
		)
		if err != nil {
			return fmt.Errorf("insert replicated document: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lock document row: %w", err)
	case currentRev == doc.Rev:
		// Replica re-pushed a revision the store already has.
		return tx.Commit(ctx)
	case domain.CompareRevs(doc.Rev, currentRev) > 0:
		// Incoming revision wins: demote the stored one to a sibling.
		_, err = tx.Exec(ctx, `
			INSERT INTO document_conflicts (doc_id, rev, doc_type, updated_at, deleted, body)
			SELECT id, rev, doc_type, updated_at, deleted, body FROM documents WHERE id = $1
			ON CONFLICT (doc_id, rev) DO NOTHING`,
			doc.ID,
		)
		if err != nil {
			return fmt.Errorf("demote current revision: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE documents
			SET rev = $1, doc_type = $2, updated_at = $3, deleted = $4, body = $5, seq = nextval('documents_seq')
			WHERE id = $6`,
			doc.Rev, doc.Type, doc.UpdatedAt, doc.Deleted, []byte(doc.Body), doc.ID,
		)
		if err != nil {
			return fmt.Errorf("promote replicated revision: %w", err)
		}
	default:
		// Incoming revision loses: keep it as a sibling.
		_, err = tx.Exec(ctx, `
			INSERT INTO document_conflicts (doc_id, rev, doc_type, updated_at, deleted, body)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (doc_id, rev) DO NOTHING`,
			doc.ID, doc.Rev, doc.Type, doc.UpdatedAt, doc.Deleted, []byte(doc.Body),
		)
		if err != nil {
			return fmt.Errorf("store conflict sibling: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Changes returns feed entries with sequence greater than since.
func (r *DocumentRepository) Changes(ctx context.Context, since int64, limit int) ([]domain.Change, int64, error) {
	query := `
		SELECT seq, ` + docColumns + `
		FROM documents
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []domain.Change{}
	lastSeq := since
	for rows.Next() {
		var seq int64
		var doc domain.Document
		var body []byte
		if err := rows.Scan(&seq, &doc.ID, &doc.Rev, &doc.Type, &doc.UpdatedAt, &doc.Deleted, &body); err != nil {
			return nil, since, fmt.Errorf("scan change row: %w", err)
		}
		doc.Body = json.RawMessage(body)
		changes = append(changes, domain.Change{
			Seq:     seq,
			ID:      doc.ID,
			Rev:     doc.Rev,
			Deleted: doc.Deleted,
			Doc:     &doc,
		})
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("iterate change rows: %w", err)
	}

	return changes, lastSeq, nil
}

// LastSeq returns the highest sequence assigned so far.
func (r *DocumentRepository) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM documents`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq, nil
}

// Info returns the live document count and last sequence.
func (r *DocumentRepository) Info(ctx context.Context) (int64, int64, error) {
	var docCount, lastSeq int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE deleted = false), COALESCE(MAX(seq), 0)
		FROM documents`).Scan(&docCount, &lastSeq)
	if err != nil {
		return 0, 0, fmt.Errorf("query store info: %w", err)
	}
	return docCount, lastSeq, nil
}

// ConflictedIDs lists IDs of documents with at least one conflict sibling.
func (r *DocumentRepository) ConflictedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT doc_id FROM document_conflicts ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("query conflicted ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conflicted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicted ids: %w", err)
	}
	return ids, nil
}

// Resolve atomically installs the winner, removes the document's conflict
// siblings, and writes the conflict log document.
func (r *DocumentRepository) Resolve(ctx context.Context, winner *domain.Document, prevRev string, logDoc *domain.Document) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE documents
		SET rev = $1, doc_type = $2, updated_at = $3, deleted = $4, body = $5, seq = nextval('documents_seq')
		WHERE id = $6 AND rev = $7`,
		winner.Rev, winner.Type, winner.UpdatedAt, winner.Deleted, []byte(winner.Body), winner.ID, prevRev,
	)
	if err != nil {
		return fmt.Errorf("install winning revision: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("document %s changed during resolution", winner.ID))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_conflicts WHERE doc_id = $1`, winner.ID); err != nil {
		return fmt.Errorf("delete conflict siblings: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, rev, doc_type, updated_at, deleted, body, seq)
		VALUES ($1, $2, $3, $4, $5, $6, nextval('documents_seq'))`,
		logDoc.ID, logDoc.Rev, logDoc.Type, logDoc.UpdatedAt, logDoc.Deleted, []byte(logDoc.Body),
	)
	if err != nil {
		return fmt.Errorf("insert conflict log document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Compact removes old tombstones and orphaned conflict siblings.
func (r *DocumentRepository) Compact(ctx context.Context, tombstoneCutoff time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		DELETE FROM documents
		WHERE deleted = true AND updated_at < $1`,
		tombstoneCutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete tombstones: %w", err)
	}
	removed := ct.RowsAffected()

	ct, err = tx.Exec(ctx, `
		DELETE FROM document_conflicts
		WHERE doc_id NOT IN (SELECT id FROM documents)`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned siblings: %w", err)
	}
	removed += ct.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return removed, nil
}

// ListConflictLog returns conflict log entries resolved at or after since,
// newest first.
func (r *DocumentRepository) ListConflictLog(ctx context.Context, since time.Time, limit, offset int) ([]domain.ConflictLogEntry, int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM documents
		WHERE doc_type = $1 AND deleted = false AND updated_at >= $2`,
		domain.DocTypeConflict, since,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conflict log: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT body
		FROM documents
		WHERE doc_type = $1 AND deleted = false AND updated_at >= $2
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4`,
		domain.DocTypeConflict, since, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query conflict log: %w", err)
	}
	defer rows.Close()

	entries := []domain.ConflictLogEntry{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, 0, fmt.Errorf("scan conflict log row: %w", err)
		}
		var entry domain.ConflictLogEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			return nil, 0, fmt.Errorf("decode conflict log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conflict log rows: %w", err)
	}

	return entries, total, nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var body []byte
	if err := row.Scan(&doc.ID, &doc.Rev, &doc.Type, &doc.UpdatedAt, &doc.Deleted, &body); err != nil {
		return nil, err
	}
	doc.Body = json.RawMessage(body)
	return &doc, nil
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
