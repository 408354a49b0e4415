package repository

import (
	"context"
	"time"

	"github.com/davideshay/groceries/internal/domain"
)

// DocumentRepository defines the server-side replicated document store.
// Every accepted revision advances the store sequence, which orders the
// changes feed consumed by replicating clients.
type DocumentRepository interface {
	// Get retrieves the current winning revision of a document.
	Get(ctx context.Context, id string) (*domain.Document, error)

	// GetWithConflicts retrieves the current revision together with any
	// conflicting sibling revisions.
	GetWithConflicts(ctx context.Context, id string) (*domain.Document, []domain.Document, error)

	// Put performs an interactive write. prevRev must match the stored
	// revision ("" for a new document); a mismatch returns a conflict error
	// and stores nothing.
	Put(ctx context.Context, doc *domain.Document, prevRev string) error

	// ApplyReplicated applies a revision pushed by a replicating client
	// without revision checking. A revision that loses deterministic
	// ordering against the stored one is kept as a conflict sibling rather
	// than rejected.
	ApplyReplicated(ctx context.Context, doc *domain.Document) error

	// Changes returns feed entries with sequence greater than since, up to
	// limit, along with the last sequence included.
	Changes(ctx context.Context, since int64, limit int) ([]domain.Change, int64, error)

	// LastSeq returns the highest sequence assigned so far.
	LastSeq(ctx context.Context) (int64, error)

	// Info returns the total number of live documents and the last sequence.
	Info(ctx context.Context) (docCount int64, lastSeq int64, err error)

	// ConflictedIDs lists the IDs of all documents that currently have
	// conflict siblings.
	ConflictedIDs(ctx context.Context) ([]string, error)

	// Resolve atomically replaces the current revision with the resolved
	// winner, deletes all conflict siblings for the document, and writes the
	// conflict log document. prevRev guards against concurrent writes.
	Resolve(ctx context.Context, winner *domain.Document, prevRev string, logDoc *domain.Document) error

	// Compact removes tombstones older than the retention cutoff and any
	// conflict siblings orphaned by document deletion, returning the number
	// of rows removed.
	Compact(ctx context.Context, tombstoneCutoff time.Time) (int64, error)

	// ListConflictLog returns conflict log entries resolved at or after
	// since, newest first, with offset pagination.
	ListConflictLog(ctx context.Context, since time.Time, limit, offset int) ([]domain.ConflictLogEntry, int64, error)
}

// UserRepository defines account persistence. Account writes are guarded by
// an optimistic revision counter so concurrent session updates retry rather
// than clobber each other.
type UserRepository interface {
	// Create inserts a new account.
	Create(ctx context.Context, acct *domain.UserAccount) error

	// GetByName retrieves an account by username.
	GetByName(ctx context.Context, name string) (*domain.UserAccount, error)

	// GetByEmail retrieves an account by email address.
	GetByEmail(ctx context.Context, email string) (*domain.UserAccount, error)

	// Update writes the account back. The stored revision must match
	// acct.Rev; on success acct.Rev is advanced. A mismatch returns a
	// conflict error.
	Update(ctx context.Context, acct *domain.UserAccount) error

	// ListWithSessions returns every account that has at least one recorded
	// device session. Used by the session expiry sweep.
	ListWithSessions(ctx context.Context) ([]domain.UserAccount, error)
}
