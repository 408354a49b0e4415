package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/replica"
)

const (
	defaultBatchLimit  = 100
	defaultLongpollFor = 30 * time.Second
)

// Replicator runs one push+pull cycle of continuous bidirectional
// replication: local dirty documents are pushed with their locally assigned
// revisions, then the remote change feed is pulled past the persisted
// cursor and applied.
type Replicator struct {
	store      *replica.Store
	transport  *Transport
	logger     *slog.Logger
	batchLimit int
}

// NewReplicator creates a replicator over the given replica and transport.
func NewReplicator(store *replica.Store, transport *Transport, logger *slog.Logger) *Replicator {
	return &Replicator{
		store:      store,
		transport:  transport,
		logger:     logger,
		batchLimit: defaultBatchLimit,
	}
}

// Cycle performs one replication pass and returns the number of documents
// transferred in either direction. With wait set and nothing to push, the
// pull long-polls so an idle cycle blocks until remote activity or the
// long-poll timeout.
func (r *Replicator) Cycle(ctx context.Context, wait bool) (int, error) {
	pushed, err := r.push(ctx)
	if err != nil {
		return pushed, err
	}

	pulled, err := r.pull(ctx, wait && pushed == 0)
	if err != nil {
		return pushed + pulled, err
	}
	return pushed + pulled, nil
}

func (r *Replicator) push(ctx context.Context) (int, error) {
	dirty, err := r.store.DirtyDocs(ctx)
	if err != nil {
		return 0, err
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	results, err := r.transport.PushDocs(ctx, dirty)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, res := range results {
		if !res.OK {
			// The revision stays dirty and is retried next cycle.
			r.logger.WarnContext(ctx, "push rejected",
				slog.String("doc_id", res.ID),
				slog.String("reason", res.Error),
			)
			continue
		}
		if err := r.store.MarkClean(ctx, res.ID, res.Rev); err != nil {
			return pushed, err
		}
		pushed++
	}

	r.logger.DebugContext(ctx, "pushed local edits",
		slog.Int("dirty", len(dirty)),
		slog.Int("accepted", pushed),
	)
	return pushed, nil
}

func (r *Replicator) pull(ctx context.Context, wait bool) (int, error) {
	cursor, err := r.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	page, err := r.transport.Changes(ctx, cursor, r.batchLimit, wait, defaultLongpollFor)
	if err != nil {
		return 0, err
	}
	if len(page.Results) == 0 {
		return 0, nil
	}

	docs := make([]domain.Document, 0, len(page.Results))
	var missing []domain.Change
	for _, change := range page.Results {
		if change.Doc != nil {
			docs = append(docs, *change.Doc)
			continue
		}
		missing = append(missing, change)
	}
	if len(missing) > 0 {
		fetched, err := r.transport.BulkGet(ctx, missing)
		if err != nil {
			return 0, err
		}
		docs = append(docs, fetched...)
	}

	applied, err := r.store.ApplyRemote(ctx, docs)
	if err != nil {
		return 0, err
	}
	if err := r.store.SetCursor(ctx, page.LastSeq); err != nil {
		return len(applied), err
	}

	r.logger.DebugContext(ctx, "pulled remote changes",
		slog.Int("changes", len(page.Results)),
		slog.Int("applied", len(applied)),
		slog.Int64("cursor", page.LastSeq),
	)
	return len(applied), nil
}
