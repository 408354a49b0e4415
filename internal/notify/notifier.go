// Package notify bridges the replica's live change feed to the
// application. Any change batch triggers a full reload of derived state
// rather than incremental patching: the feed alone cannot reliably
// distinguish creates, updates, and resolver deletions, and a full reload
// is cheap.
package notify

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/domain"
)

// ChangeSource is the slice of the replica store the notifier consumes.
type ChangeSource interface {
	Subscribe() (<-chan []domain.Document, func())
}

// ReloadFunc is invoked once per observed change batch with the documents
// that changed. Implementations rebuild application state from the store.
type ReloadFunc func(ctx context.Context, changed []domain.Document)

// Notifier owns the single change-feed subscription for a replica.
type Notifier struct {
	source ChangeSource
	reload ReloadFunc
	logger *slog.Logger

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// New creates a change notifier. Start must be called to begin observing.
func New(source ChangeSource, reload ReloadFunc, logger *slog.Logger) *Notifier {
	return &Notifier{source: source, reload: reload, logger: logger}
}

// Start subscribes to the replica change feed from now. A second Start
// while a subscription is active is an error, not a silent no-op.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancel != nil {
		n.logger.ErrorContext(ctx, "change notifier already started")
		return apperrors.InvalidInput("change notifier already started")
	}

	ch, unsubscribe := n.source.Subscribe()
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	n.cancel = func() {
		unsubscribe()
		cancelRun()
	}
	n.done = done

	go n.run(runCtx, ch, done)
	n.logger.InfoContext(ctx, "change notifier started")
	return nil
}

func (n *Notifier) run(ctx context.Context, ch <-chan []domain.Document, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-ch:
			if !ok {
				return
			}
			n.logger.DebugContext(ctx, "change batch observed, reloading",
				slog.Int("batch_size", len(batch)),
			)
			n.reload(ctx, batch)
		}
	}
}

// Stop cancels the subscription and waits for the observer loop to exit.
// Safe to call repeatedly, and safe to call if Start never ran.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	done := n.done
	n.cancel = nil
	n.done = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	n.logger.Info("change notifier stopped")
}
