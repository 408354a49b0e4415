package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	apperrors "github.com/davideshay/groceries/pkg/errors"
)

const (
	minBackoff    = 1000 * time.Millisecond
	maxBackoff    = 60000 * time.Millisecond
	backoffGrowth = 2.5
)

// cycler runs one replication pass. Satisfied by *Replicator.
type cycler interface {
	Cycle(ctx context.Context, wait bool) (int, error)
}

// refresher performs one silent session refresh. Satisfied by
// *SessionManager.
type refresher interface {
	Refresh(ctx context.Context) error
}

// Controller maintains continuous bidirectional replication and exposes a
// status state machine. Transport and store failures are absorbed into
// status transitions; they are never returned to callers.
type Controller struct {
	replicator cycler
	session    refresher
	logger     *slog.Logger

	mu      stdsync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewController creates a sync controller. Start begins replication.
func NewController(replicator cycler, session refresher, logger *slog.Logger) *Controller {
	return &Controller{
		replicator: replicator,
		session:    session,
		logger:     logger,
		status:     StatusInit,
	}
}

// Status returns the current controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(ctx context.Context, next Status) {
	c.mu.Lock()
	prev := c.status
	c.status = next
	c.mu.Unlock()

	if prev != next {
		c.logger.InfoContext(ctx, "sync status changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
}

// Start begins the replication loop. Idempotent: a second Start while the
// loop is running logs a warning and leaves the existing stream untouched.
// When the loop exits on its own, as on a denied session, the controller
// re-arms so a later Start opens a fresh stream.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "sync already started, ignoring")
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			if c.done == done {
				c.running = false
				c.cancel = nil
				c.done = nil
			}
			c.mu.Unlock()
			close(done)
		}()
		c.run(runCtx)
	}()
}

// Stop cancels the replication stream and waits for it to wind down. Safe
// to call repeatedly, including before Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.running = false
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("sync stopped")
}

func (c *Controller) run(ctx context.Context) {
	var backoff time.Duration
	refreshed := false
	idle := false

	for {
		if ctx.Err() != nil {
			return
		}

		transferred, err := c.replicator.Cycle(ctx, idle)
		if err == nil {
			backoff = 0
			refreshed = false
			idle = transferred == 0
			if transferred > 0 {
				c.setStatus(ctx, StatusActive)
			} else {
				c.setStatus(ctx, StatusPaused)
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		idle = false

		switch {
		case errors.Is(err, apperrors.ErrTokenExpired):
			// One silent refresh; a second expiry without an intervening
			// success means the session is gone.
			if !refreshed {
				refreshed = true
				if refreshErr := c.session.Refresh(ctx); refreshErr == nil {
					continue
				} else if errors.Is(refreshErr, apperrors.ErrNetworkUnavailable) {
					backoff = c.waitBackoff(ctx, backoff, StatusOffline)
					continue
				}
			}
			c.setStatus(ctx, StatusDenied)
			c.logger.ErrorContext(ctx, "session expired and refresh failed, sync denied")
			return

		case errors.Is(err, apperrors.ErrTokenDeviceMismatch),
			errors.Is(err, apperrors.ErrAuthRejected):
			// Explicit rejection: no auto-retry, surfaced for re-login.
			c.setStatus(ctx, StatusDenied)
			c.logger.ErrorContext(ctx, "replication rejected by server, sync denied",
				slog.String("error", err.Error()),
			)
			return

		case errors.Is(err, apperrors.ErrNetworkUnavailable),
			errors.Is(err, apperrors.ErrStoreUnavailable):
			backoff = c.waitBackoff(ctx, backoff, StatusOffline)

		default:
			c.logger.ErrorContext(ctx, "replication cycle failed",
				slog.String("error", err.Error()),
			)
			backoff = c.waitBackoff(ctx, backoff, StatusError)
		}
	}
}

// waitBackoff sets the given status, sleeps for the next backoff delay, and
// returns that delay for the following round.
func (c *Controller) waitBackoff(ctx context.Context, prev time.Duration, status Status) time.Duration {
	delay := nextDelay(prev)
	c.setStatus(ctx, status)
	c.logger.WarnContext(ctx, "replication unavailable, backing off",
		slog.Duration("delay", delay),
		slog.String("status", status.String()),
	)

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	return delay
}

// nextDelay computes the connection-failure backoff in whole milliseconds:
// max(1000, prev*2.5) capped at 60000, yielding 1000, 2500, 6250, 15625,
// 39062, 60000.
func nextDelay(prev time.Duration) time.Duration {
	next := time.Duration(float64(prev.Milliseconds())*backoffGrowth) * time.Millisecond
	if next < minBackoff {
		next = minBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
