package sync

// Status is the sync controller's externally visible state.
type Status int

const (
	// StatusInit is the state before Start.
	StatusInit Status = iota

	// StatusActive means a transfer is in progress.
	StatusActive

	// StatusPaused means the replica is caught up with nothing pending.
	StatusPaused

	// StatusError means a transient failure is being retried.
	StatusError

	// StatusDenied means the remote rejected the session. The controller
	// stops retrying; the state sticks until re-authorization.
	StatusDenied

	// StatusOffline means the remote is unreachable and the controller is
	// waiting out a backoff delay.
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	case StatusDenied:
		return "denied"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}
