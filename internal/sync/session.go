package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/replica"
)

// LoginState names the outcome of evaluating the cached session against the
// remote server. It replaces an ad-hoc truth table of reachability and
// credential booleans with an explicit state.
type LoginState int

const (
	// LoginUnknown is the zero value before any evaluation.
	LoginUnknown LoginState = iota

	// LoggedIn means a valid access token is installed and syncing may start.
	LoggedIn

	// LoginRequired means there is no usable cached session; the user must
	// authenticate. Reachability/credential combinations without a defined
	// behavior also land here.
	LoginRequired

	// OfflineCached means the server is unreachable but a cached session
	// exists; the app works offline against the local replica and retries
	// later.
	OfflineCached

	// StoreMismatch means the remote store identity changed since the
	// replica was built. The replica must be destroyed and re-synced before
	// continuing; this is surfaced, never handled silently.
	StoreMismatch
)

func (s LoginState) String() string {
	switch s {
	case LoggedIn:
		return "logged_in"
	case LoginRequired:
		return "login_required"
	case OfflineCached:
		return "offline_cached"
	case StoreMismatch:
		return "store_mismatch"
	default:
		return "unknown"
	}
}

// SessionManager owns the device's session lifecycle: login, silent
// refresh, logout, and the persisted deviceUUID/refresh-token state in the
// replica meta table.
type SessionManager struct {
	store     *replica.Store
	transport *Transport
	logger    *slog.Logger
}

// NewSessionManager creates a session manager over the given replica and
// transport.
func NewSessionManager(store *replica.Store, transport *Transport, logger *slog.Logger) *SessionManager {
	return &SessionManager{store: store, transport: transport, logger: logger}
}

// DeviceUUID returns this replica's device identity, generating and
// persisting one on first use.
func (m *SessionManager) DeviceUUID(ctx context.Context) (string, error) {
	id, err := m.store.GetMeta(ctx, replica.MetaDeviceUUID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := m.store.SetMeta(ctx, replica.MetaDeviceUUID, id); err != nil {
		return "", err
	}
	m.logger.InfoContext(ctx, "generated device identity", slog.String("device_uuid", id))
	return id, nil
}

// Login authenticates with the server, persists the granted session, and
// installs the access token on the transport.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*SessionGrant, error) {
	deviceUUID, err := m.DeviceUUID(ctx)
	if err != nil {
		return nil, err
	}

	grant, err := m.transport.IssueToken(ctx, username, password, deviceUUID)
	if err != nil {
		return nil, err
	}

	if err := m.store.SetMeta(ctx, replica.MetaRefreshToken, grant.Tokens.RefreshToken); err != nil {
		return nil, err
	}
	m.transport.SetAccessToken(grant.Tokens.AccessToken)

	m.logger.InfoContext(ctx, "session issued",
		slog.String("username", grant.Username),
		slog.String("device_uuid", deviceUUID),
	)
	return grant, nil
}

// Refresh rotates the cached refresh token and installs the new access
// token. Called for silent re-authentication when an access token expires
// mid-sync.
func (m *SessionManager) Refresh(ctx context.Context) error {
	deviceUUID, err := m.DeviceUUID(ctx)
	if err != nil {
		return err
	}
	cached, err := m.store.GetMeta(ctx, replica.MetaRefreshToken)
	if err != nil {
		return err
	}
	if cached == "" {
		return fmt.Errorf("%w: no cached refresh token", apperrors.ErrAuthRejected)
	}

	tokens, err := m.transport.RefreshToken(ctx, cached, deviceUUID)
	if err != nil {
		// A rejected refresh means the cached token is dead; drop it so the
		// next evaluation goes straight to LoginRequired.
		if !errors.Is(err, apperrors.ErrNetworkUnavailable) {
			if clearErr := m.store.SetMeta(ctx, replica.MetaRefreshToken, ""); clearErr != nil {
				m.logger.WarnContext(ctx, "failed to clear rejected refresh token",
					slog.String("error", clearErr.Error()),
				)
			}
		}
		return err
	}

	if err := m.store.SetMeta(ctx, replica.MetaRefreshToken, tokens.RefreshToken); err != nil {
		return err
	}
	m.transport.SetAccessToken(tokens.AccessToken)
	m.logger.InfoContext(ctx, "session refreshed", slog.String("device_uuid", deviceUUID))
	return nil
}

// Logout invalidates this device's session on the server and drops the
// cached refresh token. The local replica is untouched.
func (m *SessionManager) Logout(ctx context.Context) error {
	if err := m.transport.Logout(ctx); err != nil && !errors.Is(err, apperrors.ErrNetworkUnavailable) {
		return err
	}
	m.transport.SetAccessToken("")
	return m.store.SetMeta(ctx, replica.MetaRefreshToken, "")
}

// Evaluate probes the server and the cached session and reports the login
// state:
//
//	server unreachable, cached token    -> OfflineCached
//	server unreachable, no cached token -> LoginRequired
//	no cached token                     -> LoginRequired
//	refresh rejected                    -> LoginRequired
//	store identity changed              -> StoreMismatch
//	refresh succeeded, identity matches -> LoggedIn
//
// Anything else lands on LoginRequired.
func (m *SessionManager) Evaluate(ctx context.Context) (LoginState, error) {
	cached, err := m.store.GetMeta(ctx, replica.MetaRefreshToken)
	if err != nil {
		return LoginUnknown, err
	}

	avail, err := m.transport.IsAvailable(ctx)
	if err != nil || !avail.APIServer {
		if cached != "" {
			return OfflineCached, nil
		}
		return LoginRequired, nil
	}
	if !avail.DBServer {
		// Server up, store down: with a cached session the replica keeps
		// working offline; without one there is nothing to do but log in
		// once the store returns.
		if cached != "" {
			return OfflineCached, nil
		}
		return LoginRequired, nil
	}

	if cached == "" {
		return LoginRequired, nil
	}

	if err := m.Refresh(ctx); err != nil {
		if errors.Is(err, apperrors.ErrNetworkUnavailable) {
			return OfflineCached, nil
		}
		m.logger.WarnContext(ctx, "cached session rejected",
			slog.String("error", err.Error()),
		)
		return LoginRequired, nil
	}

	state, err := m.checkStoreIdentity(ctx)
	if err != nil {
		return LoginUnknown, err
	}
	return state, nil
}

// checkStoreIdentity compares the remote store's identity with the one this
// replica was built against. First contact pins the identity.
func (m *SessionManager) checkStoreIdentity(ctx context.Context) (LoginState, error) {
	info, err := m.transport.Info(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNetworkUnavailable) {
			return OfflineCached, nil
		}
		return LoginUnknown, err
	}

	pinned, err := m.store.GetMeta(ctx, replica.MetaDBUUID)
	if err != nil {
		return LoginUnknown, err
	}
	if pinned == "" {
		if err := m.store.SetMeta(ctx, replica.MetaDBUUID, info.DBUUID); err != nil {
			return LoginUnknown, err
		}
		return LoggedIn, nil
	}
	if pinned != info.DBUUID {
		m.logger.ErrorContext(ctx, "remote store identity changed, replica must be rebuilt",
			slog.String("pinned", pinned),
			slog.String("remote", info.DBUUID),
		)
		return StoreMismatch, nil
	}
	return LoggedIn, nil
}
