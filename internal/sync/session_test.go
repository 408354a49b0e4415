package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/replica"
)

func newSessionFixture(t *testing.T, handler http.Handler) (*SessionManager, *replica.Store) {
	t.Helper()
	store, err := replica.Open(filepath.Join(t.TempDir(), "replica.db"), syncTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	transport := newTestTransport(server.URL)
	return NewSessionManager(store, transport, syncTestLogger()), store
}

// sessionServer is a scripted stand-in for the sync server's session and
// info endpoints.
type sessionServer struct {
	apiUp       bool
	dbUp        bool
	acceptLogin bool
	refreshOK   bool
	dbUUID      string
}

func (s *sessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/isavailable":
		if !s.apiUp {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		writeEnvelope(w, http.StatusOK, Availability{APIServer: true, DBServer: s.dbUp})
	case "/issuetoken":
		if !s.acceptLogin {
			writeEnvelopeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid username or password")
			return
		}
		writeEnvelope(w, http.StatusOK, SessionGrant{
			Username: "dshay",
			Tokens:   domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
			Store:    StoreCoordinates{URL: "http://sync.example.com", Database: "groceries"},
		})
	case "/refreshtoken":
		if !s.refreshOK {
			writeEnvelopeError(w, http.StatusUnauthorized, "AUTH_REJECTED", "refresh token superseded")
			return
		}
		writeEnvelope(w, http.StatusOK, domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"})
	case "/logout":
		writeEnvelope(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/replicate/info":
		writeEnvelope(w, http.StatusOK, StoreInfo{DBUUID: s.dbUUID, DocCount: 1, LastSeq: 1})
	default:
		http.NotFound(w, r)
	}
}

func TestDeviceUUID_GeneratedOnceAndPersisted(t *testing.T) {
	manager, store := newSessionFixture(t, &sessionServer{})
	ctx := context.Background()

	first, err := manager.DeviceUUID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := manager.DeviceUUID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	persisted, err := store.GetMeta(ctx, replica.MetaDeviceUUID)
	require.NoError(t, err)
	assert.Equal(t, first, persisted)
}

func TestLogin_PersistsRefreshToken(t *testing.T) {
	manager, store := newSessionFixture(t, &sessionServer{apiUp: true, dbUp: true, acceptLogin: true})
	ctx := context.Background()

	grant, err := manager.Login(ctx, "dshay", "SecurePass123")

	require.NoError(t, err)
	assert.Equal(t, "dshay", grant.Username)

	cached, err := store.GetMeta(ctx, replica.MetaRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", cached)
}

func TestRefresh_RotatesCachedToken(t *testing.T) {
	server := &sessionServer{apiUp: true, dbUp: true, refreshOK: true}
	manager, store := newSessionFixture(t, server)
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-1"))

	require.NoError(t, manager.Refresh(ctx))

	cached, err := store.GetMeta(ctx, replica.MetaRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", cached)
}

func TestRefresh_RejectedDropsCachedToken(t *testing.T) {
	manager, store := newSessionFixture(t, &sessionServer{apiUp: true, dbUp: true})
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-stale"))

	err := manager.Refresh(ctx)
	require.Error(t, err)

	cached, err := store.GetMeta(ctx, replica.MetaRefreshToken)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestEvaluate_LoginRequiredWithoutCachedSession(t *testing.T) {
	manager, _ := newSessionFixture(t, &sessionServer{apiUp: true, dbUp: true})

	state, err := manager.Evaluate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, LoginRequired, state)
}

func TestEvaluate_OfflineCachedWhenServerUnreachable(t *testing.T) {
	store, err := replica.Open(filepath.Join(t.TempDir(), "replica.db"), syncTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	manager := NewSessionManager(store, newTestTransport(server.URL), syncTestLogger())
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-1"))
	state, err := manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, OfflineCached, state)

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, ""))
	state, err = manager.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoginRequired, state)
}

func TestEvaluate_LoginRequiredWhenRefreshRejected(t *testing.T) {
	manager, store := newSessionFixture(t, &sessionServer{apiUp: true, dbUp: true})
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-stale"))

	state, err := manager.Evaluate(ctx)

	require.NoError(t, err)
	assert.Equal(t, LoginRequired, state)
}

func TestEvaluate_LoggedInPinsStoreIdentity(t *testing.T) {
	server := &sessionServer{apiUp: true, dbUp: true, refreshOK: true, dbUUID: "uuid-1"}
	manager, store := newSessionFixture(t, server)
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-1"))

	state, err := manager.Evaluate(ctx)

	require.NoError(t, err)
	assert.Equal(t, LoggedIn, state)

	pinned, err := store.GetMeta(ctx, replica.MetaDBUUID)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", pinned)
}

func TestEvaluate_StoreMismatchSurfaced(t *testing.T) {
	server := &sessionServer{apiUp: true, dbUp: true, refreshOK: true, dbUUID: "uuid-2"}
	manager, store := newSessionFixture(t, server)
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-1"))
	require.NoError(t, store.SetMeta(ctx, replica.MetaDBUUID, "uuid-1"))

	state, err := manager.Evaluate(ctx)

	require.NoError(t, err)
	assert.Equal(t, StoreMismatch, state)
}

func TestLogout_ClearsCachedToken(t *testing.T) {
	manager, store := newSessionFixture(t, &sessionServer{apiUp: true, dbUp: true})
	ctx := context.Background()

	require.NoError(t, store.SetMeta(ctx, replica.MetaRefreshToken, "refresh-1"))

	require.NoError(t, manager.Logout(ctx))

	cached, err := store.GetMeta(ctx, replica.MetaRefreshToken)
	require.NoError(t, err)
	assert.Empty(t, cached)
}
