package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/pkg/pagination"
	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/service"
)

const testTombstoneRetention = 30 * 24 * time.Hour

func setupAdminRouter(docs *mockDocRepo) *chi.Mux {
	resolver := service.NewResolverService(docs, syncTestProducer(), syncTestLogger())
	handler := NewAdminHandler(resolver, testTombstoneRetention, syncTestLogger())
	r := chi.NewRouter()
	r.Post("/triggerresolveconflicts", handler.TriggerResolveConflicts)
	r.Post("/triggerdbcompact", handler.TriggerDBCompact)
	r.Get("/conflictlog", handler.ConflictLog)
	return r
}

func TestTriggerResolveConflicts_NothingToDo(t *testing.T) {
	docs := new(mockDocRepo)
	router := setupAdminRouter(docs)

	docs.On("ConflictedIDs", mock.Anything).Return([]string{}, nil)

	rec := postJSON(t, router, "/triggerresolveconflicts", map[string]string{})

	require.Equal(t, http.StatusOK, rec.Code)
	var data map[string]int
	require.NoError(t, json.Unmarshal(decodeResponse(t, rec).Data, &data))
	assert.Equal(t, 0, data["scanned"])
	assert.Equal(t, 0, data["resolved"])
	assert.Equal(t, 0, data["failed"])
}

func TestTriggerResolveConflicts_ListFailure(t *testing.T) {
	docs := new(mockDocRepo)
	router := setupAdminRouter(docs)

	docs.On("ConflictedIDs", mock.Anything).Return(nil, apperrors.StoreUnavailable(errors.New("connection refused")))

	rec := postJSON(t, router, "/triggerresolveconflicts", map[string]string{})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerDBCompact(t *testing.T) {
	docs := new(mockDocRepo)
	router := setupAdminRouter(docs)

	docs.On("Compact", mock.Anything, mock.AnythingOfType("time.Time")).
		Run(func(args mock.Arguments) {
			cutoff := args.Get(1).(time.Time)
			assert.WithinDuration(t, time.Now().UTC().Add(-testTombstoneRetention), cutoff, time.Minute)
		}).
		Return(int64(7), nil)

	rec := postJSON(t, router, "/triggerdbcompact", map[string]string{})

	require.Equal(t, http.StatusOK, rec.Code)
	var data map[string]int64
	require.NoError(t, json.Unmarshal(decodeResponse(t, rec).Data, &data))
	assert.Equal(t, int64(7), data["rows_removed"])
}

func TestConflictLog_Paginated(t *testing.T) {
	docs := new(mockDocRepo)
	router := setupAdminRouter(docs)

	resolvedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []domain.ConflictLogEntry{{
		DocID:            "item:aaa",
		DocType:          domain.DocTypeItem,
		ImpactedUsers:    []string{"alice", "bob"},
		WinningRev:       "3-bbbb",
		WinningUpdatedAt: resolvedAt.Add(-time.Minute),
		LosingRevs:       []string{"3-aaaa"},
		ResolvedAt:       resolvedAt,
	}}
	docs.On("ListConflictLog", mock.Anything, mock.AnythingOfType("time.Time"), 10, 10).
		Return(entries, int64(11), nil)

	req := httptest.NewRequest(http.MethodGet, "/conflictlog?page=2&per_page=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var data pagination.Result[domain.ConflictLogEntry]
	require.NoError(t, json.Unmarshal(decodeResponse(t, rec).Data, &data))
	assert.Equal(t, 11, data.TotalCount)
	require.Len(t, data.Data, 1)
	assert.Equal(t, "item:aaa", data.Data[0].DocID)
	assert.Equal(t, []string{"alice", "bob"}, data.Data[0].ImpactedUsers)
}

func TestConflictLog_SinceFilter(t *testing.T) {
	docs := new(mockDocRepo)
	router := setupAdminRouter(docs)

	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	docs.On("ListConflictLog", mock.Anything, since, mock.AnythingOfType("int"), 0).
		Return([]domain.ConflictLogEntry{}, int64(0), nil)

	req := httptest.NewRequest(http.MethodGet, "/conflictlog?since=2025-06-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	docs.AssertExpectations(t)
}

func TestConflictLog_BadSince(t *testing.T) {
	docs := new(mockDocRepo)
	router := setupAdminRouter(docs)

	req := httptest.NewRequest(http.MethodGet, "/conflictlog?since=yesterday", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	docs.AssertNotCalled(t, "ListConflictLog", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
