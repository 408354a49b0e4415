package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/davideshay/groceries/pkg/pagination"
	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/service"
)

// AdminHandler exposes the maintenance triggers and the conflict audit log.
type AdminHandler struct {
	resolver           *service.ResolverService
	tombstoneRetention time.Duration
	logger             *slog.Logger
}

// NewAdminHandler creates a new admin HTTP handler.
func NewAdminHandler(resolver *service.ResolverService, tombstoneRetention time.Duration, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{resolver: resolver, tombstoneRetention: tombstoneRetention, logger: logger}
}

// TriggerResolveConflicts handles POST /triggerresolveconflicts
func (h *AdminHandler) TriggerResolveConflicts(w http.ResponseWriter, r *http.Request) {
	summary, err := h.resolver.ResolveConflicts(r.Context())
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{Data: map[string]int{
		"scanned":  summary.Scanned,
		"resolved": summary.Resolved,
		"failed":   summary.Failed,
	}})
}

// TriggerDBCompact handles POST /triggerdbcompact
func (h *AdminHandler) TriggerDBCompact(w http.ResponseWriter, r *http.Request) {
	removed, err := h.resolver.CompactStore(r.Context(), h.tombstoneRetention)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{Data: map[string]int64{"rows_removed": removed}})
}

// ConflictLog handles GET /conflictlog. Entries resolved at or after the
// optional since parameter (RFC3339) are returned newest first.
func (h *AdminHandler) ConflictLog(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{
				Error: &errorResponse{Code: "INVALID_INPUT", Message: "since must be an RFC3339 timestamp"},
			})
			return
		}
		since = ts
	}

	params := pagination.FromRequest(r)
	entries, total, err := h.resolver.ListConflictLog(r.Context(), since, params.PerPage, params.Offset)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{
		Data: pagination.NewResult[domain.ConflictLogEntry](entries, int(total), params),
	})
}
