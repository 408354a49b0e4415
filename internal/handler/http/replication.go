package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/repository"
)

const (
	defaultChangesLimit  = 100
	maxChangesLimit      = 1000
	defaultLongpollWait  = 30 * time.Second
	maxLongpollWait      = 60 * time.Second
	longpollPollInterval = 500 * time.Millisecond
)

// ReplicationHandler exposes the change feed and bulk document endpoints
// that replicating clients drive.
type ReplicationHandler struct {
	docs   repository.DocumentRepository
	dbUUID string
	logger *slog.Logger
}

// NewReplicationHandler creates a new replication HTTP handler.
func NewReplicationHandler(docs repository.DocumentRepository, dbUUID string, logger *slog.Logger) *ReplicationHandler {
	return &ReplicationHandler{docs: docs, dbUUID: dbUUID, logger: logger}
}

// --- Request/Response types ---

// ChangesResponse is the response body for GET /replicate/changes.
type ChangesResponse struct {
	Results []domain.Change `json:"results"`
	LastSeq int64           `json:"last_seq"`
}

// BulkGetRequest is the JSON request body for POST /replicate/bulkget.
type BulkGetRequest struct {
	Docs []BulkGetRef `json:"docs"`
}

// BulkGetRef names one revision to fetch. An empty Rev fetches the current
// winning revision.
type BulkGetRef struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`
}

// BulkGetResult carries one fetched document or the reason it was skipped.
type BulkGetResult struct {
	ID    string           `json:"id"`
	Doc   *domain.Document `json:"doc,omitempty"`
	Error string           `json:"error,omitempty"`
}

// BulkDocsRequest is the JSON request body for POST /replicate/bulkdocs.
// NewEdits false carries replicated revisions verbatim; true requests an
// interactive write where each document's rev is its expected parent.
type BulkDocsRequest struct {
	Docs     []domain.Document `json:"docs"`
	NewEdits *bool             `json:"new_edits,omitempty"`
}

// BulkDocsResult reports the outcome for one pushed document.
type BulkDocsResult struct {
	ID    string `json:"id"`
	Rev   string `json:"rev,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// InfoResponse is the response body for GET /replicate/info.
type InfoResponse struct {
	DBUUID   string `json:"db_uuid"`
	DocCount int64  `json:"doc_count"`
	LastSeq  int64  `json:"last_seq"`
}

// --- Handlers ---

// Changes handles GET /replicate/changes. With feed=longpoll the request
// blocks until a change past since arrives or the timeout lapses.
func (h *ReplicationHandler) Changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := int64(0)
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, response{
				Error: &errorResponse{Code: "INVALID_INPUT", Message: "since must be a non-negative integer"},
			})
			return
		}
		since = v
	}

	limit := defaultChangesLimit
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= maxChangesLimit {
			limit = v
		}
	}

	changes, lastSeq, err := h.docs.Changes(r.Context(), since, limit)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	if len(changes) == 0 && q.Get("feed") == "longpoll" {
		changes, lastSeq, err = h.waitForChanges(r, since, limit)
		if err != nil {
			writeAppError(w, r, err, h.logger)
			return
		}
	}

	if lastSeq < since {
		lastSeq = since
	}
	if changes == nil {
		changes = []domain.Change{}
	}

	// Bodies ride along unless the client opts out.
	if q.Get("include_docs") == "false" {
		for i := range changes {
			changes[i].Doc = nil
		}
	}

	writeJSON(w, http.StatusOK, response{Data: ChangesResponse{Results: changes, LastSeq: lastSeq}})
}

func (h *ReplicationHandler) waitForChanges(r *http.Request, since int64, limit int) ([]domain.Change, int64, error) {
	wait := defaultLongpollWait
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			wait = time.Duration(v) * time.Millisecond
			if wait > maxLongpollWait {
				wait = maxLongpollWait
			}
		}
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(longpollPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil, since, nil
		case <-deadline.C:
			return nil, since, nil
		case <-ticker.C:
			changes, lastSeq, err := h.docs.Changes(r.Context(), since, limit)
			if err != nil {
				return nil, 0, err
			}
			if len(changes) > 0 {
				return changes, lastSeq, nil
			}
		}
	}
}

// BulkGet handles POST /replicate/bulkget
func (h *ReplicationHandler) BulkGet(w http.ResponseWriter, r *http.Request) {
	var req BulkGetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	results := make([]BulkGetResult, 0, len(req.Docs))
	for _, ref := range req.Docs {
		if ref.ID == "" {
			results = append(results, BulkGetResult{Error: "missing document id"})
			continue
		}
		doc, err := h.fetchRevision(r, ref)
		if err != nil {
			results = append(results, BulkGetResult{ID: ref.ID, Error: "not_found"})
			continue
		}
		results = append(results, BulkGetResult{ID: ref.ID, Doc: doc})
	}

	writeJSON(w, http.StatusOK, response{Data: map[string]any{"results": results}})
}

// fetchRevision finds the requested revision among the current winner and
// any conflict siblings.
func (h *ReplicationHandler) fetchRevision(r *http.Request, ref BulkGetRef) (*domain.Document, error) {
	if ref.Rev == "" {
		return h.docs.Get(r.Context(), ref.ID)
	}

	current, siblings, err := h.docs.GetWithConflicts(r.Context(), ref.ID)
	if err != nil {
		return nil, err
	}
	if current.Rev == ref.Rev {
		return current, nil
	}
	for i := range siblings {
		if siblings[i].Rev == ref.Rev {
			return &siblings[i], nil
		}
	}
	return nil, apperrors.NotFound("document revision", ref.ID+"@"+ref.Rev)
}

// BulkDocs handles POST /replicate/bulkdocs
func (h *ReplicationHandler) BulkDocs(w http.ResponseWriter, r *http.Request) {
	var req BulkDocsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	newEdits := true
	if req.NewEdits != nil {
		newEdits = *req.NewEdits
	}

	results := make([]BulkDocsResult, 0, len(req.Docs))
	for i := range req.Docs {
		doc := req.Docs[i]
		if doc.ID == "" {
			results = append(results, BulkDocsResult{Error: "missing document id"})
			continue
		}

		var err error
		if newEdits {
			prevRev := doc.Rev
			doc.Rev = domain.NextRev(prevRev, doc.Body)
			err = h.docs.Put(r.Context(), &doc, prevRev)
		} else {
			if doc.Rev == "" {
				results = append(results, BulkDocsResult{ID: doc.ID, Error: "replicated document missing rev"})
				continue
			}
			err = h.docs.ApplyReplicated(r.Context(), &doc)
		}

		if err != nil {
			h.logger.WarnContext(r.Context(), "bulk docs write rejected",
				slog.String("doc_id", doc.ID),
				slog.String("error", err.Error()),
			)
			results = append(results, BulkDocsResult{ID: doc.ID, Error: errorCode(err)})
			continue
		}
		results = append(results, BulkDocsResult{ID: doc.ID, Rev: doc.Rev, OK: true})
	}

	writeJSON(w, http.StatusCreated, response{Data: map[string]any{"results": results}})
}

// Info handles GET /replicate/info
func (h *ReplicationHandler) Info(w http.ResponseWriter, r *http.Request) {
	docCount, lastSeq, err := h.docs.Info(r.Context())
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{Data: InfoResponse{
		DBUUID:   h.dbUUID,
		DocCount: docCount,
		LastSeq:  lastSeq,
	}})
}

// IsAvailable handles GET /isavailable, the unauthenticated probe clients
// use to distinguish a down server from a down store.
func (h *ReplicationHandler) IsAvailable(w http.ResponseWriter, r *http.Request) {
	storeUp := true
	if _, err := h.docs.LastSeq(r.Context()); err != nil {
		storeUp = false
	}

	writeJSON(w, http.StatusOK, response{Data: map[string]bool{
		"apiServerAvailable": true,
		"dbServerAvailable":  storeUp,
	}})
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrConflict):
		return "conflict"
	case errors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
