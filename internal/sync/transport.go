package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	stdsync "sync"
	"time"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/pkg/httpclient"
	"github.com/davideshay/groceries/internal/domain"
)

// StoreCoordinates is where the remote replicated store lives, as returned
// by the session endpoints.
type StoreCoordinates struct {
	URL      string `json:"url"`
	Database string `json:"database"`
}

// SessionGrant is the result of a successful login or registration.
type SessionGrant struct {
	Username string           `json:"username"`
	Email    string           `json:"email"`
	FullName string           `json:"fullName"`
	Tokens   domain.TokenPair `json:"tokens"`
	Store    StoreCoordinates `json:"store"`
}

// StoreInfo identifies the remote store and its current sequence.
type StoreInfo struct {
	DBUUID   string `json:"db_uuid"`
	DocCount int64  `json:"doc_count"`
	LastSeq  int64  `json:"last_seq"`
}

// Availability reports the outcome of the unauthenticated server probe.
type Availability struct {
	APIServer bool `json:"apiServerAvailable"`
	DBServer  bool `json:"dbServerAvailable"`
}

// ChangesPage is one page of the remote change feed.
type ChangesPage struct {
	Results []domain.Change `json:"results"`
	LastSeq int64           `json:"last_seq"`
}

// PushResult reports the outcome for one pushed document.
type PushResult struct {
	ID    string `json:"id"`
	Rev   string `json:"rev"`
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Transport is the HTTP client for the sync server. Requests go through the
// shared retrying client behind a circuit breaker; authorization failures
// and expiry are surfaced as typed errors for the controller and session
// manager to act on.
type Transport struct {
	baseURL string
	client  *httpclient.CircuitBreakerClient
	logger  *slog.Logger

	mu          stdsync.Mutex
	accessToken string
}

// NewTransport creates a transport for the server at baseURL.
func NewTransport(baseURL string, logger *slog.Logger) *Transport {
	client := httpclient.New(httpclient.DefaultConfig())
	cb := httpclient.NewCircuitBreakerClient(client,
		httpclient.DefaultCircuitBreakerConfig("groceries-sync"), logger)
	return &Transport{baseURL: baseURL, client: cb, logger: logger}
}

// SetAccessToken installs the Bearer token used for authorized requests.
func (t *Transport) SetAccessToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = token
}

func (t *Transport) token() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accessToken
}

// IssueToken logs in and returns tokens plus store coordinates.
func (t *Transport) IssueToken(ctx context.Context, username, password, deviceUUID string) (*SessionGrant, error) {
	var grant SessionGrant
	err := t.do(ctx, http.MethodPost, "/issuetoken", map[string]string{
		"username":   username,
		"password":   password,
		"deviceUUID": deviceUUID,
	}, false, &grant)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

// RefreshToken rotates the session for this device.
func (t *Transport) RefreshToken(ctx context.Context, refreshToken, deviceUUID string) (*domain.TokenPair, error) {
	var tokens domain.TokenPair
	err := t.do(ctx, http.MethodPost, "/refreshtoken", map[string]string{
		"refreshJWT": refreshToken,
		"deviceUUID": deviceUUID,
	}, false, &tokens)
	if err != nil {
		return nil, err
	}
	return &tokens, nil
}

// Logout clears this device's stored refresh token on the server.
func (t *Transport) Logout(ctx context.Context) error {
	return t.do(ctx, http.MethodPost, "/logout", map[string]string{}, true, nil)
}

// IsAvailable probes server and store reachability without credentials.
func (t *Transport) IsAvailable(ctx context.Context) (*Availability, error) {
	var avail Availability
	if err := t.do(ctx, http.MethodGet, "/isavailable", nil, false, &avail); err != nil {
		return nil, err
	}
	return &avail, nil
}

// Info returns the remote store identity and sequence.
func (t *Transport) Info(ctx context.Context) (*StoreInfo, error) {
	var info StoreInfo
	if err := t.do(ctx, http.MethodGet, "/replicate/info", nil, true, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Changes pulls the remote change feed past since. With wait set the server
// long-polls until a change arrives or waitTimeout lapses.
func (t *Transport) Changes(ctx context.Context, since int64, limit int, wait bool, waitTimeout time.Duration) (*ChangesPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	if wait {
		q.Set("feed", "longpoll")
		q.Set("timeout_ms", strconv.FormatInt(waitTimeout.Milliseconds(), 10))
	}

	var page ChangesPage
	if err := t.do(ctx, http.MethodGet, "/replicate/changes?"+q.Encode(), nil, true, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// BulkGet fetches full bodies for the given id/rev pairs.
func (t *Transport) BulkGet(ctx context.Context, refs []domain.Change) ([]domain.Document, error) {
	type ref struct {
		ID  string `json:"id"`
		Rev string `json:"rev"`
	}
	body := struct {
		Docs []ref `json:"docs"`
	}{Docs: make([]ref, 0, len(refs))}
	for _, r := range refs {
		body.Docs = append(body.Docs, ref{ID: r.ID, Rev: r.Rev})
	}

	var out struct {
		Results []struct {
			ID    string           `json:"id"`
			Doc   *domain.Document `json:"doc"`
			Error string           `json:"error"`
		} `json:"results"`
	}
	if err := t.do(ctx, http.MethodPost, "/replicate/bulkget", body, true, &out); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Doc == nil {
			// Revision vanished between the feed and the fetch; the next
			// pull cycle picks up its successor.
			t.logger.DebugContext(ctx, "bulk get skipped revision",
				slog.String("doc_id", r.ID),
				slog.String("reason", r.Error),
			)
			continue
		}
		docs = append(docs, *r.Doc)
	}
	return docs, nil
}

// PushDocs pushes local edits with their locally assigned revisions. A
// diverging edit becomes a sibling revision server-side, never an error.
func (t *Transport) PushDocs(ctx context.Context, docs []domain.Document) ([]PushResult, error) {
	newEdits := false
	body := struct {
		Docs     []domain.Document `json:"docs"`
		NewEdits *bool             `json:"new_edits"`
	}{Docs: docs, NewEdits: &newEdits}

	var out struct {
		Results []PushResult `json:"results"`
	}
	if err := t.do(ctx, http.MethodPost, "/replicate/bulkdocs", body, true, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *Transport) do(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+t.token())
	}

	resp, err := t.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", apperrors.ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: %s %s: status %d", apperrors.ErrNetworkUnavailable, method, path, resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return remoteError(resp.StatusCode, env)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// remoteError maps the server's error envelope onto the typed taxonomy the
// controller and session manager branch on.
func remoteError(status int, env envelope) error {
	code, message := "", ""
	if env.Error != nil {
		code, message = env.Error.Code, env.Error.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}

	switch code {
	case "TOKEN_EXPIRED":
		return fmt.Errorf("%w: %s", apperrors.ErrTokenExpired, message)
	case "TOKEN_DEVICE_MISMATCH":
		return fmt.Errorf("%w: %s", apperrors.ErrTokenDeviceMismatch, message)
	case "STORE_UNAVAILABLE":
		return fmt.Errorf("%w: %s", apperrors.ErrStoreUnavailable, message)
	case "CONFLICT":
		return fmt.Errorf("%w: %s", apperrors.ErrConflict, message)
	case "NOT_FOUND":
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, message)
	case "VALIDATION_ERROR", "INVALID_INPUT":
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, message)
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthRejected, message)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", apperrors.ErrStoreUnavailable, message)
	}
	return fmt.Errorf("remote error %d: %s", status, message)
}
