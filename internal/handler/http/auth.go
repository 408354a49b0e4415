package http

import (
	"log/slog"
	"net/http"

	"github.com/davideshay/groceries/pkg/middleware"
	"github.com/davideshay/groceries/pkg/validator"
	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/service"
)

// StoreCoordinates tells clients where the replicated store lives. Returned
// with every issued session so devices can start replication without extra
// configuration.
type StoreCoordinates struct {
	URL      string `json:"url"`
	Database string `json:"database"`
}

// AuthHandler handles session issuance, refresh, and account endpoints.
type AuthHandler struct {
	sessions *service.SessionService
	store    StoreCoordinates
	logger   *slog.Logger
}

// NewAuthHandler creates a new auth HTTP handler.
func NewAuthHandler(sessions *service.SessionService, store StoreCoordinates, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, store: store, logger: logger}
}

// --- Request DTOs ---

// IssueTokenRequest is the JSON request body for POST /issuetoken.
type IssueTokenRequest struct {
	Username   string `json:"username" validate:"required,min=1,max=100"`
	Password   string `json:"password" validate:"required"`
	DeviceUUID string `json:"deviceUUID" validate:"required,min=1,max=100"`
}

// RefreshTokenRequest is the JSON request body for POST /refreshtoken.
type RefreshTokenRequest struct {
	RefreshJWT string `json:"refreshJWT" validate:"required"`
	DeviceUUID string `json:"deviceUUID" validate:"required,min=1,max=100"`
}

// RegisterRequest is the JSON request body for POST /registernewuser.
type RegisterRequest struct {
	Username   string `json:"username" validate:"required,min=3,max=32"`
	Email      string `json:"email" validate:"required,email"`
	FullName   string `json:"fullname" validate:"required,min=1,max=64"`
	Password   string `json:"password" validate:"required,min=8"`
	DeviceUUID string `json:"deviceUUID" validate:"omitempty,max=100"`
}

// CheckUserExistsRequest is the JSON request body for POST /checkuserexists.
type CheckUserExistsRequest struct {
	Username string `json:"username" validate:"required,min=1,max=100"`
}

// CheckUserByEmailExistsRequest is the JSON request body for
// POST /checkuserbyemailexists.
type CheckUserByEmailExistsRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// --- Response types ---

// SessionResponse carries tokens plus the store coordinates a device needs
// to begin replication.
type SessionResponse struct {
	Username string            `json:"username"`
	Email    string            `json:"email"`
	FullName string            `json:"fullname"`
	Tokens   *domain.TokenPair `json:"tokens"`
	Store    StoreCoordinates  `json:"store"`
}

// --- Handlers ---

// IssueToken handles POST /issuetoken
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		writeValidationError(w, err)
		return
	}

	acct, tokens, err := h.sessions.IssueSession(r.Context(), service.IssueSessionInput{
		Username:   req.Username,
		Password:   req.Password,
		DeviceUUID: req.DeviceUUID,
	})
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{
		Data: SessionResponse{
			Username: acct.Name,
			Email:    acct.Email,
			FullName: acct.FullName,
			Tokens:   tokens,
			Store:    h.store,
		},
	})
}

// RefreshToken handles POST /refreshtoken
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		writeValidationError(w, err)
		return
	}

	tokens, err := h.sessions.RefreshSession(r.Context(), service.RefreshSessionInput{
		RefreshToken: req.RefreshJWT,
		DeviceUUID:   req.DeviceUUID,
	})
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{Data: tokens})
}

// Logout handles POST /logout. The device to log out is taken from the
// access token presented in the Authorization header.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	username := middleware.UsernameFromContext(r.Context())
	deviceUUID := middleware.DeviceUUIDFromContext(r.Context())
	if username == "" || deviceUUID == "" {
		writeJSON(w, http.StatusUnauthorized, response{
			Error: &errorResponse{Code: "UNAUTHORIZED", Message: "not authenticated"},
		})
		return
	}

	if err := h.sessions.InvalidateSession(r.Context(), username, deviceUUID, false, "logout"); err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{Data: map[string]string{"status": "logged out"}})
}

// Register handles POST /registernewuser
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		writeValidationError(w, err)
		return
	}

	acct, tokens, err := h.sessions.Register(r.Context(), service.RegisterInput{
		Username:   req.Username,
		Email:      req.Email,
		FullName:   req.FullName,
		Password:   req.Password,
		DeviceUUID: req.DeviceUUID,
	})
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, response{
		Data: SessionResponse{
			Username: acct.Name,
			Email:    acct.Email,
			FullName: acct.FullName,
			Tokens:   tokens,
			Store:    h.store,
		},
	})
}

// CheckUserExists handles POST /checkuserexists
func (h *AuthHandler) CheckUserExists(w http.ResponseWriter, r *http.Request) {
	var req CheckUserExistsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		writeValidationError(w, err)
		return
	}

	exists, err := h.sessions.UserExists(r.Context(), req.Username)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{
		Data: map[string]any{"username": req.Username, "userExists": exists},
	})
}

// CheckUserByEmailExists handles POST /checkuserbyemailexists
func (h *AuthHandler) CheckUserByEmailExists(w http.ResponseWriter, r *http.Request) {
	var req CheckUserByEmailExistsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validator.Validate(req); err != nil {
		writeValidationError(w, err)
		return
	}

	exists, err := h.sessions.UserEmailExists(r.Context(), req.Email)
	if err != nil {
		writeAppError(w, r, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, response{
		Data: map[string]any{"email": req.Email, "userExists": exists},
	})
}
