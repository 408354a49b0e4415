package domain

import (
	"time"
)

// UserAccount represents a registered account. Sessions maps a device UUID
// to the refresh token most recently issued to that device; issuing a new
// refresh token for a device replaces the previous one, so at most one
// refresh token per device is ever valid. Rev is a store-side optimistic
// concurrency counter bumped on every write.
type UserAccount struct {
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	FullName     string            `json:"fullname"`
	PasswordHash string            `json:"-"`
	Sessions     map[string]string `json:"-"`
	Rev          int64             `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// SessionToken returns the stored refresh token for a device, if any.
func (a *UserAccount) SessionToken(deviceUUID string) (string, bool) {
	tok, ok := a.Sessions[deviceUUID]
	if !ok || tok == "" {
		return "", false
	}
	return tok, true
}

// SetSession records the refresh token for a device, replacing any
// previously issued one.
func (a *UserAccount) SetSession(deviceUUID, token string) {
	if a.Sessions == nil {
		a.Sessions = make(map[string]string)
	}
	a.Sessions[deviceUUID] = token
}

// ClearSession invalidates the session for a single device.
func (a *UserAccount) ClearSession(deviceUUID string) {
	delete(a.Sessions, deviceUUID)
}

// ClearAllSessions invalidates every device session for the account.
func (a *UserAccount) ClearAllSessions() {
	a.Sessions = make(map[string]string)
}

// TokenPair holds an access and refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
