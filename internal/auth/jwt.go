package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/davideshay/groceries/pkg/errors"
)

// Token types carried in the tokenType claim. Every token issued by the
// session service is scoped to both a user and a device.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RoleCRUD is the single role granted on access tokens; it gates read and
// write access to the replicated store.
const RoleCRUD = "crud"

// Claims are the device-scoped claims common to access and refresh tokens.
// Access tokens additionally carry the roles list.
type Claims struct {
	DeviceUUID string   `json:"deviceUUID"`
	TokenType  string   `json:"tokenType"`
	Roles      []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTManager signs and validates device-scoped HS256 tokens.
type JWTManager struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

// NewJWTManager creates a new JWT manager with the given secret and expiry durations.
func NewJWTManager(secret string, accessExpiry, refreshExpiry time.Duration) *JWTManager {
	return &JWTManager{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// AccessExpiry reports the configured access token lifetime.
func (m *JWTManager) AccessExpiry() time.Duration { return m.accessExpiry }

// RefreshExpiry reports the configured refresh token lifetime.
func (m *JWTManager) RefreshExpiry() time.Duration { return m.refreshExpiry }

// GenerateAccessToken creates a signed access token for the given user and
// device, granting the crud role.
func (m *JWTManager) GenerateAccessToken(username, deviceUUID string) (string, error) {
	return m.generate(username, deviceUUID, TokenTypeAccess, []string{RoleCRUD}, m.accessExpiry)
}

// GenerateRefreshToken creates a signed refresh token for the given user and
// device. Refresh tokens carry no roles.
func (m *JWTManager) GenerateRefreshToken(username, deviceUUID string) (string, error) {
	return m.generate(username, deviceUUID, TokenTypeRefresh, nil, m.refreshExpiry)
}

func (m *JWTManager) generate(username, deviceUUID, tokenType string, roles []string, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		DeviceUUID: deviceUUID,
		TokenType:  tokenType,
		Roles:      roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			Issuer:    "groceries-sync",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}

	return signedToken, nil
}

// ValidateToken parses and validates a token of the expected type, returning
// its claims. Expired tokens yield ErrTokenExpired; any other failure yields
// ErrAuthRejected.
func (m *JWTManager) ValidateToken(tokenString, expectedType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("parse %s token: %w", expectedType, apperrors.ErrTokenExpired)
		}
		return nil, fmt.Errorf("parse %s token: %w", expectedType, apperrors.ErrAuthRejected)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims: %w", apperrors.ErrAuthRejected)
	}
	if claims.TokenType != expectedType {
		return nil, fmt.Errorf("token type %q where %q required: %w", claims.TokenType, expectedType, apperrors.ErrAuthRejected)
	}
	if claims.Subject == "" || claims.DeviceUUID == "" {
		return nil, fmt.Errorf("token missing subject or device: %w", apperrors.ErrAuthRejected)
	}

	return claims, nil
}

// ValidateAccessToken parses and validates an access token, returning the claims.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	return m.ValidateToken(tokenString, TokenTypeAccess)
}

// ValidateRefreshToken parses and validates a refresh token, returning the claims.
func (m *JWTManager) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return m.ValidateToken(tokenString, TokenTypeRefresh)
}

