package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/davideshay/groceries/pkg/errors"
	"github.com/davideshay/groceries/internal/auth"
	"github.com/davideshay/groceries/internal/domain"
	"github.com/davideshay/groceries/internal/event"
	"github.com/davideshay/groceries/internal/repository"
	redisrepo "github.com/davideshay/groceries/internal/repository/redis"
)

// bcryptCost is the cost factor for bcrypt password hashing.
const bcryptCost = 12

// minPasswordLength is the minimum password length required.
const minPasswordLength = 8

// maxRevRetries bounds how many times an account writeback is retried after
// losing a revision race against a concurrent session writer.
const maxRevRetries = 3

var (
	usernamePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9._-]{2,31}$`)
	fullNamePattern = regexp.MustCompile(`^[^\x00-\x1f<>]{1,64}$`)
)

// LockoutStore tracks failed login attempts per account.
type LockoutStore interface {
	Get(ctx context.Context, name string) (redisrepo.LockoutState, error)
	RecordFailure(ctx context.Context, name string, now time.Time, threshold int, lockoutWindow time.Duration) (redisrepo.LockoutState, error)
	Clear(ctx context.Context, name string) error
}

// SessionOptions carries the tunable policy knobs for the session service.
type SessionOptions struct {
	DisableAccountCreation bool
	LockoutThreshold       int
	LockoutWindow          time.Duration
}

// SessionService implements device-scoped session issuance, rotation, and
// invalidation. Refresh tokens are persisted per device on the account;
// access tokens are stateless. All account writebacks rely on the store's
// revision check to serialize concurrent session writers.
type SessionService struct {
	userRepo   repository.UserRepository
	lockout    LockoutStore
	jwtManager *auth.JWTManager
	producer   *event.Producer
	logger     *slog.Logger
	opts       SessionOptions
}

// NewSessionService creates a new session service.
func NewSessionService(
	userRepo repository.UserRepository,
	lockout LockoutStore,
	jwtManager *auth.JWTManager,
	producer *event.Producer,
	logger *slog.Logger,
	opts SessionOptions,
) *SessionService {
	if opts.LockoutThreshold <= 0 {
		opts.LockoutThreshold = 5
	}
	if opts.LockoutWindow <= 0 {
		opts.LockoutWindow = 15 * time.Minute
	}
	return &SessionService{
		userRepo:   userRepo,
		lockout:    lockout,
		jwtManager: jwtManager,
		producer:   producer,
		logger:     logger,
		opts:       opts,
	}
}

// --- Input types ---

// IssueSessionInput holds the parameters for issuing a new device session.
type IssueSessionInput struct {
	Username   string
	Password   string
	DeviceUUID string
}

// RefreshSessionInput holds the parameters for rotating a device session.
type RefreshSessionInput struct {
	RefreshToken string
	DeviceUUID   string
}

// RegisterInput holds the parameters for registering a new account.
type RegisterInput struct {
	Username   string
	Email      string
	FullName   string
	Password   string
	DeviceUUID string
}

// --- Operations ---

// IssueSession authenticates credentials and issues an access/refresh pair
// scoped to the device. The refresh token is stored at the device's session
// slot, replacing any previously issued one for that device.
func (s *SessionService) IssueSession(ctx context.Context, input IssueSessionInput) (*domain.UserAccount, *domain.TokenPair, error) {
	if input.Username == "" {
		return nil, nil, apperrors.InvalidInput("username is required")
	}
	if input.Password == "" {
		return nil, nil, apperrors.InvalidInput("password is required")
	}
	if input.DeviceUUID == "" {
		return nil, nil, apperrors.InvalidInput("deviceUUID is required")
	}

	now := time.Now().UTC()
	state, err := s.lockout.Get(ctx, input.Username)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read lockout state",
			slog.String("username", input.Username),
			slog.String("error", err.Error()),
		)
	} else if state.Locked(now) {
		return nil, nil, apperrors.AuthRejected("account temporarily locked")
	}

	acct, err := s.userRepo.GetByName(ctx, input.Username)
	if err != nil {
		s.recordLoginFailure(ctx, input.Username, now)
		return nil, nil, apperrors.Unauthorized("invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(input.Password)); err != nil {
		s.recordLoginFailure(ctx, input.Username, now)
		return nil, nil, apperrors.Unauthorized("invalid username or password")
	}

	if err := s.lockout.Clear(ctx, input.Username); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear lockout state",
			slog.String("username", input.Username),
			slog.String("error", err.Error()),
		)
	}

	tokens, err := s.issueTokenPair(ctx, input.Username, input.DeviceUUID)
	if err != nil {
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "session issued",
		slog.String("username", input.Username),
		slog.String("device_uuid", input.DeviceUUID),
	)

	return acct, tokens, nil
}

// RefreshSession rotates a device session. A refresh token presented by a
// device other than the one embedded in it is treated as a compromise signal
// and invalidates every session on the account; a token that does not match
// the value stored for its device invalidates just that device's session.
func (s *SessionService) RefreshSession(ctx context.Context, input RefreshSessionInput) (*domain.TokenPair, error) {
	if input.RefreshToken == "" {
		return nil, apperrors.InvalidInput("refresh token is required")
	}
	if input.DeviceUUID == "" {
		return nil, apperrors.InvalidInput("deviceUUID is required")
	}

	claims, err := s.jwtManager.ValidateRefreshToken(input.RefreshToken)
	if err != nil {
		if errors.Is(err, apperrors.ErrTokenExpired) {
			return nil, apperrors.TokenExpired("refresh token expired")
		}
		return nil, apperrors.AuthRejected("refresh token rejected")
	}

	if claims.DeviceUUID != input.DeviceUUID {
		s.logger.WarnContext(ctx, "refresh token presented by wrong device, invalidating all sessions",
			slog.String("username", claims.Subject),
			slog.String("token_device", claims.DeviceUUID),
			slog.String("request_device", input.DeviceUUID),
		)
		if invErr := s.InvalidateSession(ctx, claims.Subject, "", true, "device mismatch"); invErr != nil {
			s.logger.ErrorContext(ctx, "failed to invalidate sessions after device mismatch",
				slog.String("username", claims.Subject),
				slog.String("error", invErr.Error()),
			)
		}
		return nil, apperrors.TokenDeviceMismatch("refresh token issued to a different device")
	}

	acct, err := s.userRepo.GetByName(ctx, claims.Subject)
	if err != nil {
		return nil, apperrors.AuthRejected("account not found for refresh token")
	}

	stored, ok := acct.SessionToken(claims.DeviceUUID)
	if !ok || stored != input.RefreshToken {
		s.logger.WarnContext(ctx, "stale refresh token replayed, invalidating device session",
			slog.String("username", claims.Subject),
			slog.String("device_uuid", claims.DeviceUUID),
		)
		if invErr := s.InvalidateSession(ctx, claims.Subject, claims.DeviceUUID, false, "stale refresh token"); invErr != nil {
			s.logger.ErrorContext(ctx, "failed to invalidate device session after token mismatch",
				slog.String("username", claims.Subject),
				slog.String("error", invErr.Error()),
			)
		}
		return nil, apperrors.AuthRejected("refresh token superseded")
	}

	tokens, err := s.issueTokenPair(ctx, claims.Subject, claims.DeviceUUID)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "session refreshed",
		slog.String("username", claims.Subject),
		slog.String("device_uuid", claims.DeviceUUID),
	)

	return tokens, nil
}

// InvalidateSession clears one device's stored refresh token, or every
// session on the account when invalidateAll is set.
func (s *SessionService) InvalidateSession(ctx context.Context, username, deviceUUID string, invalidateAll bool, reason string) error {
	_, changed, err := s.updateAccountSessions(ctx, username, func(acct *domain.UserAccount) bool {
		if invalidateAll {
			if len(acct.Sessions) == 0 {
				return false
			}
			acct.ClearAllSessions()
			return true
		}
		if _, ok := acct.SessionToken(deviceUUID); !ok {
			return false
		}
		acct.ClearSession(deviceUUID)
		return true
	})
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	if !changed {
		return nil
	}

	scope := "device"
	if invalidateAll {
		scope = "all"
	}
	if err := s.producer.PublishSessionInvalidated(ctx, username, deviceUUID, scope, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish session.invalidated event",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "session invalidated",
		slog.String("username", username),
		slog.String("scope", scope),
		slog.String("reason", reason),
	)

	return nil
}

// Register creates a new account and, when a deviceUUID is supplied, issues
// an initial session for it.
func (s *SessionService) Register(ctx context.Context, input RegisterInput) (*domain.UserAccount, *domain.TokenPair, error) {
	if s.opts.DisableAccountCreation {
		return nil, nil, apperrors.Forbidden("account creation is disabled")
	}
	if !usernamePattern.MatchString(input.Username) {
		return nil, nil, apperrors.InvalidInput("username must be 3-32 lowercase letters, digits, or ._-")
	}
	if input.Email == "" {
		return nil, nil, apperrors.InvalidInput("email is required")
	}
	if !fullNamePattern.MatchString(input.FullName) {
		return nil, nil, apperrors.InvalidInput("full name is required")
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	acct := &domain.UserAccount{
		Name:         input.Username,
		Email:        input.Email,
		FullName:     input.FullName,
		PasswordHash: string(hashedPassword),
		Sessions:     make(map[string]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, acct); err != nil {
		return nil, nil, fmt.Errorf("create account: %w", err)
	}

	var tokens *domain.TokenPair
	if input.DeviceUUID != "" {
		tokens, err = s.issueTokenPair(ctx, input.Username, input.DeviceUUID)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := s.producer.PublishUserRegistered(ctx, acct); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish user.registered event",
			slog.String("username", acct.Name),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "account registered",
		slog.String("username", acct.Name),
		slog.String("email", acct.Email),
	)

	return acct, tokens, nil
}

// UserExists reports whether an account with the given username exists.
func (s *SessionService) UserExists(ctx context.Context, username string) (bool, error) {
	_, err := s.userRepo.GetByName(ctx, username)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return true, nil
}

// UserEmailExists reports whether an account with the given email exists.
func (s *SessionService) UserEmailExists(ctx context.Context, email string) (bool, error) {
	_, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check user email exists: %w", err)
	}
	return true, nil
}

// ExpirySweep walks every account holding sessions and drops refresh tokens
// that no longer validate (signature or expiry). Tokens that still validate
// stay untouched regardless of remaining life. Only accounts whose session
// map actually changed are written back. Returns the number of tokens
// dropped.
func (s *SessionService) ExpirySweep(ctx context.Context) (int, error) {
	accounts, err := s.userRepo.ListWithSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts for expiry sweep: %w", err)
	}

	dropped := 0
	for i := range accounts {
		name := accounts[i].Name
		removed := 0
		_, changed, err := s.updateAccountSessions(ctx, name, func(acct *domain.UserAccount) bool {
			removed = 0
			for device, token := range acct.Sessions {
				if _, err := s.jwtManager.ValidateRefreshToken(token); err != nil {
					acct.ClearSession(device)
					removed++
				}
			}
			return removed > 0
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "expiry sweep failed for account",
				slog.String("username", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if changed {
			dropped += removed
			s.logger.InfoContext(ctx, "expired sessions dropped",
				slog.String("username", name),
				slog.Int("tokens_dropped", removed),
			)
		}
	}

	if dropped > 0 {
		SessionsSwept.Add(float64(dropped))
		s.logger.InfoContext(ctx, "session expiry sweep complete",
			slog.Int("tokens_dropped", dropped),
		)
	}

	return dropped, nil
}

// --- Helpers ---

func (s *SessionService) recordLoginFailure(ctx context.Context, username string, now time.Time) {
	state, err := s.lockout.RecordFailure(ctx, username, now, s.opts.LockoutThreshold, s.opts.LockoutWindow)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record login failure",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return
	}
	if state.LockedUntil != nil {
		s.logger.WarnContext(ctx, "account locked after repeated login failures",
			slog.String("username", username),
			slog.Int("failed_count", state.FailedCount),
		)
	}
}

// issueTokenPair generates a device-scoped access/refresh pair and stores the
// refresh token at the device's session slot.
func (s *SessionService) issueTokenPair(ctx context.Context, username, deviceUUID string) (*domain.TokenPair, error) {
	accessToken, err := s.jwtManager.GenerateAccessToken(username, deviceUUID)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refreshToken, err := s.jwtManager.GenerateRefreshToken(username, deviceUUID)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	_, _, err = s.updateAccountSessions(ctx, username, func(acct *domain.UserAccount) bool {
		acct.SetSession(deviceUUID, refreshToken)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// updateAccountSessions reads the account, applies mutate, and writes it
// back, retrying on a revision conflict caused by a concurrent session
// writer. mutate reports whether it changed anything; unchanged accounts are
// not written.
func (s *SessionService) updateAccountSessions(ctx context.Context, username string, mutate func(*domain.UserAccount) bool) (*domain.UserAccount, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxRevRetries; attempt++ {
		acct, err := s.userRepo.GetByName(ctx, username)
		if err != nil {
			return nil, false, err
		}

		if !mutate(acct) {
			return acct, false, nil
		}

		acct.UpdatedAt = time.Now().UTC()
		err = s.userRepo.Update(ctx, acct)
		if err == nil {
			return acct, true, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, fmt.Errorf("account update lost revision race: %w", lastErr)
}

// validatePassword checks that the password meets minimum complexity requirements.
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.InvalidInput(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range password {
		switch {
		case unicode.IsUpper(ch):
			hasUpper = true
		case unicode.IsLower(ch):
			hasLower = true
		case unicode.IsDigit(ch):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return apperrors.InvalidInput("password must contain at least one uppercase letter, one lowercase letter, and one digit")
	}

	return nil
}
