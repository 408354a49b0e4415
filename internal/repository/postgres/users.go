package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/davideshay/groceries/internal/domain"
	apperrors "github.com/davideshay/groceries/pkg/errors"
)

// UserRepository implements repository.UserRepository using PostgreSQL.
// Device sessions are stored as a JSONB map on the account row and every
// write is guarded by the rev counter so concurrent session updates fail
// fast and retry instead of losing a device's token.
type UserRepository struct {
	pool PgxPool
}

// NewUserRepository creates a new PostgreSQL-backed user repository.
func NewUserRepository(pool PgxPool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create inserts a new account.
func (r *UserRepository) Create(ctx context.Context, acct *domain.UserAccount) error {
	sessions, err := marshalSessions(acct.Sessions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (name, email, fullname, password_hash, sessions, rev, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`

	now := time.Now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	_, err = r.pool.Exec(ctx, query,
		acct.Name,
		acct.Email,
		acct.FullName,
		acct.PasswordHash,
		sessions,
		acct.CreatedAt,
		acct.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("account", "name", acct.Name)
		}
		return fmt.Errorf("insert account: %w", err)
	}

	acct.Rev = 1
	return nil
}

// GetByName retrieves an account by username.
func (r *UserRepository) GetByName(ctx context.Context, name string) (*domain.UserAccount, error) {
	query := `
		SELECT name, email, fullname, password_hash, sessions, rev, created_at, updated_at
		FROM accounts
		WHERE name = $1`

	return r.scanAccount(ctx, query, name)
}

// GetByEmail retrieves an account by email address.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	query := `
		SELECT name, email, fullname, password_hash, sessions, rev, created_at, updated_at
		FROM accounts
		WHERE email = $1`

	return r.scanAccount(ctx, query, email)
}

// Update writes the account back with optimistic revision checking.
func (r *UserRepository) Update(ctx context.Context, acct *domain.UserAccount) error {
	sessions, err := marshalSessions(acct.Sessions)
	if err != nil {
		return err
	}

	acct.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE accounts
		SET email = $1, fullname = $2, password_hash = $3, sessions = $4, rev = rev + 1, updated_at = $5
		WHERE name = $6 AND rev = $7`

	ct, err := r.pool.Exec(ctx, query,
		acct.Email,
		acct.FullName,
		acct.PasswordHash,
		sessions,
		acct.UpdatedAt,
		acct.Name,
		acct.Rev,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("account %s revision mismatch", acct.Name))
	}

	acct.Rev++
	return nil
}

// ListWithSessions returns every account with at least one device session.
func (r *UserRepository) ListWithSessions(ctx context.Context) ([]domain.UserAccount, error) {
	query := `
		SELECT name, email, fullname, password_hash, sessions, rev, created_at, updated_at
		FROM accounts
		WHERE sessions <> '{}'::jsonb
		ORDER BY name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts with sessions: %w", err)
	}
	defer rows.Close()

	var accounts []domain.UserAccount
	for rows.Next() {
		acct, err := scanAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}

	return accounts, nil
}

// scanAccount is a helper that executes a query expected to return a single account row.
func (r *UserRepository) scanAccount(ctx context.Context, query string, args ...any) (*domain.UserAccount, error) {
	acct, err := scanAccountRow(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return acct, nil
}

func scanAccountRow(row rowScanner) (*domain.UserAccount, error) {
	var acct domain.UserAccount
	var sessions []byte
	if err := row.Scan(
		&acct.Name,
		&acct.Email,
		&acct.FullName,
		&acct.PasswordHash,
		&sessions,
		&acct.Rev,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(sessions) > 0 {
		if err := json.Unmarshal(sessions, &acct.Sessions); err != nil {
			return nil, fmt.Errorf("decode sessions map: %w", err)
		}
	}
	if acct.Sessions == nil {
		acct.Sessions = make(map[string]string)
	}
	return &acct, nil
}

func marshalSessions(sessions map[string]string) ([]byte, error) {
	if sessions == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("encode sessions map: %w", err)
	}
	return data, nil
}
