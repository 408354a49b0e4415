package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockoutKeyPrefix = "auth:lockout:"

// LockoutState describes the brute-force counter for a single login name.
type LockoutState struct {
	FailedCount int
	LockedUntil *time.Time
}

// Locked reports whether the account is still locked at the given instant.
func (s LockoutState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// LockoutStore tracks failed login attempts in Redis hashes.
type LockoutStore struct {
	client *redis.Client
}

// NewLockoutStore creates a Redis-backed lockout store.
func NewLockoutStore(client *redis.Client) *LockoutStore {
	return &LockoutStore{client: client}
}

// Get returns the current lockout state for a login name. A missing key
// means no recorded failures.
func (s *LockoutStore) Get(ctx context.Context, name string) (LockoutState, error) {
	data, err := s.client.HGetAll(ctx, lockoutKeyPrefix+name).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("redis get lockout: %w", err)
	}
	if len(data) == 0 {
		return LockoutState{}, nil
	}

	state := LockoutState{}
	if raw, ok := data["failed_count"]; ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil {
			state.FailedCount = n
		}
	}
	if raw, ok := data["locked_until"]; ok && raw != "" {
		if unix, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil && unix > 0 {
			t := time.Unix(unix, 0).UTC()
			state.LockedUntil = &t
		}
	}
	return state, nil
}

// RecordFailure increments the failure counter and, once the threshold is
// reached, locks the account for the lockout window.
func (s *LockoutStore) RecordFailure(ctx context.Context, name string, now time.Time, threshold int, lockoutWindow time.Duration) (LockoutState, error) {
	key := lockoutKeyPrefix + name

	count, err := s.client.HIncrBy(ctx, key, "failed_count", 1).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("redis record lockout failure: %w", err)
	}

	state := LockoutState{FailedCount: int(count)}
	if int(count) >= threshold {
		lockedUntil := now.Add(lockoutWindow).UTC()
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, "locked_until", lockedUntil.Unix())
			p.Expire(ctx, key, lockoutWindow+30*time.Minute)
			return nil
		})
		if err != nil {
			return LockoutState{}, fmt.Errorf("redis set lockout: %w", err)
		}
		state.LockedUntil = &lockedUntil
		return state, nil
	}

	_ = s.client.Expire(ctx, key, 24*time.Hour).Err()
	return state, nil
}

// Clear removes the lockout state after a successful login.
func (s *LockoutStore) Clear(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, lockoutKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("redis clear lockout: %w", err)
	}
	return nil
}
