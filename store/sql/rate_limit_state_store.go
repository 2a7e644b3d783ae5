package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-dispatch/ratelimit"
)

// RateLimitStateStore persists adaptive throttle windows so that every
// instance sharing the database backs off from the same upstream quota.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key = normalizeRateLimitKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}

	record := &rateLimitStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.destination = ?", key.Destination).
		Where("?TableAlias.store_id = ?", key.StoreID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ratelimit.State{}, ratelimit.ErrStateNotFound
		}
		return ratelimit.State{}, err
	}
	return record.toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state.Key = normalizeRateLimitKey(state.Key)
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	record := &rateLimitStateRecord{
		ID:             uuid.NewString(),
		Destination:    state.Key.Destination,
		StoreID:        state.Key.StoreID,
		Limit:          state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        copyTimePointer(state.ResetAt),
		RetryAfter:     durationToSecondsPointer(state.RetryAfter),
		ThrottledUntil: copyTimePointer(state.ThrottledUntil),
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		CreatedAt:      state.UpdatedAt.UTC(),
		UpdatedAt:      state.UpdatedAt.UTC(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (destination, store_id) DO UPDATE").
		Set("quota_limit = EXCLUDED.quota_limit").
		Set("remaining = EXCLUDED.remaining").
		Set("reset_at = EXCLUDED.reset_at").
		Set("retry_after_seconds = EXCLUDED.retry_after_seconds").
		Set("throttled_until = EXCLUDED.throttled_until").
		Set("last_status = EXCLUDED.last_status").
		Set("attempts = EXCLUDED.attempts").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		Key: ratelimit.Key{
			Destination: r.Destination,
			StoreID:     r.StoreID,
		},
		Limit:          r.Limit,
		Remaining:      r.Remaining,
		ResetAt:        copyTimePointer(r.ResetAt),
		ThrottledUntil: copyTimePointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.RetryAfter != nil && *r.RetryAfter > 0 {
		value := time.Duration(*r.RetryAfter) * time.Second
		state.RetryAfter = &value
	}
	return state
}

func normalizeRateLimitKey(key ratelimit.Key) ratelimit.Key {
	return ratelimit.Key{
		Destination: strings.TrimSpace(strings.ToLower(key.Destination)),
		StoreID:     strings.TrimSpace(key.StoreID),
	}
}

func validateRateLimitKey(key ratelimit.Key) error {
	if key.Destination == "" {
		return fmt.Errorf("sqlstore: rate-limit destination is required")
	}
	if key.StoreID == "" {
		return fmt.Errorf("sqlstore: rate-limit store id is required")
	}
	return nil
}

func durationToSecondsPointer(input *time.Duration) *int {
	if input == nil || *input <= 0 {
		return nil
	}
	seconds := int(input.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return &seconds
}
