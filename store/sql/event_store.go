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

	"github.com/goliatone/go-dispatch/core"
)

const eventColumns = `
	id,
	source,
	event_type,
	store_id,
	dedupe_key,
	payload,
	status,
	attempt_count,
	last_error,
	next_attempt_at,
	created_at,
	updated_at
`

// EventStore is the webhook reliability log. Status writes are guarded by
// the current status so concurrent workers cannot move an event backwards.
type EventStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookEventRecord]
	now  func() time.Time
}

func NewEventStore(db *bun.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookEventRecord](db, webhookEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook event repository wiring: %w", err)
		}
	}
	return &EventStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *EventStore) Record(ctx context.Context, in core.RecordEventInput) (core.WebhookEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, false, fmt.Errorf("sqlstore: event store is not configured")
	}
	if !in.Source.Valid() {
		return core.WebhookEvent{}, false, core.BadInput("event source is invalid")
	}
	dedupeKey := strings.TrimSpace(in.DedupeKey)
	if dedupeKey == "" {
		return core.WebhookEvent{}, false, core.BadInput("event dedupe key is required")
	}
	receivedAt := in.ReceivedAt.UTC()
	if in.ReceivedAt.IsZero() {
		receivedAt = s.now()
	}
	record := &webhookEventRecord{
		ID:        uuid.NewString(),
		Source:    string(in.Source),
		EventType: strings.TrimSpace(in.EventType),
		StoreID:   strings.TrimSpace(in.StoreID),
		DedupeKey: dedupeKey,
		Payload:   append([]byte(nil), in.Payload...),
		Status:    string(core.EventStatusPending),
		CreatedAt: receivedAt,
		UpdatedAt: receivedAt,
	}
	res, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (source, dedupe_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.WebhookEvent{}, false, core.PersistenceUnavailable(err)
	}
	if affected(res) > 0 {
		return record.toDomain(), true, nil
	}

	existing := &webhookEventRecord{}
	err = s.db.NewSelect().
		Model(existing).
		Where("?TableAlias.source = ?", record.Source).
		Where("?TableAlias.dedupe_key = ?", dedupeKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return core.WebhookEvent{}, false, core.PersistenceUnavailable(err)
	}
	return existing.toDomain(), false, nil
}

func (s *EventStore) Get(ctx context.Context, id string) (core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return core.WebhookEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &webhookEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.WebhookEvent{}, core.EventNotFound(id)
		}
		return core.WebhookEvent{}, err
	}
	return record.toDomain(), nil
}

// MarkProcessing clears next_attempt_at, so a running attempt is only
// reclaimed through the lease.
func (s *EventStore) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, id, core.EventStatusProcessing,
		[]core.EventStatus{core.EventStatusPending, core.EventStatusProcessing},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("next_attempt_at = NULL")
		},
	)
}

func (s *EventStore) MarkSucceeded(ctx context.Context, id string) error {
	return s.transition(ctx, id, core.EventStatusSucceeded,
		[]core.EventStatus{core.EventStatusProcessing},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("last_error = ?", "").Set("next_attempt_at = NULL")
		},
	)
}

func (s *EventStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.transition(ctx, id, core.EventStatusFailed,
		[]core.EventStatus{core.EventStatusPending, core.EventStatusProcessing},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("last_error = ?", errorText(cause)).Set("next_attempt_at = NULL")
		},
	)
}

func (s *EventStore) RecordAttempt(ctx context.Context, id string, attempt int, cause error, nextAttemptAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("attempt_count = ?", attempt).
		Set("last_error = ?", errorText(cause)).
		Set("next_attempt_at = ?", copyTimePointer(nextAttemptAt)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return core.EventNotFound(id)
	}
	return nil
}

// ListByStatus lists events oldest first. An empty status lists every event.
func (s *EventStore) ListByStatus(ctx context.Context, status core.EventStatus, filter core.EventFilter) ([]core.WebhookEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, offset),
	}
	if status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(status)))
	}
	if filter.Source != "" {
		selectors = append(selectors, repository.SelectBy("source", "=", string(filter.Source)))
	}
	if storeID := strings.TrimSpace(filter.StoreID); storeID != "" {
		selectors = append(selectors, repository.SelectBy("store_id", "=", storeID))
	}
	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		selectors = append(selectors, repository.SelectBy("event_type", "=", eventType))
	}
	if filter.Since != nil {
		selectors = append(selectors, repository.SelectByTimetz("created_at", ">=", filter.Since.UTC()))
	}

	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Requeue is the manual retry: a failed event returns to pending with its
// attempt budget reset. last_error is kept for the audit trail.
func (s *EventStore) Requeue(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(core.EventStatusPending)).
		Set("attempt_count = 0").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("status = ?", string(core.EventStatusFailed)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return core.InvalidTransition(fmt.Errorf("%w: only failed events can be requeued, event %s is %s",
		core.ErrInvalidEventStatusTransition, id, current.Status))
}

// ClaimPending moves due pending rows, processing rows whose scheduled retry
// is due, and processing rows untouched for longer than lease, to processing
// in one statement.
func (s *EventStore) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]core.WebhookEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: event store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	now := s.now()
	var records []webhookEventRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM dispatch_webhook_events
	WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
	   OR (status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
	   OR (status = ? AND next_attempt_at IS NULL AND updated_at <= ?)
	ORDER BY created_at ASC
	LIMIT ?
)
UPDATE dispatch_webhook_events
SET status = ?, updated_at = ?, next_attempt_at = NULL
WHERE id IN (SELECT id FROM claimed)
  AND status IN (?, ?)
RETURNING` + eventColumns
		return tx.NewRaw(
			query,
			string(core.EventStatusPending),
			now,
			string(core.EventStatusProcessing),
			now,
			string(core.EventStatusProcessing),
			now.Add(-lease),
			limit,
			string(core.EventStatusProcessing),
			now,
			string(core.EventStatusPending),
			string(core.EventStatusProcessing),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookEvent, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func (s *EventStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: event store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*webhookEventRecord)(nil)).
		Where("status IN (?)", bun.In([]string{string(core.EventStatusSucceeded), string(core.EventStatusFailed)})).
		Where("updated_at < ?", olderThan.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return int(affected(res)), nil
}

// transition applies next when the row is in one of from. Re-applying the
// current status is a no-op; anything else is an invalid transition.
func (s *EventStore) transition(
	ctx context.Context,
	id string,
	next core.EventStatus,
	from []core.EventStatus,
	extra func(*bun.UpdateQuery) *bun.UpdateQuery,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	id = strings.TrimSpace(id)
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}
	query := s.db.NewUpdate().
		Model((*webhookEventRecord)(nil)).
		Set("status = ?", string(next)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(allowed))
	if extra != nil {
		query = extra(query)
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == next {
		return nil
	}
	return core.InvalidTransition(fmt.Errorf("%w: %s -> %s", core.ErrInvalidEventStatusTransition, current.Status, next))
}

func affected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return rows
}
