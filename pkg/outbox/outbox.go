package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"email-classifier/pkg/otel"
	"email-classifier/pkg/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ErrEventNotFound is returned when an event ID does not exist.
var ErrEventNotFound = errors.New("outbox event not found")

// Event 表示一个待发布的事件
type Event struct {
	ID            int64           `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   *string         `json:"aggregate_id,omitempty"`
	RoutingKey    string          `json:"routing_key"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const eventColumns = `id, aggregate_type, aggregate_id, routing_key, payload, status,
		       retry_count, next_retry_at, last_error, created_at, updated_at`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository 提供 Outbox 操作
type Repository struct {
	db Querier
	// 失败重试的退避基数
	retryBase time.Duration
	retryMax  time.Duration
}

// NewRepository 创建新的 Outbox Repository
func NewRepository(db Querier) *Repository {
	return &Repository{db: db, retryBase: 5 * time.Second, retryMax: 10 * time.Minute}
}

// InsertEvent 在事务中插入事件到 outbox
// 必须在事务中调用，确保与业务数据的一致性
func (r *Repository) InsertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, routing_key, payload, status, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	if event.Status == "" {
		event.Status = StatusPending
	}

	return otel.WithDBSpan(ctx, "insert", query, func(ctx context.Context) error {
		err := tx.QueryRow(ctx, query,
			event.AggregateType,
			event.AggregateID,
			event.RoutingKey,
			event.Payload,
			event.Status,
			event.NextRetryAt,
		).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
		return nil
	})
}

// GetPendingEvents claims due pending events for this dispatcher. Claimed
// events are pushed out by lease so that concurrent dispatchers skip them.
func (r *Repository) GetPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]*Event, error) {
	query := `
		UPDATE outbox_events
		SET next_retry_at = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending'
			AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + eventColumns

	var events []*Event
	err := otel.WithDBSpan(ctx, "claim", query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, limit, lease.Seconds())
		if err != nil {
			return fmt.Errorf("failed to claim pending events: %w", err)
		}
		events, err = scanEvents(rows)
		return err
	})
	return events, err
}

// MarkAsSent 标记事件为已发送
func (r *Repository) MarkAsSent(ctx context.Context, eventID int64) error {
	query := `
		UPDATE outbox_events
		SET status = 'sent', last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAggregateSent marks every pending event of one aggregate and routing key
// as sent. Returns the number of events updated.
func (r *Repository) MarkAggregateSent(ctx context.Context, aggregateType, aggregateID, routingKey string) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = 'sent', last_error = NULL, updated_at = NOW()
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND routing_key = $3 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, aggregateType, aggregateID, routingKey)
	if err != nil {
		return 0, fmt.Errorf("failed to mark aggregate events as sent: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkAsFailed 记录失败并按指数退避安排下次重试；超过 maxRetries 后置为 failed
func (r *Repository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int, cause error) error {
	var retryCount int
	err := r.db.QueryRow(ctx, `SELECT retry_count FROM outbox_events WHERE id = $1`, eventID).Scan(&retryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
		}
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	status, nextRetryAt := nextState(retryCount+1, maxRetries, time.Now(), r.retryBase, r.retryMax)

	var lastErr *string
	if cause != nil {
		msg := cause.Error()
		lastErr = &msg
	}

	query := `
		UPDATE outbox_events
		SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5
	`

	if _, err := r.db.Exec(ctx, query, status, retryCount+1, nextRetryAt, lastErr, eventID); err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// nextState decides status and next retry time after the n-th failure.
func nextState(retryCount, maxRetries int, now time.Time, base, max time.Duration) (string, *time.Time) {
	if retryCount >= maxRetries {
		return StatusFailed, nil
	}
	next := now.Add(util.ExponentialBackoff(retryCount, base, max))
	return StatusPending, &next
}

// GetEventByID 根据 ID 获取事件（用于 Replay）
func (r *Repository) GetEventByID(ctx context.Context, eventID int64) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM outbox_events WHERE id = $1`

	e, err := scanEvent(r.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// ReplayEvent 重放事件（将状态重置为 pending）
func (r *Repository) ReplayEvent(ctx context.Context, eventID int64) error {
	query := `
		UPDATE outbox_events
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to replay event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	return nil
}

// GetFailedEvents 获取所有失败的事件（用于管理界面）
func (r *Repository) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM outbox_events
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID,
		&e.AggregateType,
		&e.AggregateID,
		&e.RoutingKey,
		&e.Payload,
		&e.Status,
		&e.RetryCount,
		&e.NextRetryAt,
		&e.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
