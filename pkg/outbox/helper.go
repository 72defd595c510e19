package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertEventInTx 在事务中插入事件到 outbox（辅助函数）
// delay > 0 defers the first dispatch attempt.
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID string,
	routingKey string,
	payload interface{},
	delay time.Duration,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := &Event{
		AggregateType: aggregateType,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}
	if aggregateID != "" {
		event.AggregateID = &aggregateID
	}
	if delay > 0 {
		at := time.Now().Add(delay)
		event.NextRetryAt = &at
	}

	return repo.InsertEvent(ctx, tx, event)
}
