package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"email-classifier/pkg/metrics"
	"email-classifier/pkg/trace"

	"go.uber.org/zap"
)

// EventStore is the part of Repository the dispatcher needs.
type EventStore interface {
	GetPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int, cause error) error
}

// EventPublisher publishes an encoded payload to the broker.
type EventPublisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

// EventHandler handles an event locally instead of publishing it.
type EventHandler func(ctx context.Context, event *Event) error

// Dispatcher 负责从 outbox 中读取事件：注册了本地 handler 的事件在进程内处理，
// 其余的发布到 MQ
type Dispatcher struct {
	store      EventStore
	publisher  EventPublisher
	handlers   map[string]EventHandler
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
	lease      time.Duration
}

// NewDispatcher 创建新的 Dispatcher；publisher 可以为 nil（仅处理本地事件）
func NewDispatcher(store EventStore, publisher EventPublisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		handlers:   make(map[string]EventHandler),
		logger:     logger,
		maxRetries: 5,               // 默认最大重试5次
		interval:   1 * time.Second, // 默认每秒扫描一次
		batchSize:  100,             // 默认每次处理100个事件
		lease:      30 * time.Second,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// WithLease sets how long a claimed event stays invisible to other dispatchers.
func (d *Dispatcher) WithLease(lease time.Duration) *Dispatcher {
	d.lease = lease
	return d
}

// WithHandler routes events with routingKey to h.
func (d *Dispatcher) WithHandler(routingKey string, h EventHandler) *Dispatcher {
	d.handlers[routingKey] = h
	return d
}

// Start runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.processPendingEvents(ctx)
		}
	}
}

// processPendingEvents 处理待发送的事件，返回成功数量
func (d *Dispatcher) processPendingEvents(ctx context.Context) int {
	events, err := d.store.GetPendingEvents(ctx, d.batchSize, d.lease)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}

	sent := 0
	for _, event := range events {
		if err := d.dispatch(ctx, event); err != nil {
			metrics.IncrementOutboxDispatched(event.RoutingKey, "failed")
			d.logger.Warn("Failed to dispatch outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)

			if err := d.store.MarkAsFailed(ctx, event.ID, d.maxRetries, err); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		if err := d.store.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.IncrementOutboxDispatched(event.RoutingKey, "sent")
		sent++
	}
	return sent
}

// dispatch 处理单个事件
func (d *Dispatcher) dispatch(ctx context.Context, event *Event) error {
	ctx = contextFromPayload(ctx, event.Payload)

	if h, ok := d.handlers[event.RoutingKey]; ok {
		return h(ctx, event)
	}
	if d.publisher == nil {
		return fmt.Errorf("no handler or publisher for routing key %q", event.RoutingKey)
	}
	if err := d.publisher.PublishRaw(ctx, event.RoutingKey, event.Payload); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}
	return nil
}

// contextFromPayload 从 payload 中提取 trace_id（如果存在）
func contextFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ctx
	}
	return trace.WithContext(ctx, envelope.TraceID)
}
