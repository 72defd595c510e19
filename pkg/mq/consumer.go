package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"email-classifier/pkg/metrics"
	"email-classifier/pkg/otel"
	"email-classifier/pkg/trace"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes one delivery. Returning an error nacks and requeues;
// returning nil acks.
type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	conn        *amqp091.Connection
	channel     *amqp091.Channel
	queue       amqp091.Queue
	routingKey  string
	consumerTag string
	concurrency int
	handler     MessageHandler
	logger      *zap.Logger
}

// ConsumerOptions tune prefetch and worker fan-out.
type ConsumerOptions struct {
	Concurrency int
	Prefetch    int
}

// NewConsumer creates a consumer for a specific routing key and binds its
// dead letter queue.
func NewConsumer(url, queueName, routingKey string, opts ConsumerOptions, logger *zap.Logger) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = opts.Concurrency
	}

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := DeclareExchanges(ch); err != nil {
		return fail(err)
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		return fail(err)
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}

	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
		zap.Int("concurrency", opts.Concurrency),
	)

	return &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       q,
		routingKey:  routingKey,
		consumerTag: "worker-" + queueName,
		concurrency: opts.Concurrency,
		logger:      logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is cancelled or the delivery channel closes.
// In-flight messages finish before it returns.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.consumerTag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	go func() {
		<-ctx.Done()
		// 停止投递，已在处理中的消息继续完成
		if err := c.channel.Cancel(c.consumerTag, false); err != nil {
			c.logger.Warn("Failed to cancel consumer", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range deliveries {
				c.handleDelivery(msg)
			}
		}()
	}
	wg.Wait()

	c.logger.Info("Consumer stopped", zap.String("queue", c.queue.Name))
	return nil
}

// handleDelivery 保证每条消息都会被 ack 或 nack
func (c *Consumer) handleDelivery(msg amqp091.Delivery) {
	start := time.Now()
	result := "ack"
	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, result, time.Since(start))
	}()

	ctx := otel.ExtractHeaders(context.Background(), msg.Headers)
	if traceID, ok := msg.Headers[trace.HeaderName].(string); ok {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		result = "nack"
		c.logger.Warn("Handler error, requeueing",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		// 业务失败 → 拒绝消息并重新入队，让 MQ 重试
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
	}
}
