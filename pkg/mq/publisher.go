package mq

import (
	"context"
	"fmt"
	"sync"

	"email-classifier/pkg/otel"
	"email-classifier/pkg/trace"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher publishes JSON events to the topic exchange. amqp channels are
// not safe for concurrent use, so publishes are serialised.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	mu      sync.Mutex
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
	}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// PublishRaw publishes an already encoded JSON body.
func (p *Publisher) PublishRaw(ctx context.Context, routingKey string, body []byte) error {
	return p.publish(ctx, ExchangeName, routingKey, body, nil)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp091.Table) error {
	ctx, span := otel.MQPublishSpan(ctx, routingKey, exchange)
	defer span.End()

	if headers == nil {
		headers = amqp091.Table{}
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		headers[trace.HeaderName] = traceID
	}
	otel.InjectHeaders(ctx, headers)

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
		},
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
