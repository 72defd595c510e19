package mq

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// DLQHeaders carries failure context alongside a dead-lettered message.
type DLQHeaders struct {
	OriginalError string
	FailedStage   string
	EmailID       string
	FailedAt      string
}

func (h DLQHeaders) table() amqp091.Table {
	t := amqp091.Table{
		"x-original-error": h.OriginalError,
		"x-failed-at":      h.FailedAt,
	}
	if h.FailedStage != "" {
		t["x-failed-stage"] = h.FailedStage
	}
	if h.EmailID != "" {
		t["x-email-id"] = h.EmailID
	}
	return t
}

// DLQQueueName returns the dead letter queue name for a routing key.
func DLQQueueName(routingKey string) string {
	return fmt.Sprintf("%s.dlq", routingKey)
}

// DeclareDLQQueue declares a dead letter queue for a specific routing key.
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		DLQQueueName(routingKey),
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return q, nil
}

// PublishToDLQ publishes a message to the dead letter queue.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, h DLQHeaders) error {
	if h.FailedAt == "" {
		h.FailedAt = "classifier-worker"
	}
	return p.publish(ctx, DLQExchangeName, routingKey, payload, h.table())
}
