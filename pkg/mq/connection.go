package mq

import (
	"fmt"
	"os"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Exchanges. Both are durable topic exchanges keyed by routing key.
const (
	ExchangeName    = "events"
	DLQExchangeName = "events.dlq"
)

const heartbeat = 10 * time.Second

// NewConnection dials RabbitMQ and tags the connection with the process
// name so it is identifiable in the management UI.
func NewConnection(url string) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(connectionName())

	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  heartbeat,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

func connectionName() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("email-classifier/%s/%d", host, os.Getpid())
}

// DeclareExchanges declares the events exchange and its dead letter twin.
func DeclareExchanges(ch *amqp091.Channel) error {
	for _, name := range []string{ExchangeName, DLQExchangeName} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return nil
}
