// Package rabbit implements the broker adapter on RabbitMQ. The work queue
// is durable; queued messages either reach the instancer or dead-letter
// into the DLQ after the configured TTL.
package rabbit

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
)

// Dial opens the broker connection.
func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.dial: %w", err)
	}
	return conn, nil
}

// QueueArgs returns the declare arguments for the work queue. With a
// concurrency cap messages legitimately wait behind capacity, so the queue
// carries no TTL. Without a cap an unconsumed message means the instancer
// is gone and the message expires into the DLQ.
func QueueArgs(cfg config.Config) amqp.Table {
	if cfg.CapConfigured() {
		return nil
	}
	return amqp.Table{
		"x-message-ttl":             cfg.QueueTTL.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQName(),
	}
}

// DeclareQueues declares the work queue (and in TTL mode the DLQ) on the
// given channel. Declarations are idempotent as long as arguments match.
func DeclareQueues(ch *amqp.Channel, cfg config.Config) error {
	if !cfg.CapConfigured() {
		if _, err := ch.QueueDeclare(cfg.DLQName(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("op=rabbit.declare_dlq: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(cfg.QueueName(), true, false, false, false, QueueArgs(cfg)); err != nil {
		return fmt.Errorf("op=rabbit.declare_queue: %w", err)
	}
	return nil
}
