package rabbit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// Publisher publishes job.start messages with publisher confirms and
// mandatory routing so admission can refuse jobs the broker cannot hold.
type Publisher struct {
	mu      sync.Mutex
	ch      *amqp.Channel
	queue   string
	returns chan amqp.Return
}

// NewPublisher opens a confirm-mode channel and declares the queues so the
// first publish is routable.
func NewPublisher(conn *amqp.Connection, cfg config.Config) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.publisher: %w", err)
	}
	if err := DeclareQueues(ch, cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("op=rabbit.publisher: confirm mode: %w", err)
	}
	returns := make(chan amqp.Return, 1)
	ch.NotifyReturn(returns)
	return &Publisher{ch: ch, queue: cfg.QueueName(), returns: returns}, nil
}

// PublishJobStart publishes the message persistently and waits for the
// broker confirm. An unroutable return or a nack is a publish failure.
func (p *Publisher) PublishJobStart(ctx domain.Context, msg domain.JobMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=rabbit.publish: %w", err)
	}
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		observability.BrokerPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=rabbit.publish: %w", domain.ErrEnqueueFailed)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil || !acked {
		observability.BrokerPublishTotal.WithLabelValues("nack").Inc()
		return fmt.Errorf("op=rabbit.publish: no confirm: %w", domain.ErrEnqueueFailed)
	}
	// A mandatory message with no queue comes back as a return and is still
	// acked, so drain the return channel before declaring success.
	select {
	case <-p.returns:
		observability.BrokerPublishTotal.WithLabelValues("returned").Inc()
		return fmt.Errorf("op=rabbit.publish: unroutable: %w", domain.ErrEnqueueFailed)
	default:
	}
	observability.BrokerPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close releases the channel.
func (p *Publisher) Close() error { return p.ch.Close() }
