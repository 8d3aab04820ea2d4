package rabbit

import (
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// Consumer drains the work queue and spawns one worker per job. Prefetch is
// one: a message is held unacked while its worker is being started, so a
// dying instancer returns it to the queue.
type Consumer struct {
	conn    *amqp.Connection
	cfg     config.Config
	jobs    domain.JobRepository
	backend domain.WorkerBackend
	secrets domain.SecretStore
	log     *slog.Logger
}

// NewConsumer wires the consumer; secrets may be nil when bundle cleanup on
// expiry is not wanted.
func NewConsumer(conn *amqp.Connection, cfg config.Config, jobs domain.JobRepository, backend domain.WorkerBackend, secrets domain.SecretStore, log *slog.Logger) *Consumer {
	return &Consumer{conn: conn, cfg: cfg, jobs: jobs, backend: backend, secrets: secrets, log: log}
}

// Run consumes the work queue until the context is canceled. In TTL mode a
// second consumer drains the DLQ for expired jobs.
func (c *Consumer) Run(ctx domain.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := DeclareQueues(ch, c.cfg); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.QueueName(), "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	if !c.cfg.CapConfigured() {
		go func() {
			if err := c.runDLQ(ctx); err != nil {
				c.log.Error("dlq consumer stopped", slog.Any("error", err))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx domain.Context, d amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Warn("dropping undecodable message", slog.Any("error", err))
		observability.BrokerConsumeTotal.WithLabelValues("rejected").Inc()
		_ = d.Nack(false, false)
		return
	}
	if msg.Type != domain.JobMessageType || msg.JobID == "" {
		c.log.Warn("dropping unexpected message", slog.String("type", msg.Type))
		observability.BrokerConsumeTotal.WithLabelValues("rejected").Inc()
		_ = d.Nack(false, false)
		return
	}

	if !c.waitForCapacity(ctx) {
		// Shutting down with the message unacked returns it to the queue.
		_ = d.Nack(false, true)
		return
	}

	if _, err := c.backend.StartWorker(ctx, domain.StartWorkerOptions{
		JobID:       msg.JobID,
		SecretRef:   msg.SecretRef,
		Model:       msg.Model,
		ResultToken: msg.ResultToken,
	}); err != nil {
		c.log.Error("worker start failed; requeueing",
			slog.String("job_id", msg.JobID), slog.Any("error", err))
		observability.BrokerConsumeTotal.WithLabelValues("requeued").Inc()
		_ = d.Nack(false, true)
		return
	}

	ok, err := c.jobs.MarkRunning(ctx, msg.JobID, time.Now().UTC())
	if err != nil {
		c.log.Error("mark running failed", slog.String("job_id", msg.JobID), slog.Any("error", err))
	} else if !ok {
		// The job left queued state while waiting, e.g. failed by the
		// reaper. The worker will fail to finalize it and exit.
		c.log.Warn("job no longer queued", slog.String("job_id", msg.JobID))
	} else {
		observability.JobsStartedTotal.Inc()
	}
	observability.BrokerConsumeTotal.WithLabelValues("acked").Inc()
	_ = d.Ack(false)
}

// waitForCapacity blocks until a worker slot is free. Returns false only on
// context cancellation.
func (c *Consumer) waitForCapacity(ctx domain.Context) bool {
	limit := c.cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = c.backend.DefaultMaxConcurrency()
	}
	if limit <= 0 {
		return true
	}
	for {
		running, err := c.backend.RunningWorkers(ctx)
		if err != nil {
			c.log.Error("capacity check failed", slog.Any("error", err))
		} else if running < limit {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.CapacityPoll):
		}
	}
}

// runDLQ fails jobs whose messages expired on the work queue. Messages that
// dead-lettered for any other reason are dropped.
func (c *Consumer) runDLQ(ctx domain.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	deliveries, err := ch.Consume(c.cfg.DLQName(), "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDead(ctx, d)
		}
	}
}

func (c *Consumer) handleDead(ctx domain.Context, d amqp.Delivery) {
	defer func() { _ = d.Ack(false) }()

	if DeathReason(d.Headers) != "expired" {
		return
	}
	var msg domain.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		return
	}
	ok, err := c.jobs.MarkFailed(ctx, msg.JobID, domain.FailReasonExpired, time.Now().UTC())
	if err != nil {
		c.log.Error("expire failed", slog.String("job_id", msg.JobID), slog.Any("error", err))
		return
	}
	if ok {
		observability.JobsReapedTotal.WithLabelValues("expired").Inc()
		c.log.Info("job expired on queue", slog.String("job_id", msg.JobID))
		if c.secrets != nil && msg.SecretRef != "" {
			if err := c.secrets.Delete(ctx, msg.SecretRef); err != nil {
				c.log.Warn("bundle cleanup failed", slog.String("job_id", msg.JobID), slog.Any("error", err))
			}
		}
	}
}

// DeathReason extracts the reason of the first x-death entry, empty when
// the header is absent or malformed.
func DeathReason(headers amqp.Table) string {
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return ""
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := first["reason"].(string)
	return reason
}
