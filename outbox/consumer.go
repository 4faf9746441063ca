package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/gip-inclusion/immersion-facile-sub025/metrics"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the consumption-tracking side of the outbox.
type Store interface {
	TryLock(ctx context.Context, tx pgx.Tx, consumer string) (bool, error)
	Pending(ctx context.Context, tx pgx.Tx, consumer string, topics []string, now time.Time, limit int) ([]Delivery, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, consumer, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, consumer, eventID string, attempts int, lastErr string, nextAttemptAt time.Time, dead bool) error
}

// Handler reacts to one event. It may see the same event more than once and
// must be idempotent per event id.
type Handler interface {
	Handle(ctx context.Context, ev StoredEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev StoredEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev StoredEvent) error { return f(ctx, ev) }

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	Name        string
	Topics      []string
	BatchSize   int
	MaxAttempts int
}

// Consumer drains the outbox for one named subscriber. Each subscriber keeps
// its own markers, so adding a consumer never affects another one.
type Consumer struct {
	cfg     ConsumerConfig
	pool    TxBeginner
	store   Store
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewConsumer(cfg ConsumerConfig, pool TxBeginner, store Store, handler Handler) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if store == nil {
		store = NewPgStore()
	}
	return &Consumer{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		handler: handler,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
}

func (c *Consumer) WithLogger(logger *zap.Logger) *Consumer {
	if logger != nil {
		c.logger = logger.With(zap.String("consumer", c.cfg.Name))
	}
	return c
}

func (c *Consumer) WithMetrics(m *metrics.Metrics) *Consumer {
	c.metrics = m
	return c
}

func (c *Consumer) WithClock(now func() time.Time) *Consumer {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Consumer) Name() string { return c.cfg.Name }

// Drain handles one batch of pending events and returns how many were
// processed successfully. The advisory lock lives in its own transaction for
// the whole batch, while each marker is committed in a short transaction right
// after its handler returns. A stop between handler and marker means
// redelivery, never loss; markers already committed survive cancellation.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.drain")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.consumer", c.cfg.Name))

	lockTx, err := c.pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	// Ending the transaction releases the advisory lock.
	defer lockTx.Rollback(context.WithoutCancel(ctx))

	locked, err := c.store.TryLock(ctx, lockTx, c.cfg.Name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if !locked {
		return 0, nil
	}

	deliveries, err := c.store.Pending(ctx, lockTx, c.cfg.Name, c.cfg.Topics, c.now(), c.cfg.BatchSize)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch", len(deliveries)))

	processed := 0
	for _, d := range deliveries {
		if ctx.Err() != nil {
			break
		}
		herr := c.handler.Handle(ctx, d.StoredEvent)
		if herr != nil && ctx.Err() != nil {
			// Interrupted, not failed: leave it pending without using an attempt.
			break
		}
		if herr != nil {
			attempts := d.Attempts + 1
			dead := attempts >= c.cfg.MaxAttempts
			next := c.now().Add(RetryDelay(attempts))
			if err := c.commitMarker(ctx, func(ctx context.Context, tx pgx.Tx) error {
				return c.store.MarkFailed(ctx, tx, c.cfg.Name, d.ID, attempts, herr.Error(), next, dead)
			}); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return processed, err
			}
			outcome := "failed"
			if dead {
				outcome = "dead"
			}
			c.metrics.IncOutboxDispatch(c.cfg.Name, outcome)
			c.logger.Warn("outbox handler failed",
				zap.String("event_id", d.ID),
				zap.String("topic", d.Topic),
				zap.Int("attempts", attempts),
				zap.Bool("dead", dead),
				zap.Error(herr))
			continue
		}
		at := c.now()
		if err := c.commitMarker(ctx, func(ctx context.Context, tx pgx.Tx) error {
			return c.store.MarkProcessed(ctx, tx, c.cfg.Name, d.ID, at)
		}); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return processed, err
		}
		c.metrics.IncOutboxDispatch(c.cfg.Name, "processed")
		processed++
	}

	if len(deliveries) > 0 {
		c.logger.Debug("outbox batch drained", zap.Int("fetched", len(deliveries)), zap.Int("processed", processed))
	}
	return processed, nil
}

// commitMarker writes one marker in its own transaction. It ignores
// cancellation of ctx: once a handler has run, its marker must land.
func (c *Consumer) commitMarker(ctx context.Context, write func(context.Context, pgx.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin marker tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := write(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit marker: %w", err)
	}
	return nil
}

// Run adapts Drain to the worker function signature.
func (c *Consumer) Run(ctx context.Context) error {
	_, err := c.Drain(ctx)
	return err
}

// RetryDelay grows quadratically with attempts and is capped at five minutes.
func RetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempts*attempts) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
