package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Writer appends events inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts events in order. Rows are never updated afterwards.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, events ...Event) error {
	for _, ev := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (id, topic, occurred_at, payload)
			VALUES ($1::uuid, $2, $3, $4::jsonb)
		`, ev.ID, ev.Topic, ev.OccurredAt, string(ev.Payload)); err != nil {
			return fmt.Errorf("outbox: append %s: %w", ev.Topic, err)
		}
	}
	return nil
}

// Delivery is an event pending for a given consumer, with the number of
// failed attempts so far.
type Delivery struct {
	StoredEvent
	Attempts int
}

// PgStore tracks which events each named consumer has handled.
type PgStore struct{}

func NewPgStore() *PgStore {
	return &PgStore{}
}

// TryLock takes a transaction-scoped advisory lock for consumer. It returns
// false when another instance of the same consumer holds it.
func (s *PgStore) TryLock(ctx context.Context, tx pgx.Tx, consumer string) (bool, error) {
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext('outbox:' || $1))`, consumer).Scan(&ok); err != nil {
		return false, fmt.Errorf("outbox: advisory lock: %w", err)
	}
	return ok, nil
}

// Pending returns up to limit events on topics that consumer has neither
// processed nor given up on, in append order.
func (s *PgStore) Pending(ctx context.Context, tx pgx.Tx, consumer string, topics []string, now time.Time, limit int) ([]Delivery, error) {
	rows, err := tx.Query(ctx, `
		SELECT e.seq, e.id::text, e.topic, e.occurred_at, e.payload, COALESCE(c.attempts, 0)
		FROM outbox_events e
		LEFT JOIN outbox_consumptions c
		  ON c.event_id = e.id AND c.consumer = $1
		WHERE e.topic = ANY($2)
		  AND c.processed_at IS NULL
		  AND c.dead_at IS NULL
		  AND (c.next_attempt_at IS NULL OR c.next_attempt_at <= $3)
		ORDER BY e.seq ASC
		LIMIT $4
	`, consumer, topics, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	defer rows.Close()

	out := make([]Delivery, 0, limit)
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.Seq, &d.ID, &d.Topic, &d.OccurredAt, &d.Payload, &d.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan pending: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending: %w", err)
	}
	return out, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, tx pgx.Tx, consumer, eventID string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_consumptions (consumer, event_id, processed_at)
		VALUES ($1, $2::uuid, $3)
		ON CONFLICT (consumer, event_id)
		DO UPDATE SET processed_at = EXCLUDED.processed_at, last_error = NULL, next_attempt_at = NULL
	`, consumer, eventID, at); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. When dead is set the event is no
// longer offered to consumer.
func (s *PgStore) MarkFailed(ctx context.Context, tx pgx.Tx, consumer, eventID string, attempts int, lastErr string, nextAttemptAt time.Time, dead bool) error {
	var deadAt *time.Time
	if dead {
		deadAt = &nextAttemptAt
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox_consumptions (consumer, event_id, attempts, last_error, next_attempt_at, dead_at)
		VALUES ($1, $2::uuid, $3, $4, $5, $6)
		ON CONFLICT (consumer, event_id)
		DO UPDATE SET attempts = EXCLUDED.attempts,
		              last_error = EXCLUDED.last_error,
		              next_attempt_at = EXCLUDED.next_attempt_at,
		              dead_at = EXCLUDED.dead_at
	`, consumer, eventID, attempts, truncate(lastErr, 1000), nextAttemptAt, deadAt); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
