package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the broadcast repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerRepository stores one sync row per convention. Rows are upserted and
// never deleted.
type LedgerRepository struct {
	db DB
}

func NewLedgerRepository(db DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) GetByID(ctx context.Context, conventionID string) (LedgerEntry, error) {
	var e LedgerEntry
	err := r.db.QueryRow(ctx, `
		SELECT convention_id::text, status, process_date, reason, COALESCE(attempted_for, '')
		FROM broadcast_sync_ledger
		WHERE convention_id = $1::uuid
	`, conventionID).Scan(&e.ConventionID, &e.Status, &e.ProcessDate, &e.Reason, &e.AttemptedFor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrNotFound
		}
		return LedgerEntry{}, fmt.Errorf("broadcast: get ledger entry: %w", err)
	}
	return e, nil
}

// GetToProcessOrError returns up to limit entries still needing delivery.
// Never-attempted entries come first, then the least recently attempted, so
// every entry is eventually retried.
func (r *LedgerRepository) GetToProcessOrError(ctx context.Context, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT convention_id::text, status, process_date, reason, COALESCE(attempted_for, '')
		FROM broadcast_sync_ledger
		WHERE status IN ('TO_PROCESS','ERROR')
		ORDER BY process_date ASC NULLS FIRST, convention_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("broadcast: list pending entries: %w", err)
	}
	defer rows.Close()

	out := make([]LedgerEntry, 0, limit)
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ConventionID, &e.Status, &e.ProcessDate, &e.Reason, &e.AttemptedFor); err != nil {
			return nil, fmt.Errorf("broadcast: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("broadcast: iterate ledger entries: %w", err)
	}
	return out, nil
}

// Save upserts e. Concurrent writers on the same convention resolve as last
// writer wins.
func (r *LedgerRepository) Save(ctx context.Context, e LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `
		INSERT INTO broadcast_sync_ledger (convention_id, status, process_date, reason, attempted_for)
		VALUES ($1::uuid, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (convention_id)
		DO UPDATE SET status = EXCLUDED.status,
		              process_date = EXCLUDED.process_date,
		              reason = EXCLUDED.reason,
		              attempted_for = EXCLUDED.attempted_for,
		              updated_at = now()
	`, e.ConventionID, string(e.Status), e.ProcessDate, e.Reason, string(e.AttemptedFor)); err != nil {
		return fmt.Errorf("broadcast: save ledger entry: %w", err)
	}
	return nil
}

// EnsureToProcess creates a TO_PROCESS row unless one already exists.
func (r *LedgerRepository) EnsureToProcess(ctx context.Context, conventionID string) error {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO broadcast_sync_ledger (convention_id, status)
		VALUES ($1::uuid, 'TO_PROCESS')
		ON CONFLICT (convention_id) DO NOTHING
	`, conventionID); err != nil {
		return fmt.Errorf("broadcast: ensure ledger entry: %w", err)
	}
	return nil
}
