package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated database and its pool for integration tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness boots Postgres (or reuses STRESS_TEST_PG_DSN inside a private
// schema) and applies the embedded migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	shared := os.Getenv("STRESS_TEST_PG_DSN") != ""
	pgC, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: pgC, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// RequireHarness returns a harness or skips t when neither Docker nor
// STRESS_TEST_PG_DSN is available. Resources are released on cleanup.
func RequireHarness(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	ctx := context.Background()
	if os.Getenv("STRESS_TEST_PG_DSN") == "" && !DockerAvailable(ctx) {
		t.Skip("docker unavailable and STRESS_TEST_PG_DSN unset")
	}
	h, err := NewHarness(ctx)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset empties every table. TRUNCATE does not fire the row-level guards on
// conventions and outbox_events, so it is the only way to clear them.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE
		broadcast_feedbacks,
		broadcast_sync_ledger,
		outbox_consumptions,
		outbox_events,
		conventions,
		agencies`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SeedAgency inserts an agency row unless it already exists.
func (h *Harness) SeedAgency(ctx context.Context, id, name, kind string) error {
	_, err := h.pool.Exec(ctx, `INSERT INTO agencies (id, name, kind) VALUES ($1::uuid,$2,$3) ON CONFLICT (id) DO NOTHING`, id, name, kind)
	if err != nil {
		return fmt.Errorf("seed agency: %w", err)
	}
	return nil
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// RequireDatabase migrates a private schema on DATABASE_URL and returns a
// pool bound to it, or skips t when DATABASE_URL is empty. The schema is
// dropped on cleanup.
func RequireDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, teardown, err := ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}
