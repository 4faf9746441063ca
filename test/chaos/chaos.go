package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// TerminateRandomBackend kills a random backend of the test database every
// few seconds. In-flight transactions roll back; committed state must still
// satisfy the oracles.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// ExpireLeases deletes sweep leases behind their holder's back, as a Redis
// eviction or failover would. A holder must never release a lease it lost.
func ExpireLeases(ctx context.Context, client *redis.Client, pattern string, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			keys, err := client.Keys(ctx, pattern).Result()
			if err != nil || len(keys) == 0 {
				continue
			}
			_ = client.Del(ctx, keys...).Err()
		}
	}
}
