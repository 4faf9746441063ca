package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 starts a Postgres 16 container and returns a DSN. If overrideDSN or
// STRESS_TEST_PG_DSN is set, it reuses that database.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("immersion"),
		postgres.WithUsername("immersion"),
		postgres.WithPassword("immersion"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

type RedisContainer struct {
	C *tcredis.RedisContainer
}

// StartRedis starts a Redis 7 container and returns a connected client.
// STRESS_TEST_REDIS_ADDR reuses an existing server instead.
func StartRedis(ctx context.Context) (*RedisContainer, *redis.Client, error) {
	if addr := os.Getenv("STRESS_TEST_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", addr, err)
		}
		return &RedisContainer{}, client, nil
	}

	rC, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, nil, err
	}
	uri, err := rC.ConnectionString(ctx)
	if err != nil {
		_ = rC.Terminate(ctx)
		return nil, nil, err
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		_ = rC.Terminate(ctx)
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = rC.Terminate(ctx)
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisContainer{C: rC}, client, nil
}

func (r *RedisContainer) Terminate(ctx context.Context) error {
	if r == nil || r.C == nil {
		return nil
	}
	return r.C.Terminate(ctx)
}
