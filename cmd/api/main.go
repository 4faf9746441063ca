package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gip-inclusion/immersion-facile-sub025/agency"
	"github.com/gip-inclusion/immersion-facile-sub025/auth"
	"github.com/gip-inclusion/immersion-facile-sub025/broadcast"
	"github.com/gip-inclusion/immersion-facile-sub025/config"
	"github.com/gip-inclusion/immersion-facile-sub025/convention"
	"github.com/gip-inclusion/immersion-facile-sub025/db"
	"github.com/gip-inclusion/immersion-facile-sub025/lock"
	"github.com/gip-inclusion/immersion-facile-sub025/logging"
	"github.com/gip-inclusion/immersion-facile-sub025/metrics"
	"github.com/gip-inclusion/immersion-facile-sub025/notification"
	"github.com/gip-inclusion/immersion-facile-sub025/outbox"
	"github.com/gip-inclusion/immersion-facile-sub025/worker"
)

func main() {
	cfg, problems := config.Load()

	logger, err := logging.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(problems) > 0 {
		for _, p := range problems {
			logger.Error("invalid configuration", zap.String("field", p.Field), zap.String("problem", p.Message))
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        int32(cfg.DBMaxConns),
		MinConns:        int32(cfg.DBMinConns),
		MaxConnIdleTime: time.Duration(cfg.DBConnMaxIdleSec) * time.Second,
		MaxConnLifetime: time.Duration(cfg.DBConnMaxLifeSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	agencies := agency.NewService(agency.NewRepository(pool))
	conventions := convention.NewService(pool, convention.NewRepository(), outbox.NewWriter()).
		WithAgencies(agencies).
		WithLogger(logger).
		WithMetrics(m)

	partner, err := broadcast.NewHTTPPartner(cfg.PartnerBaseURL, cfg.PartnerPath, cfg.PartnerAPIKey, cfg.PartnerTimeout)
	if err != nil {
		return err
	}

	var locker lock.Locker = lock.LocalLocker{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedisLocker(rdb, cfg.ServiceName+":lock:")
	}

	kinds := make([]agency.Kind, 0, len(cfg.PartnerAgencyKinds))
	for _, k := range cfg.PartnerAgencyKinds {
		kinds = append(kinds, agency.Kind(k))
	}
	pipeline := broadcast.NewPipeline(broadcast.Config{
		ConsumerID:   cfg.PartnerConsumerID,
		ConsumerName: cfg.PartnerConsumerName,
		AgencyKinds:  kinds,
		SweepTimeout: cfg.SweepTimeout(),
	}, conventions, agencies, partner,
		broadcast.NewLedgerRepository(pool),
		broadcast.NewFeedbackRepository(pool)).
		WithLocker(locker).
		WithLogger(logger).
		WithMetrics(m)

	notifier := notification.NewNotifier(conventions, notification.NewLogSender(logger)).WithLogger(logger)

	store := outbox.NewPgStore()
	broadcastConsumer := outbox.NewConsumer(outbox.ConsumerConfig{
		Name:        "broadcast:" + cfg.PartnerConsumerID,
		Topics:      pipeline.Topics(),
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	}, pool, store, pipeline).WithLogger(logger).WithMetrics(m)
	notificationConsumer := outbox.NewConsumer(outbox.ConsumerConfig{
		Name:        "notifications",
		Topics:      notifier.Topics(),
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	}, pool, store, notifier).WithLogger(logger).WithMetrics(m)

	dispatcher := worker.NewDispatcher(logger,
		worker.NewTicker(broadcastConsumer.Name(), cfg.OutboxScanInterval(), broadcastConsumer.Run).WithLogger(logger),
		worker.NewTicker(notificationConsumer.Name(), cfg.OutboxScanInterval(), notificationConsumer.Run).WithLogger(logger),
		worker.NewTicker("broadcast-retry-sweep", cfg.SweepInterval(), func(ctx context.Context) error {
			_, err := pipeline.RetrySweep(ctx, cfg.SweepBatchSize)
			return err
		}).WithLogger(logger),
		worker.NewTicker("obsolescence-sweep", cfg.ObsolescenceInterval(), func(ctx context.Context) error {
			_, err := conventions.DeprecateObsolete(ctx, cfg.ObsolescenceGrace(), cfg.ObsolescenceBatchSize)
			return err
		}).WithLogger(logger).RunImmediately(),
	)

	server := &Server{
		conventionService: conventions,
		broadcastService:  pipeline,
		agencyService:     agencies,
		tokens:            auth.NewService(cfg.JWTSecret),
		metrics:           m,
		logger:            logger,
		ready:             pool.Ping,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
