package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env         string
	ServiceName string
	HTTPAddr    string
	LogLevel    string
	JWTSecret   string

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	PartnerBaseURL      string
	PartnerPath         string
	PartnerAPIKey       string
	PartnerTimeoutMS    int
	PartnerTimeout      time.Duration
	PartnerConsumerID   string
	PartnerConsumerName string
	PartnerAgencyKinds  []string

	OutboxScanMS      int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	SweepIntervalSec int
	SweepBatchSize   int
	SweepTimeoutSec  int

	ObsolescenceIntervalSec int
	ObsolescenceGraceHours  int
	ObsolescenceBatchSize   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Load reads the configuration from the environment. Invalid values are
// reported as problems and replaced by their default.
func Load() (Config, []Problem) {
	cfg := Config{
		Env:                     "dev",
		ServiceName:             "conventions",
		HTTPAddr:                ":8080",
		LogLevel:                "info",
		DBMaxConns:              10,
		DBMinConns:              1,
		DBConnMaxIdleSec:        300,
		DBConnMaxLifeSec:        1800,
		PartnerPath:             "/conventions",
		PartnerTimeoutMS:        10000,
		PartnerConsumerID:       "partner",
		PartnerConsumerName:     "partner",
		OutboxScanMS:            500,
		OutboxBatchSize:         50,
		OutboxMaxAttempts:       20,
		SweepIntervalSec:        60,
		SweepBatchSize:          100,
		SweepTimeoutSec:         120,
		ObsolescenceIntervalSec: 3600,
		ObsolescenceGraceHours:  24,
		ObsolescenceBatchSize:   200,
	}
	problems := make([]Problem, 0, 4)

	envProvided := false
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		cfg.Env = v
		envProvided = true
	}
	setString(&cfg.ServiceName, "SERVICE_NAME")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	setInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	setInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	setInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFETIME_SECONDS", &problems)
	setString(&cfg.PartnerBaseURL, "PARTNER_BASE_URL")
	setString(&cfg.PartnerPath, "PARTNER_PATH")
	setString(&cfg.PartnerAPIKey, "PARTNER_API_KEY")
	setInt(&cfg.PartnerTimeoutMS, "PARTNER_TIMEOUT_MS", &problems)
	setString(&cfg.PartnerConsumerID, "PARTNER_CONSUMER_ID")
	setString(&cfg.PartnerConsumerName, "PARTNER_CONSUMER_NAME")
	if v := strings.TrimSpace(os.Getenv("PARTNER_AGENCY_KINDS")); v != "" {
		cfg.PartnerAgencyKinds = parseCSV(v)
	}
	setInt(&cfg.OutboxScanMS, "OUTBOX_SCAN_MS", &problems)
	setInt(&cfg.OutboxBatchSize, "OUTBOX_BATCH_SIZE", &problems)
	setInt(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", &problems)
	setInt(&cfg.SweepIntervalSec, "SWEEP_INTERVAL_SEC", &problems)
	setInt(&cfg.SweepBatchSize, "SWEEP_BATCH_SIZE", &problems)
	setInt(&cfg.SweepTimeoutSec, "SWEEP_TIMEOUT_SEC", &problems)
	setInt(&cfg.ObsolescenceIntervalSec, "OBSOLESCENCE_INTERVAL_SEC", &problems)
	setInt(&cfg.ObsolescenceGraceHours, "OBSOLESCENCE_GRACE_HOURS", &problems)
	setInt(&cfg.ObsolescenceBatchSize, "OBSOLESCENCE_BATCH_SIZE", &problems)
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB", &problems)

	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.DatabaseURL == "" {
		problems = append(problems, Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.PartnerBaseURL == "" {
		problems = append(problems, Problem{Field: "PARTNER_BASE_URL", Message: "PARTNER_BASE_URL is required"})
	}
	if cfg.JWTSecret == "" {
		problems = append(problems, Problem{Field: "JWT_SECRET", Message: "JWT_SECRET is required"})
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive(&cfg.DBConnMaxIdleSec, 300, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	positive(&cfg.DBConnMaxLifeSec, 1800, "DB_CONN_MAX_LIFETIME_SECONDS", &problems)
	positive(&cfg.PartnerTimeoutMS, 10000, "PARTNER_TIMEOUT_MS", &problems)
	cfg.PartnerTimeout = time.Duration(cfg.PartnerTimeoutMS) * time.Millisecond
	positive(&cfg.OutboxScanMS, 500, "OUTBOX_SCAN_MS", &problems)
	positive(&cfg.OutboxBatchSize, 50, "OUTBOX_BATCH_SIZE", &problems)
	positive(&cfg.OutboxMaxAttempts, 20, "OUTBOX_MAX_ATTEMPTS", &problems)
	positive(&cfg.SweepIntervalSec, 60, "SWEEP_INTERVAL_SEC", &problems)
	positive(&cfg.SweepBatchSize, 100, "SWEEP_BATCH_SIZE", &problems)
	positive(&cfg.SweepTimeoutSec, 120, "SWEEP_TIMEOUT_SEC", &problems)
	positive(&cfg.ObsolescenceIntervalSec, 3600, "OBSOLESCENCE_INTERVAL_SEC", &problems)
	positive(&cfg.ObsolescenceBatchSize, 200, "OBSOLESCENCE_BATCH_SIZE", &problems)
	if cfg.ObsolescenceGraceHours < 0 {
		problems = append(problems, Problem{Field: "OBSOLESCENCE_GRACE_HOURS", Message: "OBSOLESCENCE_GRACE_HOURS must be >= 0"})
		cfg.ObsolescenceGraceHours = 24
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}

	return cfg, problems
}

func (c Config) OutboxScanInterval() time.Duration {
	return time.Duration(c.OutboxScanMS) * time.Millisecond
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c Config) SweepTimeout() time.Duration {
	return time.Duration(c.SweepTimeoutSec) * time.Second
}

func (c Config) ObsolescenceInterval() time.Duration {
	return time.Duration(c.ObsolescenceIntervalSec) * time.Second
}

func (c Config) ObsolescenceGrace() time.Duration {
	return time.Duration(c.ObsolescenceGraceHours) * time.Hour
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string, problems *[]Problem) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func positive(dst *int, def int, key string, problems *[]Problem) {
	if *dst <= 0 {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be > 0"})
		*dst = def
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
