// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - New() returns a Config populated with defaults.
// - Load(ctx) layers a YAML file, a .env file and environment variables on top.
// - Errors are wrapped with this package's sentinel kinds.
package config

import (
	"runtime"
	"time"
)

// Store backends understood by the service.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreMongo  = "mongo"
)

// Feature describes a paid tool that can be bought with coins.
type Feature struct {
	Cost     int64         `koanf:"cost"`
	Duration time.Duration `koanf:"duration"`
}

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogEncoding selects json or console output.
	LogEncoding string `koanf:"log_encoding"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Store selects the ledger backend: memory, bolt or mongo.
	Store string `koanf:"store"`

	// BoltPath is the database file used by the bolt backend.
	BoltPath string `koanf:"bolt_path"`

	// MongoURI and MongoDatabase configure the mongo backend.
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`

	// RedisURL enables the shared delivery deduper when set.
	RedisURL string `koanf:"redis_url"`

	// DedupeSize bounds the in-memory delivery deduper.
	DedupeSize int `koanf:"dedupe_size"`

	// DedupeTTL is how long a delivery id is remembered in redis.
	DedupeTTL time.Duration `koanf:"dedupe_ttl"`

	// QueueSize bounds the webhook update queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of update workers.
	WorkerCount int `koanf:"worker_count"`

	// StandardBonus and PrivilegedBonus are credited to a referrer per referral.
	StandardBonus   int64 `koanf:"standard_bonus"`
	PrivilegedBonus int64 `koanf:"privileged_bonus"`

	// ReferralWindow is how long after creation an unreferred account may
	// still have its first-start referral applied.
	ReferralWindow time.Duration `koanf:"referral_window"`

	// Daily claim settings.
	DailyCooldown     time.Duration `koanf:"daily_cooldown"`
	DailyStreakWindow time.Duration `koanf:"daily_streak_window"`
	DailyBaseReward   int64         `koanf:"daily_base_reward"`
	DailyStreakStep   int64         `koanf:"daily_streak_step"`
	DailyStreakCap    int           `koanf:"daily_streak_cap"`

	// Transaction retry budget.
	TxMaxAttempts    int           `koanf:"tx_max_attempts"`
	TxInitialBackoff time.Duration `koanf:"tx_initial_backoff"`
	TxMaxBackoff     time.Duration `koanf:"tx_max_backoff"`

	// FeatureSweepInterval is how often expired paid features are cleared.
	FeatureSweepInterval time.Duration `koanf:"feature_sweep_interval"`

	// Features prices paid tools by name.
	Features map[string]Feature `koanf:"features"`

	// Tasks seeds the memory and bolt task catalogs: task id -> points.
	Tasks map[string]int64 `koanf:"tasks"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogEncoding:          "json",
		Addr:                 ":9080",
		Store:                StoreMemory,
		BoltPath:             "data/ledger.db",
		MongoDatabase:        "coinledger",
		DedupeSize:           500_000,
		DedupeTTL:            24 * time.Hour,
		QueueSize:            10_000,
		WorkerCount:          runtime.NumCPU() * 4,
		StandardBonus:        100,
		PrivilegedBonus:      500,
		ReferralWindow:       24 * time.Hour,
		DailyCooldown:        24 * time.Hour,
		DailyStreakWindow:    48 * time.Hour,
		DailyBaseReward:      50,
		DailyStreakStep:      10,
		DailyStreakCap:       7,
		TxMaxAttempts:        10,
		TxInitialBackoff:     5 * time.Millisecond,
		TxMaxBackoff:         250 * time.Millisecond,
		FeatureSweepInterval: time.Minute,
		Features: map[string]Feature{
			"buy-analyzer": {Cost: 5, Duration: 30 * 24 * time.Hour},
		},
		Tasks: map[string]int64{},
	}
}
