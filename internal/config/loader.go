package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "COINLEDGER_"

// Load builds a Config by layering defaults, optional file, .env and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if COINLEDGER_CONFIG is set
//  3. .env in the working directory (or COINLEDGER_DOTENV), never overriding real env
//  4. env (prefix COINLEDGER_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	dotenv := ".env"
	if path := os.Getenv(envPrefix + "DOTENV"); path != "" {
		dotenv = path
	}
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, dotenv, err)
	}

	// COINLEDGER_QUEUE_SIZE -> queue_size (flat keys, underscores preserved).
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.Store != StoreMemory && c.Store != StoreBolt && c.Store != StoreMongo:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	case c.Store == StoreBolt && c.BoltPath == "":
		return fmt.Errorf("%w: bolt_path must not be empty", ErrInvalidConfig)
	case c.Store == StoreMongo && c.MongoURI == "":
		return fmt.Errorf("%w: mongo_uri must not be empty", ErrInvalidConfig)
	case c.TxMaxAttempts < 1:
		return fmt.Errorf("%w: tx_max_attempts must be positive", ErrInvalidConfig)
	case c.StandardBonus < 0 || c.PrivilegedBonus < 0:
		return fmt.Errorf("%w: referral bonuses must not be negative", ErrInvalidConfig)
	case c.DailyCooldown <= 0 || c.DailyStreakWindow <= c.DailyCooldown:
		return fmt.Errorf("%w: daily_streak_window must exceed daily_cooldown", ErrInvalidConfig)
	case c.DailyBaseReward < 0 || c.DailyStreakStep < 0:
		return fmt.Errorf("%w: daily rewards must not be negative", ErrInvalidConfig)
	}
	for name, f := range c.Features {
		if f.Cost < 0 || f.Duration <= 0 {
			return fmt.Errorf("%w: feature %q needs a non-negative cost and a positive duration", ErrInvalidConfig, name)
		}
	}
	for id, points := range c.Tasks {
		if points < 0 {
			return fmt.Errorf("%w: task %q has negative points", ErrInvalidConfig, id)
		}
	}
	return nil
}
