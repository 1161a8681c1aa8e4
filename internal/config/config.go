// Package config defines the top-level configuration for the gamecore service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GAMECORE_* environment variables.
type Config struct {
	Fairness FairnessConfig `toml:"fairness"`
	Market   MarketConfig   `toml:"market"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Cases    []CaseConfig   `toml:"cases"`
	LogLevel string         `toml:"log_level"`
}

// FairnessConfig holds the provably-fair seed chain parameters. MasterSecret
// is the hex-encoded root of the server seed chain and must never appear in
// logs or the TOML file checked into source control.
type FairnessConfig struct {
	MasterSecret string `toml:"master_secret"`

	// EncryptedSecretPath points at an AES-GCM encrypted secret file as an
	// alternative to master_secret; SecretPassword decrypts it.
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`

	Epoch             int64  `toml:"epoch"`
	DefaultClientSeed string `toml:"default_client_seed"`
}

// MarketConfig holds the price simulator parameters.
type MarketConfig struct {
	StartPrice     float64  `toml:"start_price"`
	MinPrice       float64  `toml:"min_price"`
	MaxPrice       float64  `toml:"max_price"`
	BaseVolatility float64  `toml:"base_volatility"`
	MomentumFactor float64  `toml:"momentum_factor"`
	ReversionRate  float64  `toml:"reversion_rate"`
	CandleInterval duration `toml:"candle_interval"`
	TickMinDelay   duration `toml:"tick_min_delay"`
	TickMaxDelay   duration `toml:"tick_max_delay"`

	// CandlePersistEvery is the tick cadence for snapshotting the in-progress
	// candle; PersistRetryMax bounds retries of each persistence call and
	// PersistTimeout bounds each attempt.
	CandlePersistEvery int64    `toml:"candle_persist_every"`
	PersistRetryMax    int      `toml:"persist_retry_max"`
	RetryBaseDelay     duration `toml:"retry_base_delay"`
	PersistTimeout     duration `toml:"persist_timeout"`
}

// LedgerConfig holds the transaction engine parameters.
type LedgerConfig struct {
	IdempotencyTTL duration `toml:"idempotency_ttl"`
	ApplyRetryMax  int      `toml:"apply_retry_max"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
	StoreTimeout   duration `toml:"store_timeout"`
	LockTTL        duration `toml:"lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds candle archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// CaseConfig defines one openable case in the catalog.
type CaseConfig struct {
	ID    string           `toml:"id"`
	Items []CaseItemConfig `toml:"items"`
}

// CaseItemConfig defines one item inside a case. Multiplier is the payout as
// a decimal string ("2.5") so the catalog never goes through float money.
type CaseItemConfig struct {
	ID         string  `toml:"id"`
	Name       string  `toml:"name"`
	Rarity     string  `toml:"rarity"`
	Weight     float64 `toml:"weight"`
	Multiplier string  `toml:"multiplier"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Fairness: FairnessConfig{
			Epoch:             1,
			DefaultClientSeed: "gamecore",
		},
		Market: MarketConfig{
			StartPrice:         100.0,
			MinPrice:           10.0,
			MaxPrice:           1000.0,
			BaseVolatility:     0.02,
			MomentumFactor:     0.3,
			ReversionRate:      0.05,
			CandleInterval:     duration{time.Minute},
			TickMinDelay:       duration{500 * time.Millisecond},
			TickMaxDelay:       duration{2 * time.Second},
			CandlePersistEvery: 10,
			PersistRetryMax:    3,
			RetryBaseDelay:     duration{100 * time.Millisecond},
			PersistTimeout:     duration{5 * time.Second},
		},
		Ledger: LedgerConfig{
			IdempotencyTTL: duration{24 * time.Hour},
			ApplyRetryMax:  3,
			RetryBaseDelay: duration{50 * time.Millisecond},
			StoreTimeout:   duration{5 * time.Second},
			LockTTL:        duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "gamecore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "gamecore-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Fairness
	if c.Fairness.MasterSecret == "" && c.Fairness.EncryptedSecretPath == "" {
		errs = append(errs, "fairness: either master_secret or encrypted_secret_path must be set")
	}
	if c.Fairness.EncryptedSecretPath != "" && c.Fairness.SecretPassword == "" {
		errs = append(errs, "fairness: secret_password is required when encrypted_secret_path is set")
	}
	if c.Fairness.Epoch < 0 {
		errs = append(errs, "fairness: epoch must be >= 0")
	}
	if c.Fairness.DefaultClientSeed == "" {
		errs = append(errs, "fairness: default_client_seed must not be empty")
	}

	// Market
	if c.Market.StartPrice <= 0 {
		errs = append(errs, "market: start_price must be > 0")
	}
	if c.Market.MinPrice <= 0 || c.Market.MaxPrice <= c.Market.MinPrice {
		errs = append(errs, "market: require 0 < min_price < max_price")
	}
	if c.Market.StartPrice < c.Market.MinPrice || c.Market.StartPrice > c.Market.MaxPrice {
		errs = append(errs, "market: start_price must lie within [min_price, max_price]")
	}
	if c.Market.BaseVolatility <= 0 {
		errs = append(errs, "market: base_volatility must be > 0")
	}
	if c.Market.CandleInterval.Duration <= 0 {
		errs = append(errs, "market: candle_interval must be > 0")
	}
	if c.Market.TickMinDelay.Duration <= 0 || c.Market.TickMaxDelay.Duration < c.Market.TickMinDelay.Duration {
		errs = append(errs, "market: require 0 < tick_min_delay <= tick_max_delay")
	}
	if c.Market.CandlePersistEvery < 1 {
		errs = append(errs, "market: candle_persist_every must be >= 1")
	}
	if c.Market.PersistTimeout.Duration <= 0 {
		errs = append(errs, "market: persist_timeout must be > 0")
	}

	// Ledger
	if c.Ledger.IdempotencyTTL.Duration <= 0 {
		errs = append(errs, "ledger: idempotency_ttl must be > 0")
	}
	if c.Ledger.ApplyRetryMax < 0 {
		errs = append(errs, "ledger: apply_retry_max must be >= 0")
	}
	if c.Ledger.StoreTimeout.Duration <= 0 {
		errs = append(errs, "ledger: store_timeout must be > 0")
	}
	if c.Ledger.LockTTL.Duration <= 0 {
		errs = append(errs, "ledger: lock_ttl must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
	}

	// Cases
	seen := make(map[string]bool, len(c.Cases))
	for i, cs := range c.Cases {
		if cs.ID == "" {
			errs = append(errs, fmt.Sprintf("cases[%d]: id must not be empty", i))
			continue
		}
		if seen[cs.ID] {
			errs = append(errs, fmt.Sprintf("cases: duplicate id %q", cs.ID))
		}
		seen[cs.ID] = true
		if len(cs.Items) == 0 {
			errs = append(errs, fmt.Sprintf("cases[%s]: at least one item is required", cs.ID))
		}
		for _, item := range cs.Items {
			if item.Weight < 0 {
				errs = append(errs, fmt.Sprintf("cases[%s]: item %q has negative weight", cs.ID, item.ID))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
