package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GAMECORE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GAMECORE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Fairness ──
	setStr(&cfg.Fairness.MasterSecret, "GAMECORE_FAIRNESS_MASTER_SECRET")
	setStr(&cfg.Fairness.EncryptedSecretPath, "GAMECORE_FAIRNESS_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Fairness.SecretPassword, "GAMECORE_FAIRNESS_SECRET_PASSWORD")
	setInt64(&cfg.Fairness.Epoch, "GAMECORE_FAIRNESS_EPOCH")
	setStr(&cfg.Fairness.DefaultClientSeed, "GAMECORE_FAIRNESS_DEFAULT_CLIENT_SEED")

	// ── Market ──
	setFloat64(&cfg.Market.StartPrice, "GAMECORE_MARKET_START_PRICE")
	setFloat64(&cfg.Market.MinPrice, "GAMECORE_MARKET_MIN_PRICE")
	setFloat64(&cfg.Market.MaxPrice, "GAMECORE_MARKET_MAX_PRICE")
	setFloat64(&cfg.Market.BaseVolatility, "GAMECORE_MARKET_BASE_VOLATILITY")
	setFloat64(&cfg.Market.MomentumFactor, "GAMECORE_MARKET_MOMENTUM_FACTOR")
	setFloat64(&cfg.Market.ReversionRate, "GAMECORE_MARKET_REVERSION_RATE")
	setDuration(&cfg.Market.CandleInterval, "GAMECORE_MARKET_CANDLE_INTERVAL")
	setDuration(&cfg.Market.TickMinDelay, "GAMECORE_MARKET_TICK_MIN_DELAY")
	setDuration(&cfg.Market.TickMaxDelay, "GAMECORE_MARKET_TICK_MAX_DELAY")
	setInt64(&cfg.Market.CandlePersistEvery, "GAMECORE_MARKET_CANDLE_PERSIST_EVERY")
	setInt(&cfg.Market.PersistRetryMax, "GAMECORE_MARKET_PERSIST_RETRY_MAX")
	setDuration(&cfg.Market.RetryBaseDelay, "GAMECORE_MARKET_RETRY_BASE_DELAY")
	setDuration(&cfg.Market.PersistTimeout, "GAMECORE_MARKET_PERSIST_TIMEOUT")

	// ── Ledger ──
	setDuration(&cfg.Ledger.IdempotencyTTL, "GAMECORE_LEDGER_IDEMPOTENCY_TTL")
	setInt(&cfg.Ledger.ApplyRetryMax, "GAMECORE_LEDGER_APPLY_RETRY_MAX")
	setDuration(&cfg.Ledger.RetryBaseDelay, "GAMECORE_LEDGER_RETRY_BASE_DELAY")
	setDuration(&cfg.Ledger.StoreTimeout, "GAMECORE_LEDGER_STORE_TIMEOUT")
	setDuration(&cfg.Ledger.LockTTL, "GAMECORE_LEDGER_LOCK_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GAMECORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "GAMECORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GAMECORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GAMECORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GAMECORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GAMECORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GAMECORE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GAMECORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GAMECORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GAMECORE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GAMECORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GAMECORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GAMECORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GAMECORE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GAMECORE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GAMECORE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "GAMECORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GAMECORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "GAMECORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GAMECORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GAMECORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GAMECORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GAMECORE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "GAMECORE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "GAMECORE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "GAMECORE_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "GAMECORE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
