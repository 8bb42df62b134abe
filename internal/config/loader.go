package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration in layers: defaults, then the TOML file at path
// (skipped when path is empty), then a .env file if present, then TRADECORE_*
// environment variables. Later layers win.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Missing .env is fine; it only exists in development.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr("TRADECORE_MODE", &cfg.Mode)
	setStr("TRADECORE_LOG_LEVEL", &cfg.LogLevel)
	setStr("TRADECORE_LOG_FILE", &cfg.Log.File)

	setInt("TRADECORE_SERVER_PORT", &cfg.Server.Port)

	setStr("TRADECORE_FEED_URL", &cfg.Feed.URL)
	setStr("TRADECORE_FEED_SOURCE", &cfg.Feed.Source)

	setDuration("TRADECORE_BAR_WIDTH", &cfg.Aggregator.BarWidth)
	setInt("TRADECORE_AGG_SHARDS", &cfg.Aggregator.Shards)
	setInt("TRADECORE_AGG_QUEUE_DEPTH", &cfg.Aggregator.QueueDepth)

	setInt("TRADECORE_HOTBUF_MAX_ENTRIES", &cfg.HotBuffer.MaxEntries)
	setDuration("TRADECORE_HOTBUF_FLUSH_INTERVAL", &cfg.HotBuffer.FlushInterval)

	setStr("TRADECORE_STORE_PATH", &cfg.Store.Path)
	setInt("TRADECORE_STOREWRITER_PORT", &cfg.StoreWriter.Port)
	setStr("TRADECORE_STOREWRITER_URL", &cfg.StoreWriter.BaseURL)
	setStr("TRADECORE_STOREWRITER_API_KEY", &cfg.StoreWriter.APIKey)
	setDuration("TRADECORE_STOREWRITER_TIMEOUT", &cfg.StoreWriter.Timeout)

	setBool("TRADECORE_REDIS_ENABLED", &cfg.Redis.Enabled)
	setStr("TRADECORE_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("TRADECORE_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("TRADECORE_REDIS_DB", &cfg.Redis.DB)
	setBool("TRADECORE_REDIS_TLS", &cfg.Redis.TLSEnabled)

	setBool("TRADECORE_S3_ENABLED", &cfg.S3.Enabled)
	setStr("TRADECORE_S3_ENDPOINT", &cfg.S3.Endpoint)
	setStr("TRADECORE_S3_REGION", &cfg.S3.Region)
	setStr("TRADECORE_S3_BUCKET", &cfg.S3.Bucket)
	setStr("TRADECORE_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setStr("TRADECORE_S3_SECRET_KEY", &cfg.S3.SecretKey)

	setBool("TRADECORE_ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	setInt("TRADECORE_ARCHIVE_RETENTION_DAYS", &cfg.Archive.RetentionDays)
	setDuration("TRADECORE_ARCHIVE_INTERVAL", &cfg.Archive.Interval)

	setFloat64("TRADECORE_RISK_MAX_DAILY_LOSS", &cfg.Risk.MaxDailyLoss)
	setFloat64("TRADECORE_RISK_MAX_SPREAD_PCT", &cfg.Risk.MaxSpreadPct)
	setFloat64("TRADECORE_RISK_MAX_LEVERAGE", &cfg.Risk.MaxLeverage)
	setFloat64("TRADECORE_RISK_MAX_SYMBOL_EXPOSURE_PCT", &cfg.Risk.MaxSymbolExposurePct)

	setStr("TRADECORE_BROKER", &cfg.Broker.Name)
	setStr("TRADECORE_GATEWAY_URL", &cfg.Broker.Gateway.BaseURL)
	setStr("TRADECORE_GATEWAY_ACCOUNT_ID", &cfg.Broker.Gateway.AccountID)
	setStr("TRADECORE_GATEWAY_API_KEY", &cfg.Broker.Gateway.APIKey)
	setStr("TRADECORE_GATEWAY_API_KEY_FILE", &cfg.Broker.Gateway.APIKeyFile)
	setStr("TRADECORE_GATEWAY_API_KEY_PASSWORD", &cfg.Broker.Gateway.APIKeyPassword)

	setStr("TRADECORE_ACCOUNT_ID", &cfg.Orchestration.AccountID)
	setFloat64("TRADECORE_MIN_ORDER_NOTIONAL", &cfg.Orchestration.MinOrderNotional)

	setDuration("TRADECORE_HEARTBEAT_INTERVAL", &cfg.Heartbeat.Interval)
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func setDuration(key string, dst *duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
