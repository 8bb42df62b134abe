// Package config loads and validates the tradecore configuration from a TOML
// file, a .env file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/tradecore/internal/calendar"
	"github.com/quantfold/tradecore/internal/risk"
)

// duration wraps time.Duration so TOML values can be written as "30s", "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration for tradecored and storewriterd.
type Config struct {
	// Mode selects the run mode: "live" or "paper".
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Log           LogConfig           `toml:"log"`
	Server        ServerConfig        `toml:"server"`
	Feed          FeedConfig          `toml:"feed"`
	Aggregator    AggregatorConfig    `toml:"aggregator"`
	HotBuffer     HotBufferConfig     `toml:"hot_buffer"`
	Store         StoreConfig         `toml:"store"`
	StoreWriter   StoreWriterConfig   `toml:"store_writer"`
	Redis         RedisConfig         `toml:"redis"`
	S3            S3Config            `toml:"s3"`
	Archive       ArchiveConfig       `toml:"archive"`
	Risk          RiskConfig          `toml:"risk"`
	Broker        BrokerConfig        `toml:"broker"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Heartbeat     HeartbeatConfig     `toml:"heartbeat"`

	Assets   []AssetConfig     `toml:"assets"`
	Sessions map[string]string `toml:"sessions"`
}

// LogConfig controls the file sink next to stdout. Rotation is size-based.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ServerConfig is the ops HTTP surface of tradecored.
type ServerConfig struct {
	Port         int      `toml:"port"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// FeedConfig points at the upstream tick WebSocket.
type FeedConfig struct {
	URL    string `toml:"url"`
	Source string `toml:"source"`
}

// AggregatorConfig tunes the tick-to-bar pipeline.
type AggregatorConfig struct {
	BarWidth   duration `toml:"bar_width"`
	Shards     int      `toml:"shards"`
	QueueDepth int      `toml:"queue_depth"`
}

// HotBufferConfig tunes the in-memory finalized-bar buffer.
type HotBufferConfig struct {
	MaxEntries    int      `toml:"max_entries"`
	FlushInterval duration `toml:"flush_interval"`
}

// StoreConfig locates the sqlite database file.
type StoreConfig struct {
	Path string `toml:"path"`
}

// StoreWriterConfig configures both sides of the write proxy: the port
// storewriterd listens on and the URL tradecored writes through.
type StoreWriterConfig struct {
	Port    int      `toml:"port"`
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// RedisConfig configures the quote cache and signal bus. Disabled means
// quotes always come from the broker and halt events stay in-process.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config configures the cold-storage target for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig tunes the retention sweep.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// RiskConfig is the TOML shape of the layered limit policy.
type RiskConfig struct {
	MaxDailyLoss         float64                    `toml:"max_daily_loss"`
	MaxSpreadPct         float64                    `toml:"max_spread_pct"`
	MaxLeverage          float64                    `toml:"max_leverage"`
	MaxSymbolExposurePct float64                    `toml:"max_symbol_exposure_pct"`
	PerClass             map[string]ClassRiskConfig `toml:"per_class"`
	ExecutionAuthority   map[string][]string        `toml:"execution_authority"`
}

// ClassRiskConfig holds per-asset-class exposure caps.
type ClassRiskConfig struct {
	MaxTotalExposurePct  float64 `toml:"max_total_exposure_pct"`
	MaxSymbolExposurePct float64 `toml:"max_symbol_exposure_pct"`
}

// BrokerConfig selects and configures the execution venue.
type BrokerConfig struct {
	// Name is "paper" or "gateway".
	Name    string        `toml:"name"`
	Paper   PaperConfig   `toml:"paper"`
	Gateway GatewayConfig `toml:"gateway"`
}

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	StartingCash      float64 `toml:"starting_cash"`
	CommissionPerUnit float64 `toml:"commission_per_unit"`
}

// GatewayConfig configures the REST broker. The API key may be given raw or
// as an encrypted keyfile plus password.
type GatewayConfig struct {
	BaseURL        string   `toml:"base_url"`
	AccountID      string   `toml:"account_id"`
	APIKey         string   `toml:"api_key"`
	APIKeyFile     string   `toml:"api_key_file"`
	APIKeyPassword string   `toml:"api_key_password"`
	Timeout        duration `toml:"timeout"`
}

// OrchestrationConfig tunes the order path.
type OrchestrationConfig struct {
	AccountID        string  `toml:"account_id"`
	MinOrderNotional float64 `toml:"min_order_notional"`
}

// HeartbeatConfig tunes the slow control loop.
type HeartbeatConfig struct {
	Interval         duration `toml:"interval"`
	RealizedVol      float64  `toml:"realized_vol"`
	ZScore           float64  `toml:"z_score"`
	RegimeMultiplier float64  `toml:"regime_multiplier"`
}

// AssetConfig declares one tradeable instrument.
type AssetConfig struct {
	Symbol     string `toml:"symbol"`
	AssetClass string `toml:"asset_class"`
	Tradable   bool   `toml:"tradable"`
}

// Defaults returns a Config with sane development defaults. Load starts from
// this and layers the TOML file and environment on top.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  duration{10 * time.Second},
			WriteTimeout: duration{10 * time.Second},
		},
		Aggregator: AggregatorConfig{
			BarWidth:   duration{time.Minute},
			Shards:     4,
			QueueDepth: 1024,
		},
		HotBuffer: HotBufferConfig{
			MaxEntries:    500,
			FlushInterval: duration{30 * time.Second},
		},
		Store: StoreConfig{
			Path: "data/tradecore.db",
		},
		StoreWriter: StoreWriterConfig{
			Port:    8090,
			BaseURL: "http://127.0.0.1:8090",
			Timeout: duration{5 * time.Second},
		},
		Redis: RedisConfig{
			Addr:       "127.0.0.1:6379",
			PoolSize:   10,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Risk: RiskConfig{
			MaxDailyLoss:         1000,
			MaxSpreadPct:         0.02,
			MaxLeverage:          1.0,
			MaxSymbolExposurePct: 0.25,
			ExecutionAuthority: map[string][]string{
				"paper": {"equity", "crypto"},
			},
		},
		Broker: BrokerConfig{
			Name: "paper",
			Paper: PaperConfig{
				StartingCash:      100_000,
				CommissionPerUnit: 0.005,
			},
			Gateway: GatewayConfig{
				Timeout: duration{10 * time.Second},
			},
		},
		Orchestration: OrchestrationConfig{
			MinOrderNotional: 50,
		},
		Heartbeat: HeartbeatConfig{
			Interval:         duration{time.Minute},
			RealizedVol:      0.01,
			ZScore:           2.0,
			RegimeMultiplier: 1.0,
		},
		Sessions: map[string]string{
			"equity": "14:30-21:00",
			"crypto": "24/7",
		},
	}
}

// Validate checks the configuration for values the process cannot start
// with. It delegates the limit policy to risk.Limits.Validate.
func (c *Config) Validate() error {
	switch c.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("config: mode must be live or paper, got %q", c.Mode)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.Aggregator.BarWidth.Duration <= 0 {
		return fmt.Errorf("config: aggregator bar_width must be positive")
	}
	if c.Aggregator.Shards <= 0 {
		return fmt.Errorf("config: aggregator shards must be positive")
	}
	if c.HotBuffer.MaxEntries <= 0 {
		return fmt.Errorf("config: hot_buffer max_entries must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("config: store path is required")
	}
	if c.StoreWriter.Port <= 0 || c.StoreWriter.Port > 65535 {
		return fmt.Errorf("config: store_writer port %d out of range", c.StoreWriter.Port)
	}
	if c.StoreWriter.BaseURL == "" {
		return fmt.Errorf("config: store_writer base_url is required")
	}
	if c.Mode == "live" && c.StoreWriter.APIKey == "" {
		return fmt.Errorf("config: store_writer api_key is required in live mode")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			return fmt.Errorf("config: archive requires s3 to be enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			return fmt.Errorf("config: archive retention_days must be positive")
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("config: s3 bucket is required when s3 is enabled")
	}

	switch c.Broker.Name {
	case "paper":
		if c.Broker.Paper.StartingCash <= 0 {
			return fmt.Errorf("config: paper starting_cash must be positive")
		}
	case "gateway":
		if c.Broker.Gateway.BaseURL == "" {
			return fmt.Errorf("config: broker gateway base_url is required")
		}
		if c.Broker.Gateway.APIKey == "" && c.Broker.Gateway.APIKeyFile == "" {
			return fmt.Errorf("config: broker gateway needs api_key or api_key_file")
		}
	default:
		return fmt.Errorf("config: unknown broker %q", c.Broker.Name)
	}

	if len(c.Assets) == 0 {
		return fmt.Errorf("config: at least one asset is required")
	}
	seen := make(map[string]bool, len(c.Assets))
	for _, a := range c.Assets {
		if a.Symbol == "" || a.AssetClass == "" {
			return fmt.Errorf("config: asset needs symbol and asset_class")
		}
		if seen[a.Symbol] {
			return fmt.Errorf("config: duplicate asset %q", a.Symbol)
		}
		seen[a.Symbol] = true
	}
	for class, spec := range c.Sessions {
		if _, err := calendar.ParseSession(spec); err != nil {
			return fmt.Errorf("config: session for %q: %w", class, err)
		}
	}

	limits := c.RiskLimits()
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Heartbeat.Interval.Duration <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive")
	}
	return nil
}

// RiskLimits converts the TOML risk section into the runtime limit policy.
func (c *Config) RiskLimits() *risk.Limits {
	perClass := make(map[string]risk.ClassLimits, len(c.Risk.PerClass))
	for class, cl := range c.Risk.PerClass {
		perClass[class] = risk.ClassLimits{
			MaxTotalExposurePct:  cl.MaxTotalExposurePct,
			MaxSymbolExposurePct: cl.MaxSymbolExposurePct,
		}
	}
	return &risk.Limits{
		Global: risk.GlobalLimits{
			MaxDailyLoss:         c.Risk.MaxDailyLoss,
			MaxSpreadPct:         c.Risk.MaxSpreadPct,
			MaxLeverage:          c.Risk.MaxLeverage,
			MaxSymbolExposurePct: c.Risk.MaxSymbolExposurePct,
		},
		PerClass:           perClass,
		ExecutionAuthority: c.Risk.ExecutionAuthority,
	}
}

// SessionCalendar builds the runtime calendar from the sessions map. Call
// after Validate; malformed specs fall back to always-open rather than
// failing here.
func (c *Config) SessionCalendar() *calendar.Calendar {
	sessions := make(map[string]calendar.Session, len(c.Sessions))
	for class, spec := range c.Sessions {
		sess, err := calendar.ParseSession(spec)
		if err != nil {
			continue
		}
		sessions[class] = sess
	}
	return calendar.New(sessions)
}

// Symbols lists all configured asset symbols.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		out = append(out, a.Symbol)
	}
	return out
}
