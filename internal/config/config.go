// Package config defines all configuration for the futures screener.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SCREENER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Density  DensityConfig  `mapstructure:"density"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings. Password should come
// from SCREENER_DB_PASSWORD rather than the YAML file.
type DatabaseConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	Name         string        `mapstructure:"name"`
	SSLMode      string        `mapstructure:"ssl_mode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// ExchangeConfig holds futures REST/WS endpoints and universe filtering.
//
//   - RateLimitRPS / RateLimitBurst: default sizing for each pipeline's
//     REST throttle, kept well under the exchange's published
//     request-weight limits. Every pipeline gets its own token bucket.
//   - RateLimits: per-pipeline overrides, keyed by family (universe,
//     prices, klines, open_interest, funding). Unset families use the
//     defaults above.
//   - ExcludeSubstrings: symbols containing any of these are dropped from
//     the tradeable universe (stablecoin pairs, leveraged tokens, etc.).
//   - StreamsPerConn: how many combined streams to pack into one WS dial.
//   - UniverseRefresh: how often to re-fetch exchangeInfo and rebuild streams.
type ExchangeConfig struct {
	RESTBaseURL       string                `mapstructure:"rest_base_url"`
	WSBaseURL         string                `mapstructure:"ws_base_url"`
	RateLimitRPS      float64               `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int                   `mapstructure:"rate_limit_burst"`
	RateLimits        map[string]RateBudget `mapstructure:"rate_limits"`
	ExcludeSubstrings []string              `mapstructure:"exclude_substrings"`
	StreamsPerConn    int                   `mapstructure:"streams_per_conn"`
	UniverseRefresh   time.Duration         `mapstructure:"universe_refresh"`
}

// RateBudget sizes one pipeline's REST throttle. Zero fields fall back
// to the exchange-wide default.
type RateBudget struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// IngestConfig sets the cadence of every write pipeline.
//
//   - PriceInterval: bulk ticker poll → prices table.
//   - KlineFlushInterval: how often buffered closed klines are written.
//   - TradesInterval / TradesConcurrency: per-symbol kline fetch for trade
//     counts, fanned out with at most TradesConcurrency in-flight requests.
//   - OpenInterestInterval / OpenInterestConcurrency: per-symbol OI poll,
//     converted to USD via the latest stored price, fanned out with at
//     most OpenInterestConcurrency in-flight requests.
//   - FundingInterval: premium-index poll → funding table.
type IngestConfig struct {
	PriceInterval           time.Duration `mapstructure:"price_interval"`
	KlineFlushInterval      time.Duration `mapstructure:"kline_flush_interval"`
	TradesInterval          time.Duration `mapstructure:"trades_interval"`
	TradesConcurrency       int           `mapstructure:"trades_concurrency"`
	OpenInterestInterval    time.Duration `mapstructure:"open_interest_interval"`
	OpenInterestConcurrency int           `mapstructure:"open_interest_concurrency"`
	FundingInterval         time.Duration `mapstructure:"funding_interval"`
}

// DensityConfig tunes the large-order tracker.
//
//   - BandPct: only levels within ±BandPct% of the mid price are tracked.
//   - MinSizeUSD: notional floor for a level to enter the map.
//   - FlushInterval: how often buffered INSERT/UPDATE/DELETE ops hit the store.
//   - StaleSweepInterval / StaleAfter: drop records with no book update
//     for StaleAfter, checked every StaleSweepInterval.
//   - BandSweepInterval: drop records that drifted outside the band
//     under the latest mid price.
type DensityConfig struct {
	BandPct            float64       `mapstructure:"band_pct"`
	MinSizeUSD         float64       `mapstructure:"min_size_usd"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	StaleSweepInterval time.Duration `mapstructure:"stale_sweep_interval"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	BandSweepInterval  time.Duration `mapstructure:"band_sweep_interval"`
}

// EngineConfig tunes composite alert evaluation.
//
//   - BaseStep: cadence of the scheduler that sweeps composites for due
//     evaluations. Individual composites tick at the minimum of their
//     leaves' poll intervals, never faster than BaseStep.
//   - DefaultCooldown: applies to alerts without an explicit @cooldown
//     suffix; zero means re-fire on every matching tick.
type EngineConfig struct {
	BaseStep        time.Duration `mapstructure:"base_step"`
	DefaultCooldown time.Duration `mapstructure:"default_cooldown"`
}

// TelegramConfig holds Bot API settings. Token should come from
// SCREENER_TELEGRAM_TOKEN rather than the YAML file.
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Token       string        `mapstructure:"token"`
	APIBaseURL  string        `mapstructure:"api_base_url"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// ServerConfig controls the HTTP/WebSocket API server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SCREENER_DB_PASSWORD, SCREENER_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SCREENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if pass := os.Getenv("SCREENER_DB_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}
	if token := os.Getenv("SCREENER_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be > 0")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange.ws_base_url is required")
	}
	if c.Exchange.StreamsPerConn <= 0 || c.Exchange.StreamsPerConn > 200 {
		return fmt.Errorf("exchange.streams_per_conn must be in (0, 200]")
	}
	if c.Ingest.PriceInterval <= 0 {
		return fmt.Errorf("ingest.price_interval must be > 0")
	}
	if c.Ingest.TradesConcurrency <= 0 {
		return fmt.Errorf("ingest.trades_concurrency must be > 0")
	}
	if c.Ingest.OpenInterestConcurrency <= 0 {
		return fmt.Errorf("ingest.open_interest_concurrency must be > 0")
	}
	if c.Density.BandPct <= 0 || c.Density.BandPct >= 100 {
		return fmt.Errorf("density.band_pct must be in (0, 100)")
	}
	if c.Density.MinSizeUSD <= 0 {
		return fmt.Errorf("density.min_size_usd must be > 0")
	}
	if c.Engine.BaseStep <= 0 {
		return fmt.Errorf("engine.base_step must be > 0")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled (set SCREENER_TELEGRAM_TOKEN)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}
