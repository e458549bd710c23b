package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testYAML = `database:
  host: db.internal
  port: 5433
  user: screener
  password: from-file
  name: screener
  ssl_mode: disable
  max_open_conns: 16
  max_idle_conns: 4
  query_timeout: 30s

exchange:
  rest_base_url: https://fapi.example.com
  ws_base_url: wss://fstream.example.com
  rate_limit_rps: 16
  rate_limit_burst: 32
  rate_limits:
    klines:
      rps: 8
      burst: 16
  exclude_substrings: ["_", "BUSD"]
  streams_per_conn: 50
  universe_refresh: 1h

ingest:
  price_interval: 1s
  kline_flush_interval: 5s
  trades_interval: 60s
  trades_concurrency: 20
  open_interest_interval: 60s
  open_interest_concurrency: 12
  funding_interval: 60s

density:
  band_pct: 10
  min_size_usd: 100000
  flush_interval: 5s
  stale_sweep_interval: 30m
  stale_after: 1h
  band_sweep_interval: 5m

engine:
  base_step: 5s
  default_cooldown: 300s

telegram:
  enabled: true
  token: file-token
  api_base_url: https://api.telegram.org
  poll_timeout: 30s

server:
  port: 9090
  allowed_origins: ["https://app.example.com"]

logging:
  level: debug
  format: json
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// validConfig mirrors the test YAML; Validate table cases mutate one
// field each.
func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:         "db.internal",
			Port:         5433,
			User:         "screener",
			Name:         "screener",
			SSLMode:      "disable",
			QueryTimeout: 30 * time.Second,
		},
		Exchange: ExchangeConfig{
			RESTBaseURL:    "https://fapi.example.com",
			WSBaseURL:      "wss://fstream.example.com",
			StreamsPerConn: 50,
		},
		Ingest: IngestConfig{
			PriceInterval:           time.Second,
			TradesConcurrency:       20,
			OpenInterestConcurrency: 20,
		},
		Density: DensityConfig{
			BandPct:    10,
			MinSizeUSD: 100000,
		},
		Engine: EngineConfig{
			BaseStep: 5 * time.Second,
		},
		Server: ServerConfig{
			Port: 9090,
		},
	}
}

func TestLoad(t *testing.T) {
	path := writeTestConfig(t, testYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Database.QueryTimeout != 30*time.Second {
		t.Errorf("query timeout = %v, want 30s", cfg.Database.QueryTimeout)
	}
	if cfg.Exchange.RESTBaseURL != "https://fapi.example.com" {
		t.Errorf("rest base url = %q", cfg.Exchange.RESTBaseURL)
	}
	if len(cfg.Exchange.ExcludeSubstrings) != 2 || cfg.Exchange.ExcludeSubstrings[0] != "_" {
		t.Errorf("exclude substrings = %v", cfg.Exchange.ExcludeSubstrings)
	}
	if cfg.Ingest.TradesConcurrency != 20 || cfg.Ingest.PriceInterval != time.Second {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.OpenInterestConcurrency != 12 {
		t.Errorf("open interest concurrency = %d, want 12", cfg.Ingest.OpenInterestConcurrency)
	}
	if got := cfg.Exchange.RateLimits["klines"]; got.RPS != 8 || got.Burst != 16 {
		t.Errorf("klines rate limit override = %+v, want rps 8 burst 16", got)
	}
	if cfg.Density.BandPct != 10 || cfg.Density.StaleAfter != time.Hour {
		t.Errorf("density = %+v", cfg.Density)
	}
	if cfg.Engine.DefaultCooldown != 300*time.Second {
		t.Errorf("default cooldown = %v, want 5m", cfg.Engine.DefaultCooldown)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "file-token" {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Server.Port != 9090 || len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config does not validate: %v", err)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	// t.Setenv disallows parallel subtests, so this test runs serial.
	t.Setenv("SCREENER_DB_PASSWORD", "env-password")
	t.Setenv("SCREENER_TELEGRAM_TOKEN", "env-token")

	cfg, err := Load(writeTestConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Password != "env-password" {
		t.Errorf("password = %q, want the env value", cfg.Database.Password)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q, want the env value", cfg.Telegram.Token)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, "database: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"missing db name", func(c *Config) { c.Database.Name = "" }, "database.name"},
		{"zero query timeout", func(c *Config) { c.Database.QueryTimeout = 0 }, "query_timeout"},
		{"missing rest url", func(c *Config) { c.Exchange.RESTBaseURL = "" }, "rest_base_url"},
		{"missing ws url", func(c *Config) { c.Exchange.WSBaseURL = "" }, "ws_base_url"},
		{"zero streams per conn", func(c *Config) { c.Exchange.StreamsPerConn = 0 }, "streams_per_conn"},
		{"oversized streams per conn", func(c *Config) { c.Exchange.StreamsPerConn = 500 }, "streams_per_conn"},
		{"zero price interval", func(c *Config) { c.Ingest.PriceInterval = 0 }, "price_interval"},
		{"zero trades concurrency", func(c *Config) { c.Ingest.TradesConcurrency = 0 }, "trades_concurrency"},
		{"zero oi concurrency", func(c *Config) { c.Ingest.OpenInterestConcurrency = 0 }, "open_interest_concurrency"},
		{"zero band pct", func(c *Config) { c.Density.BandPct = 0 }, "band_pct"},
		{"band pct too wide", func(c *Config) { c.Density.BandPct = 100 }, "band_pct"},
		{"zero min size", func(c *Config) { c.Density.MinSizeUSD = 0 }, "min_size_usd"},
		{"zero base step", func(c *Config) { c.Engine.BaseStep = 0 }, "base_step"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.token"},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "screener",
		Password: "hunter2",
		Name:     "screener",
		SSLMode:  "require",
	}
	want := "host=db.internal port=5433 user=screener password=hunter2 dbname=screener sslmode=require"
	if got := d.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
}
