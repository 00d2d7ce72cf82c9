package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source.Name != "alcalorpolitico" {
		t.Fatalf("unexpected source %q", cfg.Source.Name)
	}
	if cfg.Scraper.Concurrency != 10 || cfg.Scraper.MaxRetries != 3 {
		t.Fatalf("unexpected scraper defaults: %+v", cfg.Scraper)
	}
	if cfg.Scraper.RequestDelay != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s delay, got %v", cfg.Scraper.RequestDelay)
	}
	if cfg.Scraper.RetryMaxDelay != 30*time.Second || cfg.Scraper.RateLimitCooldown != 30*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Scraper)
	}
	epoch, err := cfg.Backfill.Epoch()
	if err != nil || !epoch.Equal(time.Date(2003, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected epoch %v (%v)", epoch, err)
	}
	if cfg.Run.RescrapeDays != 3 || cfg.Run.MaxErrors != 200 {
		t.Fatalf("unexpected run defaults: %+v", cfg.Run)
	}
	if cfg.DB.Driver != DriverPostgres || cfg.Sink.Backend != SinkLocal {
		t.Fatalf("unexpected storage defaults: %+v %+v", cfg.DB, cfg.Sink)
	}
	if cfg.Proxy.Enabled() || cfg.PubSub.Enabled() {
		t.Fatal("proxy and pubsub should be disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
scraper:
  concurrency: 4
  request_delay: 2s
  request_timeout: 45s
  max_retries: 5
proxy:
  url: http://proxy.local:3128
  username: user
db:
  driver: sqlite
  dsn: data/scraper.db
sink:
  backend: gcs
  gcs_bucket: alcalor-archive
  prefix: raw
backfill:
  start_date: "2004-07-01"
pubsub:
  project_id: proj
  topic_name: scrape-runs
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scraper.Concurrency != 4 || cfg.Scraper.RequestDelay != 2*time.Second || cfg.Scraper.RequestTimeout != 45*time.Second {
		t.Fatalf("scraper overrides not applied: %+v", cfg.Scraper)
	}
	if !cfg.Proxy.Enabled() || cfg.Proxy.Username != "user" {
		t.Fatalf("proxy overrides not applied: %+v", cfg.Proxy)
	}
	if cfg.DB.Driver != DriverSQLite || cfg.DB.DSN != "data/scraper.db" {
		t.Fatalf("db overrides not applied: %+v", cfg.DB)
	}
	if cfg.Sink.Backend != SinkGCS || cfg.Sink.GCSBucket != "alcalor-archive" || cfg.Sink.Prefix != "raw" {
		t.Fatalf("sink overrides not applied: %+v", cfg.Sink)
	}
	if !cfg.PubSub.Enabled() || !cfg.Logging.Development {
		t.Fatal("expected pubsub and development logging to be enabled")
	}
}

func TestLoadPrefixedEnv(t *testing.T) {
	t.Setenv("ALCALOR_SCRAPER_CONCURRENCY", "7")
	t.Setenv("ALCALOR_DB_DSN", "postgres://prefixed")
	t.Setenv("DATABASE_URL", "postgres://legacy")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scraper.Concurrency != 7 {
		t.Fatalf("expected concurrency 7, got %d", cfg.Scraper.Concurrency)
	}
	if cfg.DB.DSN != "postgres://prefixed" {
		t.Fatalf("prefixed variable should win over legacy, got %q", cfg.DB.DSN)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://legacy")
	t.Setenv("REQUEST_DELAY", "2.5")
	t.Setenv("REQUEST_TIMEOUT", "60")
	t.Setenv("MAX_RETRIES", "6")
	t.Setenv("RETRY_DELAY", "4")
	t.Setenv("PROXY_URL", "http://proxy:8080")
	t.Setenv("BACKFILL_START_DATE", "2005-02-03")
	t.Setenv("RESCRAPE_DAYS", "1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.DSN != "postgres://legacy" {
		t.Fatalf("DATABASE_URL not honored: %q", cfg.DB.DSN)
	}
	if cfg.Scraper.RequestDelay != 2500*time.Millisecond || cfg.Scraper.RequestTimeout != time.Minute {
		t.Fatalf("legacy durations not parsed as seconds: %+v", cfg.Scraper)
	}
	if cfg.Scraper.MaxRetries != 6 || cfg.Scraper.RetryBaseDelay != 4*time.Second {
		t.Fatalf("legacy retry settings not applied: %+v", cfg.Scraper)
	}
	if cfg.Proxy.URL != "http://proxy:8080" || cfg.Run.RescrapeDays != 1 || cfg.Backfill.StartDate != "2005-02-03" {
		t.Fatalf("legacy settings not applied: %+v %+v %+v", cfg.Proxy, cfg.Run, cfg.Backfill)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("LOG_LEVEL not honored: %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	base := validConfig(t)

	cases := []struct {
		name   string
		field  string
		mutate func(*Config)
	}{
		{"empty source", "source.name", func(c *Config) { c.Source.Name = " " }},
		{"relative base url", "source.base_url", func(c *Config) { c.Source.BaseURL = "/informacion" }},
		{"negative delay", "scraper.request_delay", func(c *Config) { c.Scraper.RequestDelay = -time.Second }},
		{"zero timeout", "scraper.request_timeout", func(c *Config) { c.Scraper.RequestTimeout = 0 }},
		{"negative retries", "scraper.max_retries", func(c *Config) { c.Scraper.MaxRetries = -1 }},
		{"max below base", "scraper.retry_max_delay", func(c *Config) { c.Scraper.RetryMaxDelay = time.Second }},
		{"bad proxy", "proxy.url", func(c *Config) { c.Proxy.URL = "::nope" }},
		{"unknown driver", "db.driver", func(c *Config) { c.DB.Driver = "mysql" }},
		{"min over max conns", "db.min_conns", func(c *Config) { c.DB.MinConns = 20 }},
		{"gcs without bucket", "sink.gcs_bucket", func(c *Config) { c.Sink.Backend = SinkGCS }},
		{"unknown sink", "sink.backend", func(c *Config) { c.Sink.Backend = "s3" }},
		{"bad start date", "backfill.start_date", func(c *Config) { c.Backfill.StartDate = "01/01/2003" }},
		{"negative rescrape", "run.rescrape_days", func(c *Config) { c.Run.RescrapeDays = -1 }},
		{"zero max errors", "run.max_errors", func(c *Config) { c.Run.MaxErrors = 0 }},
		{"topic without project", "pubsub.project_id", func(c *Config) { c.PubSub.TopicName = "runs" }},
		{"bad port", "server.port", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown log level", "logging.level", func(c *Config) { c.Logging.Level = "chatty" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *harvest.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error = %v, want ConfigurationError", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("Validate() field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}

	// Out-of-range concurrency is clamped later, not rejected.
	cfg := base
	cfg.Scraper.Concurrency = 100
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() rejected concurrency: %v", err)
	}
}

func TestFindFileInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	if got := FindFile(); got != "" {
		t.Fatalf("FindFile() = %q, want empty", got)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("run:\n  rescrape_days: 1\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if got := FindFile(); got != "config.yaml" {
		t.Fatalf("FindFile() = %q, want config.yaml", got)
	}
}
