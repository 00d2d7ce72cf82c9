// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. ALCALOR_SCRAPER_CONCURRENCY.
const EnvPrefix = "ALCALOR"

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Sink backends.
const (
	SinkLocal = "local"
	SinkGCS   = "gcs"
	SinkNone  = "none"
)

// Config captures every configuration knob.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	DB       DBConfig       `mapstructure:"db"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Backfill BackfillConfig `mapstructure:"backfill"`
	Run      RunConfig      `mapstructure:"run"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig selects the site being scraped.
type SourceConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

// ScraperConfig governs the scheduler and fetch policy.
type ScraperConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	RequestDelay      time.Duration `mapstructure:"request_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	Jitter            bool          `mapstructure:"jitter"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ProxyConfig routes every request through an HTTP proxy when URL is set.
type ProxyConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether a proxy is configured.
func (p ProxyConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != ""
}

// DBConfig controls the relational store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SinkConfig controls where day documents are written.
type SinkConfig struct {
	Backend   string `mapstructure:"backend"`
	OutputDir string `mapstructure:"output_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// BackfillConfig tunes historical scraping.
type BackfillConfig struct {
	StartDate     string `mapstructure:"start_date"`
	ProgressEvery int    `mapstructure:"progress_every"`
}

// Epoch parses StartDate.
func (b BackfillConfig) Epoch() (time.Time, error) {
	return harvest.ParseDay(strings.TrimSpace(b.StartDate))
}

// RunConfig tunes single runs.
type RunConfig struct {
	RescrapeDays int `mapstructure:"rescrape_days"`
	MaxErrors    int `mapstructure:"max_errors"`
}

// PubSubConfig enables run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether run summaries are published.
func (p PubSubConfig) Enabled() bool {
	return p.TopicName != ""
}

// ServerConfig controls the HTTP status surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig selects the logger encoder, level and optional file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// legacyEnv maps configuration keys to the unprefixed variables older
// deployments set.
var legacyEnv = map[string]string{
	"db.dsn":                   "DATABASE_URL",
	"proxy.url":                "PROXY_URL",
	"proxy.username":           "PROXY_USERNAME",
	"proxy.password":           "PROXY_PASSWORD",
	"scraper.request_delay":    "REQUEST_DELAY",
	"scraper.request_timeout":  "REQUEST_TIMEOUT",
	"scraper.max_retries":      "MAX_RETRIES",
	"scraper.retry_base_delay": "RETRY_DELAY",
	"sink.output_dir":          "OUTPUT_DIR",
	"source.name":              "SOURCE_NAME",
	"backfill.start_date":      "BACKFILL_START_DATE",
	"run.rescrape_days":        "RESCRAPE_DAYS",
	"logging.level":            "LOG_LEVEL",
}

// FindFile returns the first config.yaml found in the working directory,
// $HOME/.alcalor-scraper or /etc/alcalor-scraper, or "" when none exists.
func FindFile() string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".alcalor-scraper"))
	}
	dirs = append(dirs, "/etc/alcalor-scraper")
	for _, dir := range dirs {
		candidate := filepath.Join(dir, "config.yaml")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// secondsToDurationHook accepts bare numbers ("1.5", 30) as seconds so the
// legacy variables keep working.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			secs, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(secs * float64(time.Second)), nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		default:
			return data, nil
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.name", "alcalorpolitico")
	v.SetDefault("source.base_url", "https://www.alcalorpolitico.com")
	v.SetDefault("scraper.concurrency", 10)
	v.SetDefault("scraper.request_delay", "1.5s")
	v.SetDefault("scraper.request_timeout", "30s")
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.retry_base_delay", "2s")
	v.SetDefault("scraper.retry_max_delay", "30s")
	v.SetDefault("scraper.rate_limit_cooldown", "30s")
	v.SetDefault("scraper.jitter", true)
	v.SetDefault("scraper.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("proxy.url", "")
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime", "1h")
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("sink.backend", SinkLocal)
	v.SetDefault("sink.output_dir", "data")
	v.SetDefault("sink.gcs_bucket", "")
	v.SetDefault("sink.prefix", "")
	v.SetDefault("backfill.start_date", "2003-01-01")
	v.SetDefault("backfill.progress_every", 10)
	v.SetDefault("run.rescrape_days", 3)
	v.SetDefault("run.max_errors", 200)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

func invalid(field, reason string) error {
	return &harvest.ConfigurationError{Field: field, Reason: reason}
}

// Validate enforces required values and limits. The concurrency ceiling is
// clamped by the scheduler rather than rejected here.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source.Name) == "" {
		return invalid("source.name", "must be set")
	}
	if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("source.base_url", "must be an absolute http(s) URL")
	}
	s := c.Scraper
	switch {
	case s.RequestDelay < 0:
		return invalid("scraper.request_delay", "must not be negative")
	case s.RequestTimeout <= 0:
		return invalid("scraper.request_timeout", "must be > 0")
	case s.MaxRetries < 0:
		return invalid("scraper.max_retries", "must not be negative")
	case s.RetryBaseDelay < 0:
		return invalid("scraper.retry_base_delay", "must not be negative")
	case s.RetryMaxDelay < s.RetryBaseDelay:
		return invalid("scraper.retry_max_delay", "must be >= scraper.retry_base_delay")
	case s.RateLimitCooldown < 0:
		return invalid("scraper.rate_limit_cooldown", "must not be negative")
	}
	if c.Proxy.Enabled() {
		if u, err := url.Parse(c.Proxy.URL); err != nil || u.Host == "" {
			return invalid("proxy.url", "must be an absolute URL")
		}
	}
	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return invalid("db.driver", fmt.Sprintf("must be one of %s, %s, %s", DriverPostgres, DriverSQLite, DriverMemory))
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 || (c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns) {
		return invalid("db.min_conns", "must be between 0 and db.max_conns")
	}
	switch c.Sink.Backend {
	case SinkLocal:
		if strings.TrimSpace(c.Sink.OutputDir) == "" {
			return invalid("sink.output_dir", "must be set for the local sink")
		}
	case SinkGCS:
		if strings.TrimSpace(c.Sink.GCSBucket) == "" {
			return invalid("sink.gcs_bucket", "must be set for the gcs sink")
		}
	case SinkNone:
	default:
		return invalid("sink.backend", fmt.Sprintf("must be one of %s, %s, %s", SinkLocal, SinkGCS, SinkNone))
	}
	if _, err := c.Backfill.Epoch(); err != nil {
		return invalid("backfill.start_date", "must be a YYYY-MM-DD date")
	}
	if c.Backfill.ProgressEvery <= 0 {
		return invalid("backfill.progress_every", "must be > 0")
	}
	if c.Run.RescrapeDays < 0 {
		return invalid("run.rescrape_days", "must not be negative")
	}
	if c.Run.MaxErrors <= 0 {
		return invalid("run.max_errors", "must be > 0")
	}
	if c.PubSub.Enabled() && c.PubSub.ProjectID == "" {
		return invalid("pubsub.project_id", "must be set when pubsub.topic_name is set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be between 1 and 65535")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", "must be a level name such as debug, info, warn or error")
	}
	return nil
}
