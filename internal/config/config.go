// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob recognized by the crawler. It is
// built once at startup, validated, and immutable thereafter.
type Config struct {
	Backend Backend `mapstructure:"backend"`
	Auth    Auth    `mapstructure:"auth"`
	Crawl   Crawl   `mapstructure:"crawl"`
	Stop    Stop    `mapstructure:"stop"`
	Store   Store   `mapstructure:"store"`
	Metrics Metrics `mapstructure:"metrics"`
	Server  Server  `mapstructure:"server"`
	Logging Logging `mapstructure:"logging"`
}

// Backend identifies the remote record space being crawled.
type Backend struct {
	BaseURL    string `mapstructure:"base_url"`
	LoginURL   string `mapstructure:"login_url"`
	CookieName string `mapstructure:"cookie_name"`
	UserAgent  string `mapstructure:"user_agent"`
}

// Auth holds credential material and the authentication mode.
type Auth struct {
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SessionCookie string `mapstructure:"session_cookie"`
	// Mode is one of "auto", "cookie_only", "login_only".
	Mode                 string        `mapstructure:"mode"`
	ReloginBackoff       time.Duration `mapstructure:"relogin_backoff"`
	ReloginRetryAttempts int           `mapstructure:"relogin_retry_attempts"`
}

// Crawl governs the fetch pipeline.
type Crawl struct {
	Concurrency   int           `mapstructure:"concurrency"`
	RatePerDomain float64       `mapstructure:"rate_per_domain"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Resume        bool          `mapstructure:"resume"`
}

// Stop enumerates run stop-condition thresholds. Zero means "no limit".
type Stop struct {
	LimitGated           int  `mapstructure:"limit_gated"`
	StopAfterMinutes     int  `mapstructure:"stop_after_minutes"`
	MaxErrors            int  `mapstructure:"max_errors"`
	MaxConsecutiveErrors int  `mapstructure:"max_consecutive_errors"`
	Max403               int  `mapstructure:"max_403"`
	Max429               int  `mapstructure:"max_429"`
	FailFast             bool `mapstructure:"fail_fast"`
}

// Store configures the destination writer, progress database, and spool.
type Store struct {
	DSN           string        `mapstructure:"dsn"`
	ProgressPath  string        `mapstructure:"progress_path"`
	SpoolDir      string        `mapstructure:"spool_dir"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	DryRun        bool          `mapstructure:"dry_run"`
	StoreHTML     bool          `mapstructure:"store_html"`
	MaxHTMLBytes  int           `mapstructure:"max_html_bytes"`
	StoreLinks    bool          `mapstructure:"store_links"`
	MaxLinks      int           `mapstructure:"max_links"`
}

// Metrics controls the periodic snapshot emitter.
type Metrics struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	File             string        `mapstructure:"file"`
}

// Server configures the optional HTTP API.
type Server struct {
	Port        int    `mapstructure:"port"`
	APIKey      string `mapstructure:"api_key"`
	AuthEnabled bool   `mapstructure:"auth_enabled"`
}

// Logging toggles zap development features.
type Logging struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus DIGICRAWL_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DIGICRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Backend.LoginURL == "" {
		cfg.Backend.LoginURL = cfg.Backend.BaseURL + "/digi/com/login"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every recognized key. Viper only surfaces
// DIGICRAWL_* environment values for keys it knows about, so secrets
// without a meaningful default still need an empty registration here.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "https://entrepreneur.digifactory.fr")
	v.SetDefault("backend.login_url", "")
	v.SetDefault("backend.cookie_name", "DigifactoryBO")
	v.SetDefault("backend.user_agent", "digicrawl/1.0")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.session_cookie", "")
	v.SetDefault("auth.mode", "auto")
	v.SetDefault("auth.relogin_backoff", 2*time.Minute)
	v.SetDefault("auth.relogin_retry_attempts", 1)
	v.SetDefault("crawl.concurrency", 20)
	v.SetDefault("crawl.rate_per_domain", 2.0)
	v.SetDefault("crawl.burst", 1)
	v.SetDefault("crawl.timeout", 20*time.Second)
	v.SetDefault("crawl.max_retries", 5)
	v.SetDefault("crawl.resume", false)
	v.SetDefault("stop.limit_gated", 0)
	v.SetDefault("stop.stop_after_minutes", 0)
	v.SetDefault("stop.max_errors", 0)
	v.SetDefault("stop.max_consecutive_errors", 0)
	v.SetDefault("stop.max_403", 0)
	v.SetDefault("stop.max_429", 0)
	v.SetDefault("stop.fail_fast", false)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.progress_path", "data/state.db")
	v.SetDefault("store.spool_dir", "data/spool")
	v.SetDefault("store.batch_size", 1000)
	v.SetDefault("store.flush_interval", 30*time.Second)
	v.SetDefault("store.drain_interval", time.Minute)
	v.SetDefault("store.dry_run", false)
	v.SetDefault("store.store_html", false)
	v.SetDefault("store.max_html_bytes", 1_500_000)
	v.SetDefault("store.store_links", true)
	v.SetDefault("store.max_links", 200)
	v.SetDefault("metrics.snapshot_interval", 30*time.Second)
	v.SetDefault("metrics.file", "data/metrics.jsonl")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must be set")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.RatePerDomain <= 0 {
		return fmt.Errorf("crawl.rate_per_domain must be > 0")
	}
	if c.Crawl.Timeout <= 0 {
		return fmt.Errorf("crawl.timeout must be > 0")
	}
	if c.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0")
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be > 0")
	}
	switch c.Auth.Mode {
	case "auto", "cookie_only", "login_only":
	default:
		return fmt.Errorf("auth.mode must be auto, cookie_only, or login_only (got %q)", c.Auth.Mode)
	}
	if c.Auth.Mode == "cookie_only" && c.Auth.SessionCookie == "" {
		return fmt.Errorf("auth.session_cookie is required in cookie_only mode")
	}
	if c.Auth.Mode == "login_only" && (c.Auth.Username == "" || c.Auth.Password == "") {
		return fmt.Errorf("auth.username and auth.password are required in login_only mode")
	}
	if c.Auth.Mode == "auto" && c.Auth.SessionCookie == "" && c.Auth.Username == "" {
		return fmt.Errorf("either auth.session_cookie or auth.username/auth.password is required")
	}
	if !c.Store.DryRun && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required unless store.dry_run is set")
	}
	if c.Server.AuthEnabled && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key must be set when server.auth_enabled is true")
	}
	return nil
}
