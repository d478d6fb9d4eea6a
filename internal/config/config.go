// Package config loads whooprelay settings from an optional file, WHOOPRELAY_*
// environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "WHOOPRELAY"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	API       APIConfig       `mapstructure:"api"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AdminConfig guards the admin routes. An empty JWTSecret disables them;
// RateLimit 0 disables per-subject throttling.
type AdminConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	Audience        string        `mapstructure:"audience"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type OAuthConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	AuthURL      string        `mapstructure:"auth_url"`
	TokenURL     string        `mapstructure:"token_url"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	Scopes       []string      `mapstructure:"scopes"`
	StateTTL     time.Duration `mapstructure:"state_ttl"`
}

// WebhookConfig: SecretFile, when set, is watched and takes precedence over
// Secret.
type WebhookConfig struct {
	Path       string        `mapstructure:"path"`
	Secret     string        `mapstructure:"secret"`
	SecretFile string        `mapstructure:"secret_file"`
	MaxSkew    time.Duration `mapstructure:"max_skew"`
}

type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetryAfter     time.Duration `mapstructure:"max_retry_after"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

type TokensConfig struct {
	RefreshMargin  time.Duration `mapstructure:"refresh_margin"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepWindow    time.Duration `mapstructure:"sweep_window"`
}

// StorageConfig picks backends either through a Profile or explicit DSNs;
// an explicit DSN always wins over the profile default.
type StorageConfig struct {
	Profile      string        `mapstructure:"profile"`
	DataDir      string        `mapstructure:"data_dir"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	StateDSN     string        `mapstructure:"state_dsn"`
	QueueDSN     string        `mapstructure:"queue_dsn"`
	QueueSize    int           `mapstructure:"queue_size"`
	DedupDSN     string        `mapstructure:"dedup_dsn"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl"`
	DedupEntries int           `mapstructure:"dedup_entries"`
}

type IngestConfig struct {
	Workers         int `mapstructure:"workers"`
	MaxTaskAttempts int `mapstructure:"max_task_attempts"`
	MaxDeadLetters  int `mapstructure:"max_dead_letters"`
	// Retry spaces task attempts; Retry.MaxAttempts defaults to MaxTaskAttempts.
	Retry          RetryConfig   `mapstructure:"retry"`
	RequeueTimeout time.Duration `mapstructure:"requeue_timeout"`
}

type ReconcileConfig struct {
	Interval  time.Duration            `mapstructure:"interval"`
	Intervals map[string]time.Duration `mapstructure:"intervals"`
	Lookback  time.Duration            `mapstructure:"lookback"`
	PageLimit int                      `mapstructure:"page_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads cfgFile (when non-empty) and the environment into a validated
// Config. Nested keys map to variables like WHOOPRELAY_OAUTH_CLIENT_ID.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if cfgFile != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers every key, which also makes each one reachable
// through its environment variable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.audience", "whooprelay")
	v.SetDefault("admin.rate_limit", 0)
	v.SetDefault("admin.rate_limit_window", time.Minute)

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.auth_url", "https://api.prod.whoop.com/oauth/oauth2/auth")
	v.SetDefault("oauth.token_url", "https://api.prod.whoop.com/oauth/oauth2/token")
	v.SetDefault("oauth.redirect_url", "")
	v.SetDefault("oauth.scopes", []string{"offline", "read:recovery", "read:sleep", "read:workout", "read:profile"})
	v.SetDefault("oauth.state_ttl", 10*time.Minute)

	v.SetDefault("webhook.path", "/v1/webhooks/whoop")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.secret_file", "")
	v.SetDefault("webhook.max_skew", 5*time.Minute)

	v.SetDefault("api.base_url", "https://api.prod.whoop.com/developer")
	v.SetDefault("api.timeout", 20*time.Second)
	v.SetDefault("api.requests_per_minute", 100)
	v.SetDefault("api.max_retry_after", 5*time.Minute)
	v.SetDefault("api.retry.max_attempts", 4)
	v.SetDefault("api.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("api.retry.max_delay", 30*time.Second)
	v.SetDefault("api.retry.jitter", 0.2)

	v.SetDefault("tokens.refresh_margin", 60*time.Second)
	v.SetDefault("tokens.refresh_timeout", 30*time.Second)
	v.SetDefault("tokens.sweep_interval", time.Hour)
	v.SetDefault("tokens.sweep_window", 2*time.Hour)

	v.SetDefault("storage.profile", "memory")
	v.SetDefault("storage.data_dir", ".whooprelay")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.state_dsn", "")
	v.SetDefault("storage.queue_dsn", "")
	v.SetDefault("storage.queue_size", 1024)
	v.SetDefault("storage.dedup_dsn", "")
	v.SetDefault("storage.dedup_ttl", 24*time.Hour)
	v.SetDefault("storage.dedup_entries", 100_000)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.max_task_attempts", 3)
	v.SetDefault("ingest.max_dead_letters", 1000)
	v.SetDefault("ingest.retry.max_attempts", 0)
	v.SetDefault("ingest.retry.base_delay", 2*time.Second)
	v.SetDefault("ingest.retry.max_delay", time.Minute)
	v.SetDefault("ingest.retry.jitter", 0.2)
	v.SetDefault("ingest.requeue_timeout", 30*time.Second)

	v.SetDefault("reconcile.interval", 6*time.Hour)
	v.SetDefault("reconcile.intervals", map[string]time.Duration{})
	v.SetDefault("reconcile.lookback", 7*24*time.Hour)
	v.SetDefault("reconcile.page_limit", 25)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.OAuth.ClientID) == "" || strings.TrimSpace(c.OAuth.ClientSecret) == "" {
		errs = append(errs, errors.New("oauth.client_id and oauth.client_secret are required"))
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" && strings.TrimSpace(c.Webhook.SecretFile) == "" {
		errs = append(errs, errors.New("webhook.secret or webhook.secret_file is required"))
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		errs = append(errs, fmt.Errorf("webhook.path must start with /: %q", c.Webhook.Path))
	}
	if c.API.Retry.Jitter < 0 || c.API.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("api.retry.jitter must be in [0,1): %v", c.API.Retry.Jitter))
	}
	if c.Ingest.Retry.Jitter < 0 || c.Ingest.Retry.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("ingest.retry.jitter must be in [0,1): %v", c.Ingest.Retry.Jitter))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}
	if c.Tokens.RefreshMargin < 0 {
		errs = append(errs, errors.New("tokens.refresh_margin must not be negative"))
	}
	if _, _, err := c.Storage.Resolve(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Resolve returns the state and queue DSNs implied by the profile, overridden
// by any explicit DSN.
func (s StorageConfig) Resolve() (stateDSN, queueDSN string, err error) {
	dataDir := strings.TrimSpace(s.DataDir)
	if dataDir == "" {
		dataDir = ".whooprelay"
	}
	switch strings.ToLower(strings.TrimSpace(s.Profile)) {
	case "", "memory", "inmemory":
		stateDSN, queueDSN = "memory://", "memory://"
	case "durable-local", "local":
		stateDSN = "sqlite://" + filepath.Join(dataDir, "state.db")
		queueDSN = "file://" + filepath.Join(dataDir, "dispatch-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(s.PostgresDSN)
		if dsn == "" && (s.StateDSN == "" || s.QueueDSN == "") {
			return "", "", fmt.Errorf("storage.postgres_dsn is required when storage.profile=%s", s.Profile)
		}
		stateDSN, queueDSN = dsn, dsn
	case "custom":
	default:
		return "", "", fmt.Errorf("unknown storage.profile %q", s.Profile)
	}
	if v := strings.TrimSpace(s.StateDSN); v != "" {
		stateDSN = v
	}
	if v := strings.TrimSpace(s.QueueDSN); v != "" {
		queueDSN = v
	}
	return stateDSN, queueDSN, nil
}
