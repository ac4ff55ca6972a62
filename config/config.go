package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Identity  IdentityConfig
	Notify    NotifyConfig
	Auth      AuthConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	HTTP      HTTPConfig
}

type AppConfig struct {
	Name        string
	Env         string
	Port        string
	AutoMigrate bool
}

// DatabaseConfig holds Postgres connection settings. URL wins over the
// discrete fields when set.
type DatabaseConfig struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	IdentityTTL time.Duration
}

// IdentityConfig points at the user service that resolves seller roles.
type IdentityConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NotifyConfig controls first-contact message delivery and the outbox relay.
type NotifyConfig struct {
	BaseURL          string
	Timeout          time.Duration
	RelayEnabled     bool
	PollInterval     time.Duration
	BatchSize        int
	MaxAttempts      int
	Backoff          time.Duration
	Concurrency      int
	Lease            time.Duration
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
}

type HTTPConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration. Priority (highest to lowest):
// 1. Environment variables with LEADFLOW_ prefix (e.g. LEADFLOW_DATABASE_URL)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("notify.relay_enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name:        v.GetString("app.name"),
			Env:         v.GetString("app.env"),
			Port:        v.GetString("app.port"),
			AutoMigrate: v.GetBool("app.auto_migrate"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("database.url"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxConns:        v.GetInt32("database.max_conns"),
			MinConns:        v.GetInt32("database.min_conns"),
			MaxConnLifetime: v.GetDuration("database.max_conn_lifetime"),
			MaxConnIdleTime: v.GetDuration("database.max_conn_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:     v.GetBool("redis.enabled"),
			Addr:        v.GetString("redis.addr"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			IdentityTTL: v.GetDuration("redis.identity_ttl"),
		},
		Identity: IdentityConfig{
			BaseURL: v.GetString("identity.base_url"),
			Timeout: v.GetDuration("identity.timeout"),
		},
		Notify: NotifyConfig{
			BaseURL:          v.GetString("notify.base_url"),
			Timeout:          v.GetDuration("notify.timeout"),
			RelayEnabled:     v.GetBool("notify.relay_enabled"),
			PollInterval:     v.GetDuration("notify.poll_interval"),
			BatchSize:        v.GetInt("notify.batch_size"),
			MaxAttempts:      v.GetInt("notify.max_attempts"),
			Backoff:          v.GetDuration("notify.backoff"),
			Concurrency:      v.GetInt("notify.concurrency"),
			Lease:            v.GetDuration("notify.lease"),
			CleanupRetention: v.GetDuration("notify.cleanup_retention"),
			CleanupInterval:  v.GetDuration("notify.cleanup_interval"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "leadflow"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "leadflow"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 25
	}
	if cfg.Database.MaxConnLifetime == 0 {
		cfg.Database.MaxConnLifetime = time.Hour
	}
	if cfg.Database.MaxConnIdleTime == 0 {
		cfg.Database.MaxConnIdleTime = 30 * time.Minute
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.IdentityTTL == 0 {
		cfg.Redis.IdentityTTL = 5 * time.Minute
	}

	if cfg.Identity.BaseURL == "" {
		cfg.Identity.BaseURL = "http://user-service:5006"
	}
	if cfg.Identity.Timeout == 0 {
		cfg.Identity.Timeout = 3 * time.Second
	}

	if cfg.Notify.BaseURL == "" {
		cfg.Notify.BaseURL = "http://chat-service:5008"
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.Notify.PollInterval == 0 {
		cfg.Notify.PollInterval = 2 * time.Second
	}
	if cfg.Notify.BatchSize == 0 {
		cfg.Notify.BatchSize = 50
	}
	if cfg.Notify.MaxAttempts == 0 {
		cfg.Notify.MaxAttempts = 5
	}
	if cfg.Notify.Backoff == 0 {
		cfg.Notify.Backoff = 30 * time.Second
	}
	if cfg.Notify.Concurrency == 0 {
		cfg.Notify.Concurrency = 4
	}
	if cfg.Notify.Lease == 0 {
		cfg.Notify.Lease = time.Minute
	}
	if cfg.Notify.CleanupRetention == 0 {
		cfg.Notify.CleanupRetention = 7 * 24 * time.Hour
	}
	if cfg.Notify.CleanupInterval == 0 {
		cfg.Notify.CleanupInterval = time.Hour
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 15 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Identity.Timeout < time.Second || c.Identity.Timeout > 5*time.Second {
		return fmt.Errorf("config: identity.timeout must be between 1s and 5s, got %s", c.Identity.Timeout)
	}
	if _, err := url.ParseRequestURI(c.Identity.BaseURL); err != nil {
		return fmt.Errorf("config: invalid identity.base_url: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Notify.BaseURL); err != nil {
		return fmt.Errorf("config: invalid notify.base_url: %w", err)
	}
	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("config: notify.max_attempts must be positive")
	}
	if c.Notify.BatchSize < 1 {
		return fmt.Errorf("config: notify.batch_size must be positive")
	}
	if c.Notify.Backoff <= 0 {
		return fmt.Errorf("config: notify.backoff must be positive")
	}
	if c.Notify.Concurrency < 1 {
		return fmt.Errorf("config: notify.concurrency must be positive")
	}
	// The lease doubles as the inline grace before the relay may retry a
	// fresh claim, so it has to outlast the inline attempt.
	if c.Notify.Lease <= c.Notify.Timeout {
		return fmt.Errorf("config: notify.lease (%s) must exceed notify.timeout (%s)", c.Notify.Lease, c.Notify.Timeout)
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("config: telemetry.sampling_ratio must be within [0,1]")
	}
	return nil
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.DBName,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
