package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/reelapps/authsync/pkg/activity"
	"github.com/reelapps/authsync/pkg/audit"
	"github.com/reelapps/authsync/pkg/broadcast"
	"github.com/reelapps/authsync/pkg/identity"
	"github.com/reelapps/authsync/pkg/observability"
	"github.com/reelapps/authsync/pkg/session"
	"github.com/reelapps/authsync/pkg/sessionstore"
	"github.com/reelapps/authsync/pkg/sso"
	"github.com/reelapps/authsync/pkg/storage"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. AUTHSYNC_SERVER_PORT.
	EnvPrefix = "AUTHSYNC"
	// ConfigFileEnv names an optional YAML/JSON/TOML config file.
	ConfigFileEnv = "AUTHSYNC_CONFIG"
	// DotEnvFile is read from the working directory when present.
	DotEnvFile = ".env"
)

// Identity provider kinds
const (
	ProviderOAuth  = "oauth"
	ProviderMemory = "memory"
)

// Broadcast backends
const (
	BroadcastMemory    = "memory"
	BroadcastRedis     = "redis"
	BroadcastWebSocket = "websocket"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Identity      IdentityConfig      `mapstructure:"identity"`
	Store         StoreConfig         `mapstructure:"store"`
	Broadcast     BroadcastConfig     `mapstructure:"broadcast"`
	SSO           SSOConfig           `mapstructure:"sso"`
	Refresh       RefreshConfig       `mapstructure:"refresh"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Activity      ActivityConfig      `mapstructure:"activity"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `mapstructure:"health_port"`
}

// IdentityConfig selects and configures the identity provider
type IdentityConfig struct {
	// Provider is "oauth", or "memory" for local development.
	Provider     string        `mapstructure:"provider"`
	IssuerURL    string        `mapstructure:"issuer_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	APIKey       string        `mapstructure:"api_key"`
	TokenURL     string        `mapstructure:"token_url"`
	SignupURL    string        `mapstructure:"signup_url"`
	LogoutURL    string        `mapstructure:"logout_url"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// SessionTTL is the lifetime of sessions issued by the memory provider.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// StoreConfig holds shared session store configuration
type StoreConfig struct {
	Backend        string `mapstructure:"backend"`
	FilesystemRoot string `mapstructure:"filesystem_root"`
	PostgresURL    string `mapstructure:"postgres_url"`
	SQLitePath     string `mapstructure:"sqlite_path"`
	RedisURL       string `mapstructure:"redis_url"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	// Prefix names the session key, <prefix>:v1.
	Prefix string `mapstructure:"prefix"`
}

// BroadcastConfig holds cross-context channel configuration
type BroadcastConfig struct {
	Backend string `mapstructure:"backend"`
	// RedisURL defaults to the store's Redis URL.
	RedisURL string `mapstructure:"redis_url"`
	Channel  string `mapstructure:"channel"`
	// RelayURL is the ws(s):// endpoint dialled by the websocket backend.
	RelayURL string `mapstructure:"relay_url"`
	// ServeRelay mounts the relay hub on this server.
	ServeRelay bool `mapstructure:"serve_relay"`
	// RelaySecret authenticates relay handshakes, both served and dialled.
	RelaySecret string `mapstructure:"relay_secret"`
	QueueSize   int    `mapstructure:"queue_size"`
}

// SSOConfig holds cross-subdomain SSO configuration
type SSOConfig struct {
	Domain     string `mapstructure:"domain"`
	HolderHost string `mapstructure:"holder_host"`
	LoginPath  string `mapstructure:"login_path"`
	// SigningKey is required on the holder, which mints tokens.
	SigningKey   string        `mapstructure:"signing_key"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	PolicyFile   string        `mapstructure:"policy_file"`
	AllowedHosts []string      `mapstructure:"allowed_hosts"`
	// Holder serves the issuing and exchange endpoints.
	Holder bool `mapstructure:"holder"`
	// RateLimit is requests per minute per client IP on the SSO endpoints.
	RateLimit int `mapstructure:"rate_limit"`
}

// RefreshConfig tunes the periodic token refresh
type RefreshConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig is the relational database for profiles and activity
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ActivityConfig tunes session activity tracking
type ActivityConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Grace    time.Duration `mapstructure:"grace"`
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuditConfig selects the audit sinks. An empty FilePath disables the
// file sink.
type AuditConfig struct {
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
	Database  bool   `mapstructure:"database"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `mapstructure:"otel_enabled"`
	OTelEndpoint       string `mapstructure:"otel_endpoint"`
	OTelServiceName    string `mapstructure:"otel_service_name"`
	OTelServiceVersion string `mapstructure:"otel_service_version"`
	OTelInsecure       bool   `mapstructure:"otel_insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_port", "9090")

	v.SetDefault("identity.provider", ProviderOAuth)
	v.SetDefault("identity.issuer_url", "")
	v.SetDefault("identity.client_id", "")
	v.SetDefault("identity.client_secret", "")
	v.SetDefault("identity.api_key", "")
	v.SetDefault("identity.token_url", "")
	v.SetDefault("identity.signup_url", "")
	v.SetDefault("identity.logout_url", "")
	v.SetDefault("identity.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("identity.timeout", 15*time.Second)
	v.SetDefault("identity.session_ttl", time.Hour)

	v.SetDefault("store.backend", storage.BackendMemory)
	v.SetDefault("store.filesystem_root", "/var/lib/authsync")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.sqlite_path", "authsync.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.prefix", sessionstore.DefaultKeyPrefix)

	v.SetDefault("broadcast.backend", BroadcastMemory)
	v.SetDefault("broadcast.redis_url", "")
	v.SetDefault("broadcast.channel", "reelapps-auth-sync")
	v.SetDefault("broadcast.relay_url", "")
	v.SetDefault("broadcast.serve_relay", false)
	v.SetDefault("broadcast.relay_secret", "")
	v.SetDefault("broadcast.queue_size", broadcast.DefaultQueueSize)

	v.SetDefault("sso.domain", sso.DefaultDomain)
	v.SetDefault("sso.holder_host", "")
	v.SetDefault("sso.login_path", sso.DefaultLoginPath)
	v.SetDefault("sso.signing_key", "")
	v.SetDefault("sso.token_ttl", sso.DefaultTokenTTL)
	v.SetDefault("sso.policy_file", "")
	v.SetDefault("sso.allowed_hosts", []string{})
	v.SetDefault("sso.holder", false)
	v.SetDefault("sso.rate_limit", 30)

	v.SetDefault("refresh.interval", 50*time.Minute)
	v.SetDefault("refresh.timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("activity.enabled", false)
	v.SetDefault("activity.grace", activity.DefaultGrace)
	v.SetDefault("activity.schedule", activity.DefaultSchedule)
	v.SetDefault("activity.timeout", time.Minute)

	v.SetDefault("audit.file_path", "")
	v.SetDefault("audit.max_size_mb", 100)
	v.SetDefault("audit.max_files", 10)
	v.SetDefault("audit.database", false)

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.otel_enabled", false)
	v.SetDefault("observability.otel_endpoint", "localhost:4317")
	v.SetDefault("observability.otel_service_name", "authsync")
	v.SetDefault("observability.otel_service_version", "1.0.0")
	v.SetDefault("observability.otel_insecure", true)
}

// Load reads the file named by AUTHSYNC_CONFIG (if set), then .env (if
// present), then the environment. Environment variables override .env,
// which overrides the file.
func Load() (*Config, error) {
	return load(os.Getenv(ConfigFileEnv), DotEnvFile)
}

func load(configFile, dotEnv string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dotEnv != "" {
		if err := applyDotEnv(v, dotEnv); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if cfg.Broadcast.RedisURL == "" {
		cfg.Broadcast.RedisURL = cfg.Store.RedisURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDotEnv copies AUTHSYNC_* entries from a .env file into v for keys
// the process environment does not set.
func applyDotEnv(v *viper.Viper, path string) error {
	d := viper.New()
	d.SetConfigFile(path)
	d.SetConfigType("env")
	if err := d.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := EnvName(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if d.IsSet(name) {
			v.Set(key, d.Get(name))
		}
	}
	return nil
}

// EnvName is the environment variable for a config key, e.g.
// "sso.token_ttl" is AUTHSYNC_SSO_TOKEN_TTL.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Identity.Provider {
	case ProviderOAuth:
		if err := c.Identity.OAuth().Validate(); err != nil {
			return fmt.Errorf("%w: %w", session.ErrIdentityProviderUnavailable, err)
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("%w: unknown identity provider %q", session.ErrIdentityProviderUnavailable, c.Identity.Provider)
	}

	switch c.Store.Backend {
	case storage.BackendMemory:
	case storage.BackendFile:
		if c.Store.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for file store")
		}
	case storage.BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis store")
		}
	case storage.BackendPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	case storage.BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, file, redis, postgres, or sqlite)", c.Store.Backend)
	}

	switch c.Broadcast.Backend {
	case BroadcastMemory:
	case BroadcastRedis:
		if c.Broadcast.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis broadcast")
		}
	case BroadcastWebSocket:
		if c.Broadcast.RelayURL == "" {
			return fmt.Errorf("relay URL is required for websocket broadcast")
		}
	default:
		return fmt.Errorf("invalid broadcast backend: %s (must be memory, redis, or websocket)", c.Broadcast.Backend)
	}
	if (c.Broadcast.ServeRelay || c.Broadcast.Backend == BroadcastWebSocket) && len(c.Broadcast.RelaySecret) < 16 {
		return fmt.Errorf("relay secret of at least 16 bytes is required to serve or dial the relay")
	}

	if c.SSO.Holder {
		if err := c.SSOConfig().Validate(); err != nil {
			return fmt.Errorf("sso: %w", err)
		}
	}

	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	if c.Activity.Enabled && c.Database.URL == "" {
		return fmt.Errorf("database URL is required when activity tracking is enabled")
	}
	if c.Audit.Database && c.Database.URL == "" {
		return fmt.Errorf("database URL is required for the audit table")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// OAuth converts the identity section for identity.NewOAuthProvider.
func (c IdentityConfig) OAuth() identity.OAuthConfig {
	return identity.OAuthConfig{
		IssuerURL:    c.IssuerURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		APIKey:       c.APIKey,
		TokenURL:     c.TokenURL,
		SignupURL:    c.SignupURL,
		LogoutURL:    c.LogoutURL,
		Scopes:       c.Scopes,
		Timeout:      c.Timeout,
	}
}

// StorageConfig converts the store section for storage.Open.
func (c *Config) StorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Type = c.Store.Backend
	cfg.FilesystemRoot = c.Store.FilesystemRoot
	cfg.PostgresURL = c.Store.PostgresURL
	cfg.SQLitePath = c.Store.SQLitePath
	cfg.RedisURL = c.Store.RedisURL
	cfg.RedisPassword = c.Store.RedisPassword
	cfg.RedisDB = c.Store.RedisDB
	return cfg
}

// SSOConfig converts the sso section, with defaults applied.
func (c *Config) SSOConfig() sso.Config {
	return sso.Config{
		Domain:       c.SSO.Domain,
		HolderHost:   c.SSO.HolderHost,
		LoginPath:    c.SSO.LoginPath,
		SigningKey:   []byte(c.SSO.SigningKey),
		TokenTTL:     c.SSO.TokenTTL,
		AllowedHosts: c.SSO.AllowedHosts,
	}.WithDefaults()
}

// FileAuditConfig converts the audit section for audit.NewFileLogger.
func (c *Config) FileAuditConfig() audit.FileLoggerConfig {
	return audit.FileLoggerConfig{
		BasePath: c.Audit.FilePath,
		Rotate:   true,
		MaxSize:  int64(c.Audit.MaxSizeMB) * 1024 * 1024,
		MaxFiles: c.Audit.MaxFiles,
	}
}

// OTelConfig converts the observability section for InitOTel.
func (c *Config) OTelConfig() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
	}
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLevel(c.Observability.LogLevel)
}
