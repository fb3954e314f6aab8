package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LEXFORGE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "lexforge.db"
	defaultLogLevel          = "info"
	defaultStoreBackend      = BackendSQLite
	defaultRedisURL          = "redis://localhost:6379/0"
	defaultIssuer            = "lexforge-collab"
	defaultCookieName        = "lexforge_session"
	defaultTokenTTL          = 12 * time.Hour
	defaultTokenLeeway       = 30 * time.Second
	defaultSyncDebounce      = 2 * time.Second
	defaultCursorThrottle    = 100 * time.Millisecond
	defaultCleanupInterval   = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	LogLevel          string
	StoreBackend      string
	DatabasePath      string
	DatabaseDSN       string
	RedisURL          string
	SigningSecret     string
	Issuer            string
	CookieName        string
	TokenTTL          time.Duration
	TokenLeeway       time.Duration
	SyncDebounce      time.Duration
	CursorThrottle    time.Duration
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.leeway", defaultTokenLeeway)
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("cursor.throttle", defaultCursorThrottle)
	configViper.SetDefault("presence.cleanup_interval", defaultCleanupInterval)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:          configViper.GetString("log.level"),
		StoreBackend:      strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		RedisURL:          configViper.GetString("redis.url"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		TokenLeeway:       configViper.GetDuration("auth.leeway"),
		SyncDebounce:      configViper.GetDuration("sync.debounce"),
		CursorThrottle:    configViper.GetDuration("cursor.throttle"),
		CleanupInterval:   configViper.GetDuration("presence.cleanup_interval"),
		HeartbeatInterval: configViper.GetDuration("presence.heartbeat_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.StoreBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of sqlite, postgres, redis", c.StoreBackend)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.TokenLeeway < 0 {
		return fmt.Errorf("auth.leeway must not be negative")
	}
	if c.SyncDebounce <= 0 || c.CursorThrottle <= 0 {
		return fmt.Errorf("sync.debounce and cursor.throttle must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("presence.cleanup_interval must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.CleanupInterval {
		return fmt.Errorf("presence.heartbeat_interval must be positive and shorter than presence.cleanup_interval")
	}
	return nil
}
