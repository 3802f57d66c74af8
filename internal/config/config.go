package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COLLAB"
	defaultHTTPAddress     = "0.0.0.0:8081"
	defaultDatabasePath    = "collab.db"
	defaultLogLevel        = "info"
	defaultDebounceMillis  = 500
	defaultMaxWaitMillis   = 2000
	defaultVersionInterval = 100
	defaultSettleMillis    = 500
	defaultServiceName     = "obsidian-collab"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SharedToken     string
	SigningSecret   string
	Debounce        time.Duration
	MaxWait         time.Duration
	VersionInterval int
	SettleDelay     time.Duration
	ServiceName     string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.shared_token", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("persistence.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("persistence.max_wait_ms", defaultMaxWaitMillis)
	configViper.SetDefault("persistence.version_interval", defaultVersionInterval)
	configViper.SetDefault("session.settle_ms", defaultSettleMillis)
	configViper.SetDefault("service.name", defaultServiceName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SharedToken:     configViper.GetString("auth.shared_token"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		Debounce:        time.Duration(configViper.GetInt("persistence.debounce_ms")) * time.Millisecond,
		MaxWait:         time.Duration(configViper.GetInt("persistence.max_wait_ms")) * time.Millisecond,
		VersionInterval: configViper.GetInt("persistence.version_interval"),
		SettleDelay:     time.Duration(configViper.GetInt("session.settle_ms")) * time.Millisecond,
		ServiceName:     configViper.GetString("service.name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("persistence.debounce_ms must be positive")
	}
	if c.MaxWait < c.Debounce {
		return fmt.Errorf("persistence.max_wait_ms must be at least persistence.debounce_ms")
	}
	if c.VersionInterval <= 0 {
		return fmt.Errorf("persistence.version_interval must be positive")
	}
	return nil
}
