package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "RALLYE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultChatDatabasePath = "rallye-chat.db"
	defaultLiveDatabasePath = "rallye-live.db"
	defaultLogLevel         = "info"
	defaultTokenTTLMinutes  = 60
	defaultCleanupMinutes   = 60
	defaultMessageTTLHours  = 24 * 7
	defaultEditWindow       = 15 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	SigningSecret    string
	AssertionSecret  string
	AssertionIssuer  string
	TokenTTL         time.Duration
	ChatDatabasePath string
	LiveDatabasePath string
	RedisAddress     string
	LogLevel         string
	CleanupInterval  time.Duration
	MessageTTL       time.Duration
	EditWindow       time.Duration
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
	configViper.SetDefault("auth.assertion_issuer", "rallye-platform")
	configViper.SetDefault("database.chat_path", defaultChatDatabasePath)
	configViper.SetDefault("database.live_path", defaultLiveDatabasePath)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cleanup.interval_minutes", defaultCleanupMinutes)
	configViper.SetDefault("chat.message_ttl_hours", defaultMessageTTLHours)
	configViper.SetDefault("chat.edit_window_minutes", int(defaultEditWindow.Minutes()))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		AssertionSecret:  configViper.GetString("auth.assertion_secret"),
		AssertionIssuer:  configViper.GetString("auth.assertion_issuer"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		ChatDatabasePath: configViper.GetString("database.chat_path"),
		LiveDatabasePath: configViper.GetString("database.live_path"),
		RedisAddress:     configViper.GetString("redis.address"),
		LogLevel:         configViper.GetString("log.level"),
		CleanupInterval:  time.Duration(configViper.GetInt("cleanup.interval_minutes")) * time.Minute,
		MessageTTL:       time.Duration(configViper.GetInt("chat.message_ttl_hours")) * time.Hour,
		EditWindow:       time.Duration(configViper.GetInt("chat.edit_window_minutes")) * time.Minute,
	}

	if strings.TrimSpace(cfg.AssertionSecret) == "" {
		// Single-secret deployments sign platform assertions and API tokens
		// with the same key.
		cfg.AssertionSecret = cfg.SigningSecret
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
	if strings.TrimSpace(c.ChatDatabasePath) == "" {
		return fmt.Errorf("database.chat_path is required")
	}
	if strings.TrimSpace(c.LiveDatabasePath) == "" {
		return fmt.Errorf("database.live_path is required")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup.interval_minutes must be positive")
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("chat.message_ttl_hours must be positive")
	}
	if c.EditWindow <= 0 {
		return fmt.Errorf("chat.edit_window_minutes must be positive")
	}
	return nil
}
