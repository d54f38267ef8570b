package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ROUNDKEEPER"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "roundkeeper.db"
	defaultLogLevel        = "info"
	defaultSessionIssuer   = "roundkeeper-auth"
	defaultPollLengthDays  = 10
	defaultNotifyQueueKey  = "roundkeeper:queue:webhooks"
	defaultRefreshSkewSecs = 120
)

// AppConfig captures runtime configuration for the round engine service.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	ContentAPIBaseURL    string
	ForumAPIBaseURL      string
	OAuthTokenURL        string
	OAuthClientID        string
	OAuthClientSecret    string
	NewsActorID          int64
	PollLengthDays       int
	RefreshSkew          time.Duration
	RedisURL             string
	NotifyQueueKey       string
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
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("poll.length_days", defaultPollLengthDays)
	configViper.SetDefault("oauth.refresh_skew_seconds", defaultRefreshSkewSecs)
	configViper.SetDefault("notify.queue_key", defaultNotifyQueueKey)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		ContentAPIBaseURL:    configViper.GetString("content_api.base_url"),
		ForumAPIBaseURL:      configViper.GetString("forum_api.base_url"),
		OAuthTokenURL:        configViper.GetString("oauth.token_url"),
		OAuthClientID:        configViper.GetString("oauth.client_id"),
		OAuthClientSecret:    configViper.GetString("oauth.client_secret"),
		NewsActorID:          configViper.GetInt64("news_actor.id"),
		PollLengthDays:       configViper.GetInt("poll.length_days"),
		RefreshSkew:          time.Duration(configViper.GetInt("oauth.refresh_skew_seconds")) * time.Second,
		RedisURL:             configViper.GetString("redis.url"),
		NotifyQueueKey:       configViper.GetString("notify.queue_key"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ContentAPIBaseURL) == "" {
		return fmt.Errorf("content_api.base_url is required")
	}
	if strings.TrimSpace(c.ForumAPIBaseURL) == "" {
		return fmt.Errorf("forum_api.base_url is required")
	}
	if strings.TrimSpace(c.OAuthTokenURL) == "" {
		return fmt.Errorf("oauth.token_url is required")
	}
	if strings.TrimSpace(c.OAuthClientID) == "" {
		return fmt.Errorf("oauth.client_id is required")
	}
	if strings.TrimSpace(c.OAuthClientSecret) == "" {
		return fmt.Errorf("oauth.client_secret is required")
	}
	if c.NewsActorID <= 0 {
		return fmt.Errorf("news_actor.id is required")
	}
	if c.PollLengthDays <= 0 {
		return fmt.Errorf("poll.length_days must be positive")
	}
	return nil
}
