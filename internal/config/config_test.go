package config

import (
	"testing"
	"time"
)

func fullViper() map[string]interface{} {
	return map[string]interface{}{
		"session.signing_secret": "secret",
		"database.path":          "engine.db",
		"content_api.base_url":   "https://content.example.com/api/v2",
		"forum_api.base_url":     "https://forum.example.com/api/v2",
		"oauth.token_url":        "https://auth.example.com/oauth/token",
		"oauth.client_id":        "client-1",
		"oauth.client_secret":    "client-secret-1",
		"news_actor.id":          int64(999),
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range fullViper() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.PollLengthDays != 10 {
		t.Fatalf("unexpected poll length: %d", cfg.PollLengthDays)
	}
	if cfg.RefreshSkew != 2*time.Minute {
		t.Fatalf("unexpected refresh skew: %v", cfg.RefreshSkew)
	}
	if cfg.NotifyQueueKey == "" {
		t.Fatalf("expected default notify queue key")
	}
}

func TestLoadRejectsIncompleteConfiguration(t *testing.T) {
	required := []string{
		"session.signing_secret",
		"database.path",
		"content_api.base_url",
		"forum_api.base_url",
		"oauth.token_url",
		"oauth.client_id",
		"oauth.client_secret",
		"news_actor.id",
	}

	for _, missing := range required {
		t.Run(missing, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range fullViper() {
				if key == missing {
					continue
				}
				configViper.Set(key, value)
			}
			if missing == "news_actor.id" {
				configViper.Set("news_actor.id", int64(0))
			}
			if missing == "database.path" {
				configViper.Set("database.path", "")
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected %s to be required", missing)
			}
		})
	}
}
