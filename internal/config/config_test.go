package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabaseDriver != DriverSQLite || cfg.DatabaseDSN != defaultDatabaseDSN {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TokenTTL != 30*24*time.Hour || cfg.Issuer != defaultIssuer || cfg.RedisAddress != "" {
		t.Fatalf("unexpected auth defaults %+v", cfg)
	}
}

func TestLoadServerReadsEnvironment(t *testing.T) {
	t.Setenv("STUDYTRACK_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("STUDYTRACK_DATABASE_DRIVER", "Postgres")
	t.Setenv("STUDYTRACK_DATABASE_DSN", "host=localhost dbname=studytrack")
	t.Setenv("STUDYTRACK_REDIS_ADDRESS", "localhost:6379")

	cfg, err := LoadServer(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.DatabaseDriver != DriverPostgres || cfg.RedisAddress != "localhost:6379" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadServerValidation(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{name: "missing-secret", values: map[string]any{}, wantErr: "auth.signing_secret"},
		{name: "bad-driver", values: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}, wantErr: "database.driver"},
		{name: "empty-dsn", values: map[string]any{"auth.signing_secret": "s", "database.dsn": " "}, wantErr: "database.dsn"},
		{name: "bad-ttl", values: map[string]any{"auth.signing_secret": "s", "auth.token_ttl_hours": 0}, wantErr: "auth.token_ttl_hours"},
		{name: "redis-channel", values: map[string]any{"auth.signing_secret": "s", "redis.address": "r:6379", "redis.channel": ""}, wantErr: "redis.channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tt.values {
				configViper.Set(key, value)
			}
			_, err := LoadServer(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	configViper := NewViper()
	configViper.Set("user.id", "user-1")
	configViper.Set("api.token", "token")
	configViper.Set("debounce.notes_ms", 2000)

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultWindow != 500*time.Millisecond || cfg.NotesWindow != 2*time.Second || cfg.BaseURL != defaultBaseURL {
		t.Fatalf("unexpected client config %+v", cfg)
	}
}

func TestLoadClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{name: "bad-url", values: map[string]any{"api.base_url": "ftp://example.com"}, wantErr: "api.base_url"},
		{name: "missing-token", values: map[string]any{"user.id": "user-1"}, wantErr: "api.token"},
		{name: "bad-window", values: map[string]any{"debounce.default_ms": -1}, wantErr: "debounce.default_ms"},
		{name: "empty-replica", values: map[string]any{"replica.path": ""}, wantErr: "replica.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tt.values {
				configViper.Set(key, value)
			}
			_, err := LoadClient(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}
