package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "STUDYTRACK"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabaseDSN    = "studytrack.db"
	defaultLogLevel       = "info"
	defaultIssuer         = "studytrack"
	defaultCookieName     = "studytrack_session"
	defaultRedisChannel   = "studytrack:changes"
	defaultBaseURL        = "http://127.0.0.1:8080"
	defaultReplicaPath    = "studytrack-replica.db"
	defaultWindowMillis   = 500
	defaultNotesMillis    = 1500
	defaultTokenTTLHours  = 24 * 30
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ServerConfig captures runtime configuration for the API server.
type ServerConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	SigningSecret  string
	Issuer         string
	CookieName     string
	TokenTTL       time.Duration
	RedisAddress   string
	RedisChannel   string
	LogLevel       string
	LogFile        string
}

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	BaseURL       string
	Token         string
	UserID        string
	ReplicaPath   string
	DefaultWindow time.Duration
	NotesWindow   time.Duration
	LogLevel      string
	LogFile       string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_hours", defaultTokenTTLHours)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("api.base_url", defaultBaseURL)
	configViper.SetDefault("replica.path", defaultReplicaPath)
	configViper.SetDefault("debounce.default_ms", defaultWindowMillis)
	configViper.SetDefault("debounce.notes_ms", defaultNotesMillis)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_hours")) * time.Hour,
		RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:   configViper.GetString("redis.channel"),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        configViper.GetString("log.file"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		BaseURL:       strings.TrimSpace(configViper.GetString("api.base_url")),
		Token:         strings.TrimSpace(configViper.GetString("api.token")),
		UserID:        strings.TrimSpace(configViper.GetString("user.id")),
		ReplicaPath:   configViper.GetString("replica.path"),
		DefaultWindow: time.Duration(configViper.GetInt("debounce.default_ms")) * time.Millisecond,
		NotesWindow:   time.Duration(configViper.GetInt("debounce.notes_ms")) * time.Millisecond,
		LogLevel:      configViper.GetString("log.level"),
		LogFile:       configViper.GetString("log.file"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_hours must be positive")
	}
	if c.RedisAddress != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}

func (c ClientConfig) validate() error {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	if strings.TrimSpace(c.ReplicaPath) == "" {
		return fmt.Errorf("replica.path is required")
	}
	if c.DefaultWindow <= 0 {
		return fmt.Errorf("debounce.default_ms must be positive")
	}
	if c.NotesWindow <= 0 {
		return fmt.Errorf("debounce.notes_ms must be positive")
	}
	if c.UserID != "" && c.Token == "" {
		return fmt.Errorf("api.token is required when user.id is set")
	}
	return nil
}
