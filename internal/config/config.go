package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "L1NK"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "l1nk.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "l1nk_session"
	defaultIssuer              = "tauth"
	defaultAllowedOrigin       = "http://localhost:5173"
	defaultPersistDelay        = 60 * time.Second
	defaultIdleTimeout         = 5 * time.Minute
	defaultOutboundBuffer      = 64
	defaultTitleMaxLength      = 100
	defaultReservedSlug        = "new"
	defaultSnapshotDSN         = ""
	minimumPersistDelay        = 100 * time.Millisecond
	maximumOutboundBufferSize  = 4096
	maximumProjectorTitleRunes = 512
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	AllowedOrigins  []string
	SnapshotDSN     string
	Session         SessionConfig
	Projector       ProjectorConfig
}

// SessionConfig tunes document sessions.
type SessionConfig struct {
	PersistDelay   time.Duration
	IdleTimeout    time.Duration
	OutboundBuffer int
}

// ProjectorConfig tunes metadata derivation.
type ProjectorConfig struct {
	TitleMaxLength int
	ReservedSlugs  []string
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
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("snapshots.dsn", defaultSnapshotDSN)
	configViper.SetDefault("session.persist_delay", defaultPersistDelay)
	configViper.SetDefault("session.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("session.outbound_buffer", defaultOutboundBuffer)
	configViper.SetDefault("projector.title_max_length", defaultTitleMaxLength)
	configViper.SetDefault("projector.reserved_slugs", []string{defaultReservedSlug})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		AllowedOrigins:  splitList(configViper.GetStringSlice("cors.allowed_origins")),
		SnapshotDSN:     strings.TrimSpace(configViper.GetString("snapshots.dsn")),
		Session: SessionConfig{
			PersistDelay:   configViper.GetDuration("session.persist_delay"),
			IdleTimeout:    configViper.GetDuration("session.idle_timeout"),
			OutboundBuffer: configViper.GetInt("session.outbound_buffer"),
		},
		Projector: ProjectorConfig{
			TitleMaxLength: configViper.GetInt("projector.title_max_length"),
			ReservedSlugs:  splitList(configViper.GetStringSlice("projector.reserved_slugs")),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins must list at least one origin")
	}
	if c.Session.PersistDelay < minimumPersistDelay {
		return fmt.Errorf("session.persist_delay must be at least %s", minimumPersistDelay)
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Session.OutboundBuffer <= 0 || c.Session.OutboundBuffer > maximumOutboundBufferSize {
		return fmt.Errorf("session.outbound_buffer must be between 1 and %d", maximumOutboundBufferSize)
	}
	if c.Projector.TitleMaxLength <= 0 || c.Projector.TitleMaxLength > maximumProjectorTitleRunes {
		return fmt.Errorf("projector.title_max_length must be between 1 and %d", maximumProjectorTitleRunes)
	}
	return nil
}

// splitList accepts both list values and comma separated env values.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
