package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CARTSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "cartsync.db"
	defaultLogLevel        = "info"
	defaultGoogleJWKSURL   = "https://www.googleapis.com/oauth2/v3/certs"
	defaultTokenTTLMinutes = 30
	defaultAppBaseURL      = "http://localhost:5173"
	defaultInviteTTLHours  = 7 * 24
	defaultFreeListLimit   = 3
	defaultFreeMemberLimit = 5
	defaultNotifyWorkers   = 8
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	GoogleClientID  string
	GoogleJWKSURL   string
	TokenTTL        time.Duration
	AppBaseURL      string
	InviteTTL       time.Duration
	FreeListLimit   int
	FreeMemberLimit int
	NotifyWorkers   int
	FCMServerKey    string
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
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("app.base_url", defaultAppBaseURL)
	configViper.SetDefault("invite.ttl_hours", defaultInviteTTLHours)
	configViper.SetDefault("plan.free_list_limit", defaultFreeListLimit)
	configViper.SetDefault("plan.free_member_limit", defaultFreeMemberLimit)
	configViper.SetDefault("notify.concurrency", defaultNotifyWorkers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		GoogleClientID:  configViper.GetString("google.client_id"),
		GoogleJWKSURL:   configViper.GetString("google.jwks_url"),
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AppBaseURL:      configViper.GetString("app.base_url"),
		InviteTTL:       time.Duration(configViper.GetInt("invite.ttl_hours")) * time.Hour,
		FreeListLimit:   configViper.GetInt("plan.free_list_limit"),
		FreeMemberLimit: configViper.GetInt("plan.free_member_limit"),
		NotifyWorkers:   configViper.GetInt("notify.concurrency"),
		FCMServerKey:    configViper.GetString("notify.fcm_server_key"),
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
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AppBaseURL) == "" {
		return fmt.Errorf("app.base_url is required")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("invite.ttl_hours must be positive")
	}
	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("notify.concurrency must be positive")
	}
	return nil
}
