package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "SPISOK"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "spisok.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "spisok_session"
	defaultAuthIssuer   = "spisok-auth"
	defaultTokenTTLMin  = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SessionSecret    string
	SessionIssuer    string
	SessionCookie    string
	BackendSecret    string
	TokenTTLMinutes  int
	AISuggestAPIKey  string
	AISuggestModel   string
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
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultAuthIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("ai.model", "gemini-1.5-flash")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SessionSecret:   configViper.GetString("session.signing_secret"),
		SessionIssuer:   configViper.GetString("session.issuer"),
		SessionCookie:   configViper.GetString("session.cookie_name"),
		BackendSecret:   configViper.GetString("token.signing_secret"),
		TokenTTLMinutes: configViper.GetInt("token.ttl_minutes"),
		AISuggestAPIKey: configViper.GetString("ai.api_key"),
		AISuggestModel:  configViper.GetString("ai.model"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.BackendSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return nil
}
