package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TALLY"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "tally.db"
	defaultContentDir   = "content"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultBotName      = "tally"
	defaultLocation     = "UTC"
)

// AppConfig captures runtime configuration for the ledger daemon.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	ContentDir    string
	LogLevel      string
	LogFormat     string
	SigningSecret string
	BotName       string
	Maintainers   []string
	HomeDomains   []string
	Location      *time.Location
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
	configViper.SetDefault("content.dir", defaultContentDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("bot.name", defaultBotName)
	configViper.SetDefault("bot.maintainers", []string{})
	configViper.SetDefault("identity.home_domains", []string{})
	configViper.SetDefault("time.location", defaultLocation)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		ContentDir:    configViper.GetString("content.dir"),
		LogLevel:      configViper.GetString("log.level"),
		LogFormat:     configViper.GetString("log.format"),
		SigningSecret: configViper.GetString("report.signing_secret"),
		BotName:       configViper.GetString("bot.name"),
		Maintainers:   configViper.GetStringSlice("bot.maintainers"),
		HomeDomains:   configViper.GetStringSlice("identity.home_domains"),
	}

	locationName := configViper.GetString("time.location")
	location, err := time.LoadLocation(locationName)
	if err != nil {
		return AppConfig{}, fmt.Errorf("time.location %q is invalid: %w", locationName, err)
	}
	cfg.Location = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ContentDir) == "" {
		return fmt.Errorf("content.dir is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("report.signing_secret is required")
	}
	if strings.TrimSpace(c.BotName) == "" {
		return fmt.Errorf("bot.name is required")
	}
	return nil
}
