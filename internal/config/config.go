package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration. Values come from an
// optional yaml file, environment variables (COURSELIVE_ prefix) and a
// local .env file, in that order of precedence low to high.
type Config struct {
	APIBaseURL     string        `mapstructure:"api_base_url"`
	Token          string        `mapstructure:"token"`
	SessionID      string        `mapstructure:"session_id"`
	Role           string        `mapstructure:"role"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	LogLevel       string        `mapstructure:"log_level"`
}

// Load reads configuration. A .env file (if present) seeds the
// environment without overwriting existing variables, as the CLI
// expects credentials to come from the shell.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("api_base_url", "https://api.courselive.app")
	v.SetDefault("ping_interval", "25s")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("restart_delay", "2s")
	v.SetDefault("reconnect_min", "500ms")
	v.SetDefault("reconnect_max", "15s")
	v.SetDefault("log_level", "info")
	v.SetDefault("role", "viewer")

	v.SetEnvPrefix("COURSELIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Token == "" {
		cfg.Token = os.Getenv("COURSELIVE_TOKEN")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = os.Getenv("COURSELIVE_SESSION")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("COURSELIVE_TOKEN environment variable is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("COURSELIVE_SESSION environment variable is required")
	}

	return &cfg, nil
}
