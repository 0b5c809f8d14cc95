package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`
	AdminID      string `env:"ADMIN_ID"`
	AdminRoleID  string `env:"ADMIN_ROLE_ID"`

	// Command prefix; answers starting with it are ignored while a question is open.
	CommandPrefix string `env:"COMMAND_PREFIX" envDefault:"!"`

	DatabaseDir string `env:"DATABASE_DIR" envDefault:"./comp_dbs"`

	ConfirmTimeout    time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"30s"`
	AnswerIdleTimeout time.Duration `env:"ANSWER_IDLE_TIMEOUT" envDefault:"0s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE" envDefault:"logs/bot.log"`

	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DiscordToken) == "" {
		return errors.New("DISCORD_TOKEN is required")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive, got %s", c.ConfirmTimeout)
	}
	if c.AnswerIdleTimeout < 0 {
		return fmt.Errorf("ANSWER_IDLE_TIMEOUT must not be negative, got %s", c.AnswerIdleTimeout)
	}
	if c.CommandPrefix == "" {
		return errors.New("COMMAND_PREFIX must not be empty")
	}
	return nil
}
