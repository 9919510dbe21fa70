package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read entirely from HACKPOT_* environment variables.
type Config struct {
	Dir        string `env:"HACKPOT_DIR"`
	HTTPAddr   string `env:"HACKPOT_HTTP_ADDR" envDefault:":8080"`
	DebugLevel string `env:"HACKPOT_DEBUG" envDefault:"info"`

	AnteSats     int64 `env:"HACKPOT_ANTE_SATS" envDefault:"1000"`
	PotFloorSats int64 `env:"HACKPOT_POT_FLOOR_SATS" envDefault:"10000"`
	MaxActive    int   `env:"HACKPOT_MAX_ACTIVE" envDefault:"20"`

	XlogPath     string        `env:"HACKPOT_XLOGFILE" envDefault:"/var/games/nethack/xlogfile"`
	WinKeyword   string        `env:"HACKPOT_WIN_KEYWORD"`
	PollInterval time.Duration `env:"HACKPOT_POLL_INTERVAL" envDefault:"2s"`
	IdleTimeout  time.Duration `env:"HACKPOT_IDLE_TIMEOUT" envDefault:"5m"`

	SSHHostPort string `env:"HACKPOT_SSH_HOST" envDefault:"127.0.0.1:22"`
	PublicHost  string `env:"HACKPOT_PUBLIC_HOST" envDefault:"localhost"`
	GameShell   string `env:"HACKPOT_GAME_SHELL" envDefault:"/usr/games/nethack"`

	LNProvider    string `env:"HACKPOT_LN_PROVIDER" envDefault:"mock"`
	LNAPIKey      string `env:"HACKPOT_LN_API_KEY"`
	LNBaseURL     string `env:"HACKPOT_LN_BASE_URL"`
	WebhookSecret string `env:"HACKPOT_WEBHOOK_SECRET"`

	SMTPHost string `env:"HACKPOT_SMTP_HOST"`
	SMTPPort int    `env:"HACKPOT_SMTP_PORT" envDefault:"587"`
	SMTPFrom string `env:"HACKPOT_SMTP_FROM"`
	SMTPUser string `env:"HACKPOT_SMTP_USER"`
	SMTPPass string `env:"HACKPOT_SMTP_PASS"`
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home dir: %w", err)
		}
		cfg.Dir = filepath.Join(home, ".hackpot")
	}
	if cfg.AnteSats <= 0 {
		return nil, fmt.Errorf("HACKPOT_ANTE_SATS must be positive")
	}
	if cfg.PotFloorSats < 0 {
		return nil, fmt.Errorf("HACKPOT_POT_FLOOR_SATS must not be negative")
	}
	switch cfg.LNProvider {
	case "mock", "strike", "lnbits":
	default:
		return nil, fmt.Errorf("HACKPOT_LN_PROVIDER must be mock, strike, or lnbits")
	}
	if cfg.LNProvider != "mock" && cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("HACKPOT_WEBHOOK_SECRET is required with a real provider")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "logs"), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &cfg, nil
}
