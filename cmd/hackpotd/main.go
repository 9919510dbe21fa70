package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vctt94/bisonbotkit/logging"

	"github.com/hackpot/hackpot/lightning"
	"github.com/hackpot/hackpot/notify"
	"github.com/hackpot/hackpot/server"
	"github.com/hackpot/hackpot/users"
)

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logBackend, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(cfg.Dir, "logs", "hackpotd.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := logBackend.Logger("MAIN")

	ln, err := lightning.New(lightning.Config{
		Provider: cfg.LNProvider,
		APIKey:   cfg.LNAPIKey,
		BaseURL:  cfg.LNBaseURL,
	})
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SMTPHost != "" {
		notifier = notify.NewMailer(notify.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
		}, logBackend.Logger("MAIL"))
	}

	srv, err := server.NewServer(server.ServerConfig{
		ServerDir:         cfg.Dir,
		HTTPAddr:          cfg.HTTPAddr,
		AnteSats:          cfg.AnteSats,
		PotFloorSats:      cfg.PotFloorSats,
		MaxActiveSessions: cfg.MaxActive,
		XlogPath:          cfg.XlogPath,
		WinKeyword:        cfg.WinKeyword,
		PollInterval:      cfg.PollInterval,
		IdleTimeout:       cfg.IdleTimeout,
		SSHHostPort:       cfg.SSHHostPort,
		PublicHost:        cfg.PublicHost,
		WebhookSecret:     cfg.WebhookSecret,
		DebugLevel:        cfg.DebugLevel,
		LogBackend:        logBackend,
		Lightning:         ln,
		Provisioner:       users.NewManager(logBackend.Logger("USR"), cfg.GameShell),
		Notifier:          notifier,
		Dialer:            server.NewSSHDialer(cfg.SSHHostPort),
	})
	if err != nil {
		return err
	}

	log.Infof("data dir %s, provider %s, ante %d sats", cfg.Dir, cfg.LNProvider, cfg.AnteSats)
	return srv.Run(ctx)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
