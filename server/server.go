package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/hackpot/hackpot/lightning"
	"github.com/hackpot/hackpot/notify"
	"github.com/hackpot/hackpot/server/serverdb"
	"github.com/hackpot/hackpot/xlog"
)

const (
	name    = "hackpot"
	version = "v0.1.0"

	defaultAnteSats     = 1000
	defaultPotFloorSats = 10000
	defaultPollInterval = 2 * time.Second
	defaultMaxActive    = 20
)

// Provisioner manages the per-session OS accounts.
type Provisioner interface {
	Provision(ctx context.Context, login, password string) (int64, error)
	Deprovision(ctx context.Context, login string) error
}

type ServerConfig struct {
	ServerDir string

	// HTTPAddr is the public API listen address, e.g. ":8080".
	HTTPAddr string

	AnteSats          int64
	PotFloorSats      int64
	MaxActiveSessions int

	// XlogPath is the shared game log the watcher tails.
	XlogPath string
	// WinKeyword overrides the win test on the death field; empty means
	// the game's own ascension keyword.
	WinKeyword   string
	PollInterval time.Duration

	// SSHHostPort is the upstream shell host the terminal bridge dials.
	SSHHostPort string
	// PublicHost is the hostname advertised to players for direct ssh.
	PublicHost string

	// WebhookSecret signs provider payment webhooks. Empty disables
	// signature checks (mock provider only).
	WebhookSecret string

	// IdleTimeout ends a terminal with no keystrokes. Zero means the
	// default.
	IdleTimeout time.Duration

	DebugLevel string
	LogBackend *logging.LogBackend

	Lightning   lightning.Client
	Provisioner Provisioner
	Notifier    notify.Notifier
	Dialer      RemoteDialer

	// DB overrides the on-disk ledger, used by tests.
	DB serverdb.ServerDB
}

type Server struct {
	sync.RWMutex

	cfg ServerConfig
	log slog.Logger

	db    serverdb.ServerDB
	ln    lightning.Client
	users Provisioner
	mail  notify.Notifier

	httpServer *http.Server
	watcher    *logWatcher

	// bridges maps session id -> context.CancelFunc for the attached
	// terminal, so completion can cut the stream when the game ends.
	bridges sync.Map
	// bridgeWG counts live bridge goroutines so Shutdown can wait for
	// their teardown to finish before closing the database.
	bridgeWG sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	if cfg.Lightning == nil {
		return nil, fmt.Errorf("lightning client is nil")
	}
	if cfg.AnteSats <= 0 {
		cfg.AnteSats = defaultAnteSats
	}
	if cfg.PotFloorSats < 0 {
		return nil, fmt.Errorf("pot floor must not be negative")
	}
	if cfg.PotFloorSats == 0 {
		cfg.PotFloorSats = defaultPotFloorSats
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxActiveSessions <= 0 {
		cfg.MaxActiveSessions = defaultMaxActive
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}

	db := cfg.DB
	if db == nil {
		var err error
		db, err = serverdb.NewSQLiteDB(
			filepath.Join(cfg.ServerDir, "hackpot.db"), cfg.PotFloorSats)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.LogBackend.Logger("SRV"),
		db:    db,
		ln:    cfg.Lightning,
		users: cfg.Provisioner,
		mail:  cfg.Notifier,
	}

	if cfg.XlogPath != "" {
		w, err := newLogWatcher(s, cfg.XlogPath, cfg.PollInterval,
			cfg.LogBackend.Logger("XLOG"))
		if err != nil {
			return nil, fmt.Errorf("failed to init log watcher: %w", err)
		}
		s.watcher = w
	}

	if cfg.HTTPAddr != "" {
		s.httpServer = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      s.routes(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
	}

	return s, nil
}

// Run starts the watcher and HTTP listener and blocks until ctx is
// canceled, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if s.watcher != nil {
		go s.watcher.run(ctx)
	}

	errc := make(chan error, 1)
	if s.httpServer != nil {
		go func() {
			s.log.Infof("%s %s listening on %s", name, version, s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown closes the HTTP server, cuts every attached terminal, and
// closes the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		s.watcher.stop()
	}
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	s.log.Info("Canceling attached terminals...")
	s.bridges.Range(func(key, value interface{}) bool {
		if h, ok := value.(*bridgeHandle); ok {
			h.cancel()
		}
		return true
	})

	// Wait for the bridge teardowns, bounded by the shutdown context.
	done := make(chan struct{})
	go func() {
		s.bridgeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warnf("gave up waiting for terminal teardown: %v", ctx.Err())
	}

	s.log.Info("Closing database...")
	return s.db.Close()
}

// winKeyword resolves the configured win test for outcome records.
func (s *Server) winKeyword() string {
	if s.cfg.WinKeyword != "" {
		return s.cfg.WinKeyword
	}
	return xlog.DefaultWinKeyword
}
