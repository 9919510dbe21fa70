package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/hackpot/hackpot/xlog"
)

// logWatcher tails the shared game log and feeds each completed game to
// the completion handler. It attaches at end of file, so games finished
// before this process started are never re-settled.
type logWatcher struct {
	log  slog.Logger
	srv  *Server
	tail *xlog.Watcher

	interval time.Duration

	mu   sync.Mutex
	quit chan struct{}
}

func newLogWatcher(s *Server, path string, interval time.Duration, log slog.Logger) (*logWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("xlogfile path is required")
	}
	return &logWatcher{
		log:      log,
		srv:      s,
		tail:     xlog.NewWatcher(path),
		interval: interval,
		quit:     make(chan struct{}),
	}, nil
}

func (w *logWatcher) stop() { close(w.quit) }

func (w *logWatcher) run(ctx context.Context) {
	w.log.Infof("watcher: tailing %s every %s", w.tail.Path(), w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce drains whatever new records appeared since the last tick.
// Read or settlement errors are logged and retried next tick; a single
// bad record never blocks the ones behind it.
func (w *logWatcher) pollOnce(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	recs, err := w.tail.Next()
	if err != nil {
		w.log.Errorf("watcher: read failed: %v", err)
		return
	}
	for i := range recs {
		rec := &recs[i]
		if err := w.srv.handleGameEnd(ctx, rec); err != nil {
			w.log.Errorf("watcher: settle record for %q (uid %d): %v",
				rec.Name, rec.UID, err)
		}
	}
}
