package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hackpot/hackpot/server/serverdb"
)

// Close codes sent to the terminal client. Everything in the 4xxx range
// is an application refusal; 1000 is a normal game-over close.
const (
	closeUpstreamFailed    = 4001
	closeMissingCredential = 4002
	closeNotPlayable       = 4003
	closeSessionNotFound   = 4004
	closeBadToken          = 4005
)

const (
	// defaultIdleTimeout ends a terminal that has produced no keystrokes.
	defaultIdleTimeout = 300 * time.Second
	// readWait bounds each websocket read so the pump can notice
	// cancellation and idle expiry between frames.
	readWait = time.Second
)

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout > 0 {
		return s.cfg.IdleTimeout
	}
	return defaultIdleTimeout
}

// RemoteProcess is one live game process on the shell host. Read drains
// combined terminal output, Write feeds keystrokes.
type RemoteProcess interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	Signal(sig string) error
	// Done is closed when the process exits on its own.
	Done() <-chan struct{}
}

// RemoteDialer starts game processes for the bridge. The production
// implementation speaks SSH to the shell host.
type RemoteDialer interface {
	Dial(ctx context.Context, login, password string) (RemoteProcess, error)
}

// bridgeHandle is the registry entry for one attached terminal. It is
// a pointer so sync.Map comparisons work.
type bridgeHandle struct {
	cancel context.CancelFunc
}

// controlFrame is the inbound client protocol: keystrokes, window
// resizes, and keepalive pings as small JSON frames. Output flows the
// other way as raw binary frames.
type controlFrame struct {
	Type string `json:"type"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Data string `json:"data,omitempty"`
}

// teardownSteps is the signal ladder applied to a process that outlives
// its terminal: polite hangup first, then firmer measures.
var teardownSteps = []struct {
	sig  string
	wait time.Duration
}{
	{"HUP", 5 * time.Second},
	{"TERM", 2 * time.Second},
	{"KILL", time.Second},
}

// AttachTerminal is the websocket endpoint body. It authenticates the
// session, dials the shell host, and streams until the game ends, the
// client leaves, or the idle timer fires. Refusal checks run in a fixed
// order so a caller probing with a bad token on a dead session learns
// the session is gone, not whether the token matched.
func (s *Server) AttachTerminal(ws *websocket.Conn) {
	defer ws.Close()
	ctx := ws.Request().Context()

	id, err := strconv.ParseInt(ws.Request().PathValue("id"), 10, 64)
	if err != nil {
		s.refuseTerminal(ws, closeSessionNotFound, "no such session")
		return
	}
	sess, err := s.db.Session(ctx, id)
	if errors.Is(err, serverdb.ErrNotFound) {
		s.refuseTerminal(ws, closeSessionNotFound, "no such session")
		return
	}
	if err != nil {
		s.log.Errorf("terminal: session %d lookup: %v", id, err)
		s.refuseTerminal(ws, closeSessionNotFound, "no such session")
		return
	}
	if !sess.Status.Playable() {
		s.refuseTerminal(ws, closeNotPlayable, "session is not playable")
		return
	}
	token := ws.Request().URL.Query().Get("token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.AccessToken)) != 1 {
		s.refuseTerminal(ws, closeBadToken, "bad access token")
		return
	}
	if sess.Login == "" || sess.Password == "" {
		s.refuseTerminal(ws, closeMissingCredential, "session has no shell credentials")
		return
	}
	if s.cfg.Dialer == nil {
		s.refuseTerminal(ws, closeUpstreamFailed, "shell host unavailable")
		return
	}

	proc, err := s.cfg.Dialer.Dial(ctx, sess.Login, sess.Password)
	if err != nil {
		s.log.Errorf("terminal: dial for session %d failed: %v", sess.ID, err)
		s.refuseTerminal(ws, closeUpstreamFailed, "could not reach the game host")
		return
	}

	if err := s.db.MarkSessionPlaying(ctx, sess.ID); err != nil {
		s.log.Warnf("terminal: playing transition for session %d: %v", sess.ID, err)
	}
	s.log.Infof("terminal attached: session %d (%s)", sess.ID, sess.Login)
	s.runBridge(ctx, ws, sess.ID, proc)
}

func (s *Server) refuseTerminal(ws *websocket.Conn, code int, msg string) {
	// One red line so a human at the terminal sees why, then the coded
	// close for the client program.
	websocket.Message.Send(ws, []byte("\r\n\x1b[31m"+msg+"\x1b[0m\r\n"))
	ws.WriteClose(code)
}

// runBridge owns the two pump goroutines and the process teardown.
// Whichever side finishes first cancels the shared context; teardown
// then walks the signal ladder until the process is gone.
func (s *Server) runBridge(ctx context.Context, ws *websocket.Conn, sessID int64, proc RemoteProcess) {
	s.bridgeWG.Add(1)
	defer s.bridgeWG.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A second attach for the same session cuts the first.
	handle := &bridgeHandle{cancel: cancel}
	if prev, loaded := s.bridges.Swap(sessID, handle); loaded {
		prev.(*bridgeHandle).cancel()
	}
	defer s.bridges.CompareAndDelete(sessID, handle)

	var lastInput atomic.Int64
	lastInput.Store(time.Now().UnixNano())

	go s.pumpInbound(ctx, cancel, ws, proc, &lastInput)
	go s.pumpOutbound(ctx, cancel, ws, proc)

	maxIdle := s.idleTimeout()
	tick := readWait
	if maxIdle < tick {
		tick = maxIdle
	}
	idle := time.NewTicker(tick)
	defer idle.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-proc.Done():
			break loop
		case <-idle.C:
			if time.Since(time.Unix(0, lastInput.Load())) > maxIdle {
				s.log.Infof("terminal: session %d idle for %s, closing", sessID, maxIdle)
				websocket.Message.Send(ws, []byte("\r\n\x1b[33midle timeout, disconnecting\x1b[0m\r\n"))
				break loop
			}
		}
	}
	cancel()

	s.teardown(sessID, proc)
	ws.WriteClose(1000)
	s.log.Infof("terminal detached: session %d", sessID)
}

func (s *Server) teardown(sessID int64, proc RemoteProcess) {
	defer proc.Close()
	for _, step := range teardownSteps {
		select {
		case <-proc.Done():
			return
		default:
		}
		if err := proc.Signal(step.sig); err != nil {
			s.log.Debugf("terminal: session %d signal %s: %v", sessID, step.sig, err)
		}
		select {
		case <-proc.Done():
			return
		case <-time.After(step.wait):
		}
	}
	s.log.Warnf("terminal: session %d process survived the signal ladder", sessID)
}

// pumpInbound moves client frames to the process. A frame is either a
// JSON control message or raw keystrokes forwarded verbatim. Reads are
// bounded so cancellation is observed within readWait even on a silent
// client; every received frame refreshes the idle clock.
func (s *Server) pumpInbound(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, proc RemoteProcess, lastInput *atomic.Int64) {
	defer cancel()
	for {
		if ctx.Err() != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(readWait))
		var raw string
		err := websocket.Message.Receive(ws, &raw)
		if isTimeout(err) {
			continue
		}
		if err != nil {
			return
		}
		lastInput.Store(time.Now().UnixNano())

		var f controlFrame
		if json.Unmarshal([]byte(raw), &f) == nil && f.Type != "" {
			switch f.Type {
			case "input":
				if _, err := io.WriteString(proc, f.Data); err != nil {
					return
				}
			case "resize":
				if f.Cols > 0 && f.Rows > 0 {
					proc.Resize(f.Cols, f.Rows)
				}
			case "ping":
			default:
				// Unknown control types are treated as literal input.
				if _, err := io.WriteString(proc, raw); err != nil {
					return
				}
			}
			continue
		}
		if _, err := io.WriteString(proc, raw); err != nil {
			return
		}
	}
}

// pumpOutbound moves process output to the client as binary frames.
func (s *Server) pumpOutbound(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, proc RemoteProcess) {
	defer cancel()
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := proc.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			if serr := websocket.Message.Send(ws, out); serr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
