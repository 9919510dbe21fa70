package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/decred/slog"

	"github.com/hackpot/hackpot/lightning"
	"github.com/hackpot/hackpot/notify"
	"github.com/hackpot/hackpot/server/serverdb"
)

func newTestServer(t *testing.T) (*Server, *lightning.Mock) {
	t.Helper()
	db, err := serverdb.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"), 10000)
	if err != nil {
		t.Fatalf("NewSQLiteDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ln := lightning.NewMock()
	s := &Server{
		cfg: ServerConfig{
			AnteSats:          1000,
			PotFloorSats:      10000,
			MaxActiveSessions: 20,
			PublicHost:        "arena.test",
		},
		log:  slog.Disabled,
		db:   db,
		ln:   ln,
		mail: notify.Noop{},
	}
	return s, ln
}

// mkActiveSession creates and activates a session bound to uid, with a
// payable payout address.
func mkActiveSession(t *testing.T, s *Server, uid int64) *serverdb.Session {
	t.Helper()
	ctx := context.Background()
	id, err := s.db.CreateSession(ctx, &serverdb.NewSession{
		Login:            "nh_testuser",
		Password:         "pw",
		AccessToken:      "tok-secret",
		PaymentHash:      "hash-test",
		AnteSats:         s.cfg.AnteSats,
		LightningAddress: "winner@getalby.com",
		Email:            "p@example.com",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, _, err := s.db.ActivateSession(ctx, id, s.cfg.AnteSats); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	if uid >= 0 {
		if err := s.db.SetExternalUID(ctx, id, uid); err != nil {
			t.Fatalf("SetExternalUID: %v", err)
		}
	}
	sess, err := s.db.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	return sess
}

type fakeProvisioner struct {
	mu            sync.Mutex
	uid           int64
	provisioned   []string
	deprovisioned []string
	failProvision bool
}

func (f *fakeProvisioner) Provision(_ context.Context, login, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProvision {
		return 0, context.DeadlineExceeded
	}
	f.provisioned = append(f.provisioned, login)
	return f.uid, nil
}

func (f *fakeProvisioner) Deprovision(_ context.Context, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisioned = append(f.deprovisioned, login)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	creds     []string // logins
	gameOvers []int64  // payout amounts
}

func (f *fakeNotifier) CredentialsIssued(_, login, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, login)
	return nil
}

func (f *fakeNotifier) GameEnded(_, _, _ string, payoutSats int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gameOvers = append(f.gameOvers, payoutSats)
	return nil
}
