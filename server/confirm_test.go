package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hackpot/hackpot/server/serverdb"
)

func mkPendingSession(t *testing.T, s *Server, hash string) int64 {
	t.Helper()
	id, err := s.db.CreateSession(context.Background(), &serverdb.NewSession{
		Login:       "nh_pending1",
		Password:    "pw",
		AccessToken: "tok",
		PaymentHash: hash,
		AnteSats:    s.cfg.AnteSats,
		Email:       "p@example.com",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return id
}

func TestConfirmPaymentActivatesOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	id := mkPendingSession(t, s, "hash-1")

	const n = 8
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ConfirmPayment(ctx, "hash-1")
			if err != nil {
				t.Errorf("ConfirmPayment: %v", err)
				return
			}
			results <- res.Activated
		}()
	}
	wg.Wait()
	close(results)

	var activated int
	for a := range results {
		if a {
			activated++
		}
	}
	if activated != 1 {
		t.Fatalf("%d confirmations activated, want exactly 1", activated)
	}

	pot, err := s.db.PotBalance(ctx)
	if err != nil {
		t.Fatalf("PotBalance: %v", err)
	}
	if pot != 11000 {
		t.Fatalf("pot = %d, want 11000 (seed plus one ante)", pot)
	}
	sess, err := s.db.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != serverdb.StatusActive {
		t.Fatalf("session status = %q, want active", sess.Status)
	}
}

func TestConfirmPaymentUnknownHash(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.ConfirmPayment(context.Background(), "nope"); !errors.Is(err, serverdb.ErrNotFound) {
		t.Fatalf("unknown hash err = %v, want ErrNotFound", err)
	}
}

func TestConfirmProvisionsAndNotifies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	prov := &fakeProvisioner{uid: 1042}
	mail := &fakeNotifier{}
	s.users = prov
	s.mail = mail
	id := mkPendingSession(t, s, "hash-1")

	res, err := s.ConfirmPayment(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if !res.Activated {
		t.Fatal("first confirmation did not activate")
	}
	if res.Session.ExternalUID != 1042 {
		t.Fatalf("result uid = %d, want 1042", res.Session.ExternalUID)
	}
	sess, err := s.db.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.ExternalUID != 1042 {
		t.Fatalf("stored uid = %d, want 1042", sess.ExternalUID)
	}
	if len(prov.provisioned) != 1 || prov.provisioned[0] != "nh_pending1" {
		t.Fatalf("provisioned = %v", prov.provisioned)
	}
	if len(mail.creds) != 1 {
		t.Fatalf("credentials mails = %v", mail.creds)
	}

	// Replay: no second account, no second mail, and the returned
	// snapshot reflects the committed transition, not the pre-activation
	// read.
	res, err = s.ConfirmPayment(ctx, "hash-1")
	if err != nil {
		t.Fatalf("replay ConfirmPayment: %v", err)
	}
	if res.Activated {
		t.Fatal("replay activated again")
	}
	if res.Session.Status != serverdb.StatusActive {
		t.Fatalf("replay session status = %q, want active", res.Session.Status)
	}
	if res.Session.ExternalUID != 1042 {
		t.Fatalf("replay session uid = %d, want 1042", res.Session.ExternalUID)
	}
	if len(prov.provisioned) != 1 || len(mail.creds) != 1 {
		t.Fatalf("replay ran side effects: prov=%v mail=%v", prov.provisioned, mail.creds)
	}
}

func TestConfirmSurvivesProvisionFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	s.users = &fakeProvisioner{failProvision: true}
	id := mkPendingSession(t, s, "hash-1")

	res, err := s.ConfirmPayment(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if !res.Activated {
		t.Fatal("confirmation did not activate")
	}
	sess, err := s.db.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Status != serverdb.StatusActive {
		t.Fatalf("status = %q, want active despite provision failure", sess.Status)
	}
	if sess.ExternalUID != -1 {
		t.Fatalf("uid = %d, want -1 after provision failure", sess.ExternalUID)
	}
}
