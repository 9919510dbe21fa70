package server

import (
	"context"
	"fmt"

	"github.com/hackpot/hackpot/server/serverdb"
)

// ConfirmResult reports the outcome of a payment confirmation. Replays
// of an already-processed payment come back with Activated false and
// no side effects.
type ConfirmResult struct {
	Activated  bool
	Session    *serverdb.Session
	PotBalance int64
}

// ConfirmPayment is the single entry point for settled entry fees,
// reached from both the provider webhook and the poll fallback. The
// session's pending->active transition and the pot credit happen in one
// database transaction, so concurrent deliveries of the same payment
// activate exactly once.
func (s *Server) ConfirmPayment(ctx context.Context, paymentHash string) (*ConfirmResult, error) {
	sess, err := s.db.SessionByPaymentHash(ctx, paymentHash)
	if err != nil {
		return nil, err
	}

	activated, pot, err := s.db.ActivateSession(ctx, sess.ID, sess.AnteSats)
	if err != nil {
		return nil, fmt.Errorf("failed to activate session %d: %w", sess.ID, err)
	}
	if !activated {
		// The snapshot read above may predate a concurrent activation, so
		// re-fetch to hand back the post-transition state.
		sess, err = s.db.Session(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		s.log.Debugf("payment %s already processed (session %d, status %s)",
			paymentHash, sess.ID, sess.Status)
		return &ConfirmResult{Session: sess}, nil
	}
	sess.Status = serverdb.StatusActive
	s.log.Infof("payment %s confirmed: session %d active, pot %d sats",
		paymentHash, sess.ID, pot)

	// Account provisioning and mail are best effort. The activation and
	// pot credit above are already durable; a provisioning failure is
	// repaired operationally, never by unwinding the payment.
	if s.users != nil {
		uid, err := s.users.Provision(ctx, sess.Login, sess.Password)
		if err != nil {
			s.log.Errorf("failed to provision account for session %d: %v", sess.ID, err)
		} else if err := s.db.SetExternalUID(ctx, sess.ID, uid); err != nil {
			s.log.Errorf("failed to record uid %d for session %d: %v", uid, sess.ID, err)
		} else {
			sess.ExternalUID = uid
		}
	}
	if err := s.mail.CredentialsIssued(sess.Email, sess.Login, sess.Password, s.cfg.PublicHost); err != nil {
		s.log.Warnf("credentials mail for session %d: %v", sess.ID, err)
	}

	return &ConfirmResult{Activated: true, Session: sess, PotBalance: pot}, nil
}
