package server

import (
	"context"
	"fmt"

	"github.com/hackpot/hackpot/lightning"
	"github.com/hackpot/hackpot/server/serverdb"
)

// Payout describes a prize actually sent to a winner.
type Payout struct {
	AmountSats int64
	Reference  string
}

// handleWin pays the drained pot to the winner's lightning address and
// restores the balance on failure. The drain is the mutual exclusion
// point: once it returns, no concurrent winner can claim the same sats,
// and the compensation credit of (pre - floor) puts back exactly what
// was taken while preserving any entry fees that landed in between.
func (s *Server) handleWin(ctx context.Context, sess *serverdb.Session) (*Payout, error) {
	if !lightning.ValidDestination(sess.LightningAddress) {
		return nil, fmt.Errorf("session %d has no payable lightning address (%q)",
			sess.ID, sess.LightningAddress)
	}

	floor := s.cfg.PotFloorSats
	pre, err := s.db.DrainPot(ctx, floor)
	if err != nil {
		return nil, fmt.Errorf("failed to drain pot: %w", err)
	}
	if pre <= 0 {
		return nil, fmt.Errorf("pot was empty at win time")
	}

	s.log.Infof("paying %d sats to %s for session %d",
		pre, sess.LightningAddress, sess.ID)
	payment, err := s.ln.PayAddress(ctx, sess.LightningAddress, pre)
	if err != nil {
		if _, rerr := s.db.AddToPot(ctx, pre-floor); rerr != nil {
			// Both the payout and the compensation failed; this needs a
			// human and the exact amount in the log.
			s.log.Criticalf("payout failed AND pot restore of %d sats failed: pay err %v, restore err %v",
				pre-floor, err, rerr)
			return nil, fmt.Errorf("payout and pot restore both failed: %w", rerr)
		}
		s.log.Errorf("payout of %d sats to %s failed, pot restored: %v",
			pre, sess.LightningAddress, err)
		return nil, fmt.Errorf("failed to pay winner: %w", err)
	}

	s.log.Infof("payout complete: %d sats, ref %s", pre, payment.Reference)
	return &Payout{AmountSats: pre, Reference: payment.Reference}, nil
}
