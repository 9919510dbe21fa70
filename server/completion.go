package server

import (
	"context"
	"errors"

	"github.com/hackpot/hackpot/server/serverdb"
	"github.com/hackpot/hackpot/xlog"
)

const (
	wizardTag  = "[WIZARD MODE] "
	exploreTag = "[EXPLORE MODE] "
)

// handleGameEnd settles one finished game: resolve the session from the
// log record's uid, pay out on a legitimate win, persist the outcome,
// and end the session. Records for uids with no live session are noise
// from other users of the host and are dropped.
func (s *Server) handleGameEnd(ctx context.Context, rec *xlog.Record) error {
	if !rec.HasUID {
		s.log.Warnf("game record for %q has no uid, cannot correlate", rec.Name)
		return nil
	}
	sess, err := s.db.SessionByExternalUID(ctx, rec.UID)
	if errors.Is(err, serverdb.ErrNotFound) {
		s.log.Debugf("no live session for uid %d (%s), ignoring record", rec.UID, rec.Name)
		return nil
	}
	if err != nil {
		return err
	}

	death := rec.Death
	score := rec.Points
	cheated := rec.Flags.Wizard || rec.Flags.Explore
	if rec.Flags.Wizard {
		death = wizardTag + death
	} else if rec.Flags.Explore {
		death = exploreTag + death
	}
	if cheated {
		// Debug-mode games never score and never pay.
		score = 0
	}

	won := rec.Won(s.winKeyword()) && !cheated
	game := &serverdb.GameOutcome{
		SessionID:   sess.ID,
		CharName:    rec.Name,
		DeathReason: death,
		Score:       score,
		Turns:       rec.Turns,
		Ascended:    won,
		Role:        rec.Role,
		Race:        rec.Race,
		Gender:      rec.Gender,
		Align:       rec.Align,
		DeathLev:    rec.DeathLev,
		HP:          rec.HP,
		MaxHP:       rec.MaxHP,
		Conduct:     rec.Conduct,
		Achieve:     rec.Achieve,
	}

	var paidSats int64
	if won {
		payout, err := s.handleWin(ctx, sess)
		if err != nil {
			// The win is still recorded; the payout column stays empty
			// so an operator can settle it by hand.
			s.log.Errorf("win payout for session %d failed: %v", sess.ID, err)
		} else {
			game.PayoutSats = &payout.AmountSats
			game.PayoutRef = payout.Reference
			paidSats = payout.AmountSats
		}
	}

	if _, err := s.db.CreateGame(ctx, game); err != nil {
		if errors.Is(err, serverdb.ErrDuplicateGame) {
			s.log.Debugf("session %d already has an outcome, ignoring record", sess.ID)
			return nil
		}
		return err
	}
	if err := s.db.MarkSessionEnded(ctx, sess.ID); err != nil {
		s.log.Errorf("failed to end session %d: %v", sess.ID, err)
	}
	s.log.Infof("session %d ended: %s, score %d, won=%v", sess.ID, death, score, won)

	// The attached terminal, if any, learns about the end immediately.
	if h, ok := s.bridges.LoadAndDelete(sess.ID); ok {
		h.(*bridgeHandle).cancel()
	}

	if err := s.mail.GameEnded(sess.Email, rec.Name, death, paidSats); err != nil {
		s.log.Warnf("game-over mail for session %d: %v", sess.ID, err)
	}
	if s.users != nil {
		if err := s.users.Deprovision(ctx, sess.Login); err != nil {
			s.log.Errorf("failed to deprovision %s: %v", sess.Login, err)
		}
	}
	return nil
}
