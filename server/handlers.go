package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hackpot/hackpot/lightning"
	"github.com/hackpot/hackpot/server/serverdb"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("GET /api/session/{id}", s.handleSession)
	mux.HandleFunc("POST /api/session/{id}/address", s.handleSetAddress)
	mux.HandleFunc("POST /api/webhook/payment", s.handlePaymentWebhook)
	mux.HandleFunc("GET /api/pot", s.handlePot)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /ws/terminal/{id}", websocket.Handler(s.AttachTerminal))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handlePlay issues a new entry: throwaway credentials, an invoice for
// the ante, and a pending session tying them together.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LightningAddress string `json:"lightning_address"`
		Email            string `json:"email"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LightningAddress != "" && !lightning.ValidDestination(req.LightningAddress) {
		writeError(w, http.StatusBadRequest, "lightning_address is not payable")
		return
	}

	active, err := s.db.CountActiveSessions(r.Context())
	if err != nil {
		s.log.Errorf("play: count active: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if active >= s.cfg.MaxActiveSessions {
		writeError(w, http.StatusServiceUnavailable, "arena is full, try again later")
		return
	}

	login, err := generateLogin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	password, err := generateSecret(12)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token, err := generateSecret(24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	inv, err := s.ln.CreateInvoice(r.Context(), s.cfg.AnteSats, "hackpot entry fee")
	if err != nil {
		s.log.Errorf("play: create invoice: %v", err)
		writeError(w, http.StatusBadGateway, "could not create invoice")
		return
	}

	id, err := s.db.CreateSession(r.Context(), &serverdb.NewSession{
		Login:            login,
		Password:         password,
		AccessToken:      token,
		PaymentHash:      inv.PaymentHash,
		AnteSats:         s.cfg.AnteSats,
		LightningAddress: req.LightningAddress,
		Email:            req.Email,
	})
	if err != nil {
		s.log.Errorf("play: create session: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Infof("session %d created, invoice %s for %d sats", id, inv.PaymentHash, inv.AmountSats)

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":      id,
		"access_token":    token,
		"payment_hash":    inv.PaymentHash,
		"payment_request": inv.PaymentRequest,
		"amount_sats":     inv.AmountSats,
		"expires_at":      inv.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// sessionFromPath resolves {id}, or writes a 404 and returns nil.
func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) *serverdb.Session {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "no such session")
		return nil
	}
	sess, err := s.db.Session(r.Context(), id)
	if errors.Is(err, serverdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such session")
		return nil
	}
	if err != nil {
		s.log.Errorf("session %d lookup: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	return sess
}

func tokenMatches(r *http.Request, sess *serverdb.Session) bool {
	token := r.URL.Query().Get("token")
	return token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(sess.AccessToken)) == 1
}

// handleSession reports session status. A pending session is re-checked
// against the provider first, so a paid invoice whose webhook never
// arrived still activates on the next status poll. Shell credentials are
// included only when the caller presents the session's access token.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromPath(w, r)
	if sess == nil {
		return
	}
	if sess.Status == serverdb.StatusPending {
		if paid, err := s.ln.InvoicePaid(r.Context(), sess.PaymentHash); err != nil {
			s.log.Warnf("poll: paid check for session %d: %v", sess.ID, err)
		} else if paid {
			if res, err := s.ConfirmPayment(r.Context(), sess.PaymentHash); err != nil {
				s.log.Errorf("poll: confirm for session %d: %v", sess.ID, err)
			} else {
				sess = res.Session
			}
		}
	}
	resp := map[string]any{
		"session_id": sess.ID,
		"status":     string(sess.Status),
		"created_at": sess.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !sess.EndedAt.IsZero() {
		resp["ended_at"] = sess.EndedAt.UTC().Format(time.RFC3339)
	}
	if tokenMatches(r, sess) && sess.Status.Playable() {
		resp["login"] = sess.Login
		resp["password"] = sess.Password
		resp["ssh_host"] = s.cfg.PublicHost
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetAddress lets a player set or fix the payout address at any
// point before the game ends.
func (s *Server) handleSetAddress(w http.ResponseWriter, r *http.Request) {
	sess := s.sessionFromPath(w, r)
	if sess == nil {
		return
	}
	if !tokenMatches(r, sess) {
		writeError(w, http.StatusForbidden, "bad access token")
		return
	}
	if sess.Status == serverdb.StatusEnded {
		writeError(w, http.StatusConflict, "session has ended")
		return
	}
	var req struct {
		LightningAddress string `json:"lightning_address"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !lightning.ValidDestination(req.LightningAddress) {
		writeError(w, http.StatusBadRequest, "lightning_address is not payable")
		return
	}
	if err := s.db.SetLightningAddress(r.Context(), sess.ID, req.LightningAddress); err != nil {
		s.log.Errorf("set address for session %d: %v", sess.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePaymentWebhook takes provider payment notifications. The
// payload is authenticated by HMAC and the paid state is re-checked
// against the provider, so a forged or stale notification can never
// activate a session.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if s.cfg.WebhookSecret != "" {
		sig := r.Header.Get("X-Webhook-Signature")
		if !verifySignature(s.cfg.WebhookSecret, body, sig) {
			writeError(w, http.StatusUnauthorized, "bad signature")
			return
		}
	}

	hash := paymentHashFromWebhook(body)
	if hash == "" {
		writeError(w, http.StatusBadRequest, "no payment reference in payload")
		return
	}

	paid, err := s.ln.InvoicePaid(r.Context(), hash)
	if err != nil {
		s.log.Errorf("webhook: paid check for %s: %v", hash, err)
		writeError(w, http.StatusBadGateway, "provider check failed")
		return
	}
	if !paid {
		writeError(w, http.StatusConflict, "invoice is not paid")
		return
	}

	res, err := s.ConfirmPayment(r.Context(), hash)
	if errors.Is(err, serverdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown payment")
		return
	}
	if err != nil {
		s.log.Errorf("webhook: confirm %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": res.Session.ID,
		"activated":  res.Activated,
	})
}

// verifySignature checks a hex HMAC-SHA256 of the raw body.
func verifySignature(secret string, body []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// paymentHashFromWebhook digs the payment reference out of either a
// flat payload or a Strike-style event envelope.
func paymentHashFromWebhook(body []byte) string {
	var payload struct {
		PaymentHash string `json:"payment_hash"`
		Data        struct {
			EntityID string `json:"entityId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.PaymentHash != "" {
		return payload.PaymentHash
	}
	return payload.Data.EntityID
}

func (s *Server) handlePot(w http.ResponseWriter, r *http.Request) {
	balance, err := s.db.PotBalance(r.Context())
	if err != nil {
		s.log.Errorf("pot balance: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance_sats": balance})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats(r.Context())
	if err != nil {
		s.log.Errorf("stats: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	recent, err := s.db.RecentGames(r.Context(), 20)
	if err != nil {
		s.log.Errorf("recent games: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	board, err := s.db.Leaderboard(r.Context(), 10)
	if err != nil {
		s.log.Errorf("leaderboard: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	asc, err := s.db.Ascensions(r.Context())
	if err != nil {
		s.log.Errorf("ascensions: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_games":      stats.TotalGames,
		"total_ascensions": stats.TotalAscensions,
		"high_score":       stats.HighScore,
		"avg_score":        stats.AvgScore,
		"recent":           gamesJSON(recent),
		"leaderboard":      gamesJSON(board),
		"ascensions":       gamesJSON(asc),
	})
}

func gamesJSON(games []serverdb.GameOutcome) []map[string]any {
	out := make([]map[string]any, 0, len(games))
	for _, g := range games {
		item := map[string]any{
			"char_name":    g.CharName,
			"death_reason": g.DeathReason,
			"score":        g.Score,
			"turns":        g.Turns,
			"ascended":     g.Ascended,
			"role":         g.Role,
			"race":         g.Race,
			"ended_at":     g.EndedAt.UTC().Format(time.RFC3339),
		}
		if g.PayoutSats != nil {
			item["payout_sats"] = *g.PayoutSats
		}
		out = append(out, item)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    name,
		"version": version,
	})
}
