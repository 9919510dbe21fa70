package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var resp map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func TestPlayToActivationFlow(t *testing.T) {
	s, ln := newTestServer(t)
	h := s.routes()

	rr, resp := doJSON(t, h, "POST", "/api/play", map[string]string{
		"lightning_address": "player@getalby.com",
		"email":             "p@example.com",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("play status = %d: %s", rr.Code, rr.Body.String())
	}
	hash, _ := resp["payment_hash"].(string)
	if hash == "" || resp["payment_request"] == "" || resp["access_token"] == "" {
		t.Fatalf("play response = %v", resp)
	}
	if resp["amount_sats"].(float64) != 1000 {
		t.Fatalf("amount_sats = %v, want 1000", resp["amount_sats"])
	}

	// Webhook before payment settles: refused, nothing activates.
	rr, _ = doJSON(t, h, "POST", "/api/webhook/payment", map[string]string{"payment_hash": hash})
	if rr.Code != http.StatusConflict {
		t.Fatalf("unpaid webhook status = %d", rr.Code)
	}

	ln.MarkPaid(hash)
	rr, resp = doJSON(t, h, "POST", "/api/webhook/payment", map[string]string{"payment_hash": hash})
	if rr.Code != http.StatusOK {
		t.Fatalf("paid webhook status = %d: %s", rr.Code, rr.Body.String())
	}
	if resp["activated"] != true {
		t.Fatalf("webhook response = %v", resp)
	}

	// Replayed delivery is acknowledged without re-activating.
	rr, resp = doJSON(t, h, "POST", "/api/webhook/payment", map[string]string{"payment_hash": hash})
	if rr.Code != http.StatusOK || resp["activated"] != false {
		t.Fatalf("replay webhook = %d %v", rr.Code, resp)
	}

	pot, err := s.db.PotBalance(context.Background())
	if err != nil {
		t.Fatalf("PotBalance: %v", err)
	}
	if pot != 11000 {
		t.Fatalf("pot = %d, want 11000", pot)
	}
}

func TestPlayRejectsBadAddress(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), "POST", "/api/play", map[string]string{
		"lightning_address": "not an address",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestPlayArenaFull(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.MaxActiveSessions = 1
	mkActiveSession(t, s, -1)
	rr, _ := doJSON(t, s.routes(), "POST", "/api/play", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	s, ln := newTestServer(t)
	s.cfg.WebhookSecret = "hunter2"
	h := s.routes()

	inv, err := ln.CreateInvoice(context.Background(), 1000, "x")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	ln.MarkPaid(inv.PaymentHash)
	mkPendingSession(t, s, inv.PaymentHash)

	body, _ := json.Marshal(map[string]string{"payment_hash": inv.PaymentHash})

	// Missing and wrong signatures are refused.
	req := httptest.NewRequest("POST", "/api/webhook/payment", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook status = %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/api/webhook/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("badly signed webhook status = %d", rr.Code)
	}

	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(body)
	req = httptest.NewRequest("POST", "/api/webhook/payment", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("signed webhook status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionPollConfirmsPaidInvoice(t *testing.T) {
	s, ln := newTestServer(t)
	h := s.routes()

	rr, resp := doJSON(t, h, "POST", "/api/play", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("play status = %d", rr.Code)
	}
	id := int64(resp["session_id"].(float64))
	hash := resp["payment_hash"].(string)

	// Unpaid: the poll reports pending.
	rr, resp = doJSON(t, h, "GET", fmt.Sprintf("/api/session/%d", id), nil)
	if rr.Code != http.StatusOK || resp["status"] != "pending" {
		t.Fatalf("unpaid poll = %d %v", rr.Code, resp)
	}

	// Paid but no webhook delivered: the poll itself confirms.
	ln.MarkPaid(hash)
	rr, resp = doJSON(t, h, "GET", fmt.Sprintf("/api/session/%d", id), nil)
	if rr.Code != http.StatusOK || resp["status"] != "active" {
		t.Fatalf("paid poll = %d %v", rr.Code, resp)
	}
	pot, err := s.db.PotBalance(context.Background())
	if err != nil {
		t.Fatalf("PotBalance: %v", err)
	}
	if pot != 11000 {
		t.Fatalf("pot = %d, want 11000", pot)
	}
}

func TestSessionEndpointHidesCredentials(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()
	sess := mkActiveSession(t, s, -1)

	// Without the token: status only.
	rr, resp := doJSON(t, h, "GET", fmt.Sprintf("/api/session/%d", sess.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp["status"] != "active" {
		t.Fatalf("response = %v", resp)
	}
	if _, leaked := resp["password"]; leaked {
		t.Fatalf("credentials leaked without token: %v", resp)
	}

	// With the token: shell credentials included.
	rr, resp = doJSON(t, h, "GET",
		fmt.Sprintf("/api/session/%d?token=%s", sess.ID, sess.AccessToken), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp["login"] != sess.Login || resp["password"] != sess.Password || resp["ssh_host"] != "arena.test" {
		t.Fatalf("response = %v", resp)
	}

	rr, _ = doJSON(t, h, "GET", "/api/session/999", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d", rr.Code)
	}
}

func TestSetAddress(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()
	sess := mkActiveSession(t, s, -1)
	path := fmt.Sprintf("/api/session/%d/address", sess.ID)

	rr, _ := doJSON(t, h, "POST", path+"?token=wrong",
		map[string]string{"lightning_address": "new@getalby.com"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("bad token status = %d", rr.Code)
	}

	rr, _ = doJSON(t, h, "POST", path+"?token="+sess.AccessToken,
		map[string]string{"lightning_address": "junk"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad address status = %d", rr.Code)
	}

	rr, _ = doJSON(t, h, "POST", path+"?token="+sess.AccessToken,
		map[string]string{"lightning_address": "new@getalby.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("set address status = %d: %s", rr.Code, rr.Body.String())
	}
	after, err := s.db.Session(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if after.LightningAddress != "new@getalby.com" {
		t.Fatalf("address = %q", after.LightningAddress)
	}
}

func TestPotStatsHealth(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.routes()

	rr, resp := doJSON(t, h, "GET", "/api/pot", nil)
	if rr.Code != http.StatusOK || resp["balance_sats"].(float64) != 10000 {
		t.Fatalf("pot = %d %v", rr.Code, resp)
	}

	rr, resp = doJSON(t, h, "GET", "/api/stats", nil)
	if rr.Code != http.StatusOK || resp["total_games"].(float64) != 0 {
		t.Fatalf("stats = %d %v", rr.Code, resp)
	}

	rr, resp = doJSON(t, h, "GET", "/api/health", nil)
	if rr.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health = %d %v", rr.Code, resp)
	}
}
