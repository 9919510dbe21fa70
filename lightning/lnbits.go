package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LNbits talks to an LNbits wallet. Amounts on the wire are sats for
// invoices and millisats for balances and lnurl payouts.
type LNbits struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

var _ Client = (*LNbits)(nil)

func NewLNbits(apiKey, baseURL string) *LNbits {
	return &LNbits{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LNbits) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", l.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("lnbits %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lnbits %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (l *LNbits) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	var created struct {
		PaymentHash    string `json:"payment_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	err := l.do(ctx, http.MethodPost, "/api/v1/payments", map[string]any{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
	}, &created)
	if err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentHash:    created.PaymentHash,
		PaymentRequest: created.PaymentRequest,
		AmountSats:     amountSats,
		ExpiresAt:      time.Now().Add(time.Hour),
	}, nil
}

func (l *LNbits) InvoicePaid(ctx context.Context, paymentHash string) (bool, error) {
	var status struct {
		Paid bool `json:"paid"`
	}
	if err := l.do(ctx, http.MethodGet, "/api/v1/payments/"+paymentHash, nil, &status); err != nil {
		return false, err
	}
	return status.Paid, nil
}

func (l *LNbits) PayAddress(ctx context.Context, dest string, amountSats int64) (*Payment, error) {
	if !ValidDestination(dest) {
		return nil, fmt.Errorf("invalid lightning destination %q", dest)
	}
	var scan struct {
		Callback    string `json:"callback"`
		MinSendable int64  `json:"minSendable"` // millisats
		MaxSendable int64  `json:"maxSendable"`
	}
	err := l.do(ctx, http.MethodGet, "/api/v1/lnurlscan/"+url.PathEscape(dest), nil, &scan)
	if err != nil {
		return nil, err
	}
	msats := amountSats * 1000
	if scan.MinSendable > 0 && msats < scan.MinSendable {
		return nil, fmt.Errorf("payout %d sats below destination minimum", amountSats)
	}
	if scan.MaxSendable > 0 && msats > scan.MaxSendable {
		return nil, fmt.Errorf("payout %d sats above destination maximum", amountSats)
	}
	var paid struct {
		PaymentHash string `json:"payment_hash"`
	}
	err = l.do(ctx, http.MethodPost, "/api/v1/payments/lnurl", map[string]any{
		"callback":    scan.Callback,
		"amount":      msats,
		"description": "hackpot prize payout",
	}, &paid)
	if err != nil {
		return nil, err
	}
	return &Payment{Reference: paid.PaymentHash, AmountSats: amountSats}, nil
}

func (l *LNbits) Balance(ctx context.Context) (int64, error) {
	var wallet struct {
		Balance int64 `json:"balance"` // millisats
	}
	if err := l.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &wallet); err != nil {
		return 0, err
	}
	return wallet.Balance / 1000, nil
}
