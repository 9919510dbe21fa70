package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const strikeDefaultURL = "https://api.strike.me/v1"

// Strike talks to the Strike REST API. Strike has no direct bolt11
// endpoint, so invoices are a two-step issue-then-quote flow and payouts
// go through payment quotes. The Strike invoiceId doubles as the
// correlation key reported as PaymentHash.
type Strike struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

var _ Client = (*Strike)(nil)

func NewStrike(apiKey, baseURL string) *Strike {
	if baseURL == "" {
		baseURL = strikeDefaultURL
	}
	return &Strike{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

type strikeAmount struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Strike) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("strike %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("strike %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Strike) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	var created struct {
		InvoiceID string `json:"invoiceId"`
	}
	err := s.do(ctx, http.MethodPost, "/invoices", map[string]any{
		"correlationId": uuid.NewString(),
		"description":   memo,
		"amount":        strikeAmount{Currency: "BTC", Amount: btcAmount(amountSats)},
	}, &created)
	if err != nil {
		return nil, err
	}
	var quote struct {
		LnInvoice       string `json:"lnInvoice"`
		ExpirationInSec int64  `json:"expirationInSec"`
	}
	err = s.do(ctx, http.MethodPost, "/invoices/"+created.InvoiceID+"/quote", struct{}{}, &quote)
	if err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentHash:    created.InvoiceID,
		PaymentRequest: quote.LnInvoice,
		AmountSats:     amountSats,
		ExpiresAt:      time.Now().Add(time.Duration(quote.ExpirationInSec) * time.Second),
	}, nil
}

func (s *Strike) InvoicePaid(ctx context.Context, paymentHash string) (bool, error) {
	var inv struct {
		State string `json:"state"`
	}
	if err := s.do(ctx, http.MethodGet, "/invoices/"+paymentHash, nil, &inv); err != nil {
		return false, err
	}
	return inv.State == "PAID", nil
}

func (s *Strike) PayAddress(ctx context.Context, dest string, amountSats int64) (*Payment, error) {
	if !ValidDestination(dest) {
		return nil, fmt.Errorf("invalid lightning destination %q", dest)
	}
	var quote struct {
		PaymentQuoteID string `json:"paymentQuoteId"`
	}
	err := s.do(ctx, http.MethodPost, "/payment-quotes/lightning/lnurl", map[string]any{
		"lnAddressOrUrl": dest,
		"sourceCurrency": "BTC",
		"amount":         strikeAmount{Currency: "BTC", Amount: btcAmount(amountSats)},
	}, &quote)
	if err != nil {
		return nil, err
	}
	var exec struct {
		PaymentID string `json:"paymentId"`
		State     string `json:"state"`
	}
	err = s.do(ctx, http.MethodPatch, "/payment-quotes/"+quote.PaymentQuoteID+"/execute", struct{}{}, &exec)
	if err != nil {
		return nil, err
	}
	if exec.State != "COMPLETED" && exec.State != "PENDING" {
		return nil, fmt.Errorf("strike payment %s ended in state %q", exec.PaymentID, exec.State)
	}
	ref := exec.PaymentID
	if ref == "" {
		ref = quote.PaymentQuoteID
	}
	return &Payment{Reference: ref, AmountSats: amountSats}, nil
}

func (s *Strike) Balance(ctx context.Context) (int64, error) {
	var balances []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := s.do(ctx, http.MethodGet, "/balances", nil, &balances); err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Currency == "BTC" {
			return satsFromBTC(b.Available)
		}
	}
	return 0, nil
}
