package lightning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidDestination(t *testing.T) {
	tests := []struct {
		dest string
		want bool
	}{
		{"alice@getalby.com", true},
		{"nh_player@wallet.example.org", true},
		{"LNURL1DP68GURN8GHJ7MRWW4EXCTNXD9SHG6NPVCHXXMMD9AKXUATJDSKHQCTE", true},
		{"lnurl1dp68gurn8ghj7mrww4excw", true},
		{"", false},
		{"lnurl", false},
		{"@getalby.com", false},
		{"alice@", false},
		{"alice", false},
		{"alice@localhost", false},
		{"alice smith@wallet.com", false},
	}
	for _, tc := range tests {
		if got := ValidDestination(tc.dest); got != tc.want {
			t.Errorf("ValidDestination(%q) = %v, want %v", tc.dest, got, tc.want)
		}
	}
}

func TestBTCAmountRoundTrip(t *testing.T) {
	tests := []struct {
		sats int64
		str  string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{1000, "0.00001000"},
		{15000, "0.00015000"},
		{100_000_000, "1.00000000"},
		{123_456_789, "1.23456789"},
	}
	for _, tc := range tests {
		if got := btcAmount(tc.sats); got != tc.str {
			t.Errorf("btcAmount(%d) = %q, want %q", tc.sats, got, tc.str)
		}
		back, err := satsFromBTC(tc.str)
		if err != nil {
			t.Errorf("satsFromBTC(%q): %v", tc.str, err)
			continue
		}
		if back != tc.sats {
			t.Errorf("satsFromBTC(%q) = %d, want %d", tc.str, back, tc.sats)
		}
	}
	if _, err := satsFromBTC("not-a-number"); err == nil {
		t.Error("satsFromBTC accepted garbage")
	}
}

func TestStrikeInvoiceFlow(t *testing.T) {
	var gotAuth, gotAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /invoices":
			gotAuth = r.Header.Get("Authorization")
			var body struct {
				Amount struct {
					Amount string `json:"amount"`
				} `json:"amount"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			gotAmount = body.Amount.Amount
			json.NewEncoder(w).Encode(map[string]string{"invoiceId": "inv-123"})
		case "POST /invoices/inv-123/quote":
			json.NewEncoder(w).Encode(map[string]any{
				"lnInvoice":       "lnbc10u1p...",
				"expirationInSec": 300,
			})
		case "GET /invoices/inv-123":
			json.NewEncoder(w).Encode(map[string]string{"state": "PAID"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewStrike("test-key", srv.URL)
	inv, err := c.CreateInvoice(context.Background(), 1000, "entry fee")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotAmount != "0.00001000" {
		t.Fatalf("invoice amount = %q, want 0.00001000", gotAmount)
	}
	if inv.PaymentHash != "inv-123" || inv.PaymentRequest != "lnbc10u1p..." {
		t.Fatalf("invoice = %+v", inv)
	}

	paid, err := c.InvoicePaid(context.Background(), "inv-123")
	if err != nil {
		t.Fatalf("InvoicePaid: %v", err)
	}
	if !paid {
		t.Fatal("PAID invoice reported unpaid")
	}
}

func TestStrikePayAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /payment-quotes/lightning/lnurl":
			var body struct {
				LnAddressOrURL string `json:"lnAddressOrUrl"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.LnAddressOrURL != "winner@getalby.com" {
				t.Errorf("quote destination = %q", body.LnAddressOrURL)
			}
			json.NewEncoder(w).Encode(map[string]string{"paymentQuoteId": "pq-9"})
		case "PATCH /payment-quotes/pq-9/execute":
			json.NewEncoder(w).Encode(map[string]string{
				"paymentId": "pay-42", "state": "COMPLETED",
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewStrike("test-key", srv.URL)
	p, err := c.PayAddress(context.Background(), "winner@getalby.com", 15000)
	if err != nil {
		t.Fatalf("PayAddress: %v", err)
	}
	if p.Reference != "pay-42" || p.AmountSats != 15000 {
		t.Fatalf("payment = %+v", p)
	}

	if _, err := c.PayAddress(context.Background(), "not a destination", 15000); err == nil {
		t.Fatal("PayAddress accepted an invalid destination")
	}
}

func TestStrikeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":401}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewStrike("bad-key", srv.URL)
	if _, err := c.CreateInvoice(context.Background(), 1000, "x"); err == nil {
		t.Fatal("CreateInvoice succeeded against a 401 server")
	}
}

func TestMockLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMock()

	inv, err := m.CreateInvoice(ctx, 1000, "entry fee")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	paid, err := m.InvoicePaid(ctx, inv.PaymentHash)
	if err != nil {
		t.Fatalf("InvoicePaid: %v", err)
	}
	if paid {
		t.Fatal("fresh invoice reported paid")
	}
	m.MarkPaid(inv.PaymentHash)
	if paid, _ = m.InvoicePaid(ctx, inv.PaymentHash); !paid {
		t.Fatal("settled invoice reported unpaid")
	}
	if _, err := m.InvoicePaid(ctx, "nope"); err == nil {
		t.Fatal("unknown invoice did not error")
	}

	p, err := m.PayAddress(ctx, "winner@getalby.com", 15000)
	if err != nil {
		t.Fatalf("PayAddress: %v", err)
	}
	if got := m.Payouts(); len(got) != 1 || got[0].Reference != p.Reference {
		t.Fatalf("payouts = %+v", got)
	}

	m.FailPayouts = true
	if _, err := m.PayAddress(ctx, "winner@getalby.com", 1); err == nil {
		t.Fatal("PayAddress succeeded with FailPayouts set")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	if _, err := New(Config{Provider: "strike"}); err == nil {
		t.Fatal("strike without api key accepted")
	}
	if _, err := New(Config{Provider: "lnbits", APIKey: "k"}); err == nil {
		t.Fatal("lnbits without base url accepted")
	}
	if _, err := New(Config{Provider: "bogus"}); err == nil {
		t.Fatal("unknown provider accepted")
	}
	c, err := New(Config{Provider: "mock"})
	if err != nil {
		t.Fatalf("mock provider: %v", err)
	}
	if _, ok := c.(*Mock); !ok {
		t.Fatalf("mock provider built %T", c)
	}
	c, err = New(Config{Provider: "strike", APIKey: "k"})
	if err != nil {
		t.Fatalf("strike provider: %v", err)
	}
	if _, ok := c.(*Strike); !ok {
		t.Fatalf("strike provider built %T", c)
	}
}
