// Package lightning abstracts the payment providers used to collect
// entry fees and push prize payouts.
package lightning

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Invoice is a pending entry-fee invoice. PaymentHash is the correlation
// key the provider echoes back in webhooks and status lookups.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	AmountSats     int64
	ExpiresAt      time.Time
}

// Payment is a completed outbound payout.
type Payment struct {
	Reference  string
	AmountSats int64
}

// Client is the provider surface needed by the arena: one inbound path
// (invoice plus paid-check) and one outbound path (pay a destination).
type Client interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
	InvoicePaid(ctx context.Context, paymentHash string) (bool, error)
	PayAddress(ctx context.Context, dest string, amountSats int64) (*Payment, error)
	Balance(ctx context.Context) (int64, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string // "strike", "lnbits", or "mock"
	APIKey   string
	BaseURL  string // override for tests; empty means the provider default
}

// New builds the configured provider client.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "strike":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("strike provider requires an api key")
		}
		return NewStrike(cfg.APIKey, cfg.BaseURL), nil
	case "lnbits":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("lnbits provider requires an api key")
		}
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("lnbits provider requires a base url")
		}
		return NewLNbits(cfg.APIKey, cfg.BaseURL), nil
	case "mock", "":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown lightning provider %q", cfg.Provider)
	}
}

// ValidDestination reports whether dest looks like a payable lightning
// destination: a user@domain lightning address or an LNURL string.
func ValidDestination(dest string) bool {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(dest), "lnurl") {
		return len(dest) > 8
	}
	at := strings.Index(dest, "@")
	if at <= 0 || at == len(dest)-1 {
		return false
	}
	domain := dest[at+1:]
	return strings.Contains(domain, ".") && !strings.ContainsAny(dest, " \t\n")
}

// btcAmount renders sats as the decimal BTC string provider APIs expect.
func btcAmount(sats int64) string {
	return fmt.Sprintf("%d.%08d", sats/1e8, sats%1e8)
}

// satsFromBTC parses a decimal BTC string back into sats, truncating
// past eight decimal places.
func satsFromBTC(s string) (int64, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" {
		whole = "0"
	}
	var sats int64
	if _, err := fmt.Sscanf(whole, "%d", &sats); err != nil {
		return 0, fmt.Errorf("bad btc amount %q: %w", s, err)
	}
	sats *= 1e8
	if frac != "" {
		if len(frac) > 8 {
			frac = frac[:8]
		}
		frac += strings.Repeat("0", 8-len(frac))
		var sub int64
		if _, err := fmt.Sscanf(frac, "%d", &sub); err != nil {
			return 0, fmt.Errorf("bad btc amount %q: %w", s, err)
		}
		sats += sub
	}
	return sats, nil
}
