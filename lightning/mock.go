package lightning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-memory provider for development and tests. Invoices are
// never paid until MarkPaid is called; payouts always succeed unless
// FailPayouts is set.
type Mock struct {
	mu          sync.Mutex
	paid        map[string]bool
	payouts     []Payment
	FailPayouts bool
	BalanceSats int64
}

var _ Client = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{paid: make(map[string]bool), BalanceSats: 1_000_000}
}

func (m *Mock) CreateInvoice(_ context.Context, amountSats int64, memo string) (*Invoice, error) {
	hash := uuid.NewString()
	m.mu.Lock()
	m.paid[hash] = false
	m.mu.Unlock()
	return &Invoice{
		PaymentHash:    hash,
		PaymentRequest: "lnbcmock" + hash,
		AmountSats:     amountSats,
		ExpiresAt:      time.Now().Add(time.Hour),
	}, nil
}

func (m *Mock) InvoicePaid(_ context.Context, paymentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paid, ok := m.paid[paymentHash]
	if !ok {
		return false, fmt.Errorf("unknown invoice %q", paymentHash)
	}
	return paid, nil
}

// MarkPaid settles a mock invoice, simulating an inbound payment.
func (m *Mock) MarkPaid(paymentHash string) {
	m.mu.Lock()
	m.paid[paymentHash] = true
	m.mu.Unlock()
}

func (m *Mock) PayAddress(_ context.Context, dest string, amountSats int64) (*Payment, error) {
	if !ValidDestination(dest) {
		return nil, fmt.Errorf("invalid lightning destination %q", dest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPayouts {
		return nil, fmt.Errorf("mock payout failure")
	}
	p := Payment{Reference: "mock-" + uuid.NewString(), AmountSats: amountSats}
	m.payouts = append(m.payouts, p)
	m.BalanceSats -= amountSats
	return &p, nil
}

// Payouts returns a copy of every successful mock payout.
func (m *Mock) Payouts() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payment, len(m.payouts))
	copy(out, m.payouts)
	return out
}

func (m *Mock) Balance(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BalanceSats, nil
}
