package payments

import (
	"context"
	"strings"
	"sync"

	"homestay/internal/domain"

	"github.com/google/uuid"
)

// MockGateway stands in for the real gateway when no secret key is configured.
// Sessions live in memory and read as paid when AutoPay is set or after MarkPaid.
type MockGateway struct {
	AutoPay bool

	mu       sync.Mutex
	sessions map[string]*Session
	refunds  []string
}

var _ Gateway = (*MockGateway)(nil)

func NewMockGateway(autoPay bool) *MockGateway {
	return &MockGateway{AutoPay: autoPay, sessions: make(map[string]*Session)}
}

func (g *MockGateway) Mock() bool { return true }

func (g *MockGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (*Session, error) {
	id := "mock_" + uuid.NewString()
	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}

	s := &Session{
		ID:              id,
		URL:             strings.ReplaceAll(p.SuccessURL, SessionIDPlaceholder, id),
		Paid:            g.AutoPay,
		PaymentIntentID: "pi_" + id,
		AmountTotal:     p.LineItem.UnitAmount * p.LineItem.Quantity,
		Metadata:        meta,
		Mock:            true,
	}

	g.mu.Lock()
	g.sessions[id] = s
	g.mu.Unlock()

	cp := *s
	return &cp, nil
}

func (g *MockGateway) RetrieveSession(_ context.Context, sessionID string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, domain.ErrInvalidSession
	}
	cp := *s
	return &cp, nil
}

// MarkPaid flips a session to paid.
func (g *MockGateway) MarkPaid(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if ok {
		s.Paid = true
	}
	return ok
}

func (g *MockGateway) ParseWebhook([]byte, string) (*WebhookEvent, error) {
	return nil, domain.ErrGatewayUnavailable
}

func (g *MockGateway) Refund(_ context.Context, paymentIntentID string, _ int64, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, paymentIntentID)
	return "re_" + paymentIntentID, nil
}

// Refunds lists refunded payment intents.
func (g *MockGateway) Refunds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunds...)
}
