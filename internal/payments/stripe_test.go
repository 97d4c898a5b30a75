package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homestay/internal/domain"

	"github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func newFakeStripe(t *testing.T, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeGatewayWithBackend("sk_test_123", testWebhookSecret, backend)
}

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeGateway_CreateCheckoutSession(t *testing.T) {
	var form map[string][]string
	g := newFakeStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_test_1","payment_status":"unpaid","amount_total":42000}`)
	})

	s, err := g.CreateCheckoutSession(context.Background(), CheckoutParams{
		LineItem:   LineItem{Name: "Cabin", Description: "3 nights • 4 guests", Currency: "usd", UnitAmount: 42000, Quantity: 1},
		SuccessURL: "http://client/?payment=success&session_id=" + SessionIDPlaceholder,
		CancelURL:  "http://client/?payment=cancelled",
		Metadata:   map[string]string{"listingId": "7"},
	})
	require.NoError(t, err)

	assert.Equal(t, "cs_test_1", s.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", s.URL)
	assert.False(t, s.Paid)
	assert.Equal(t, []string{"42000"}, form["line_items[0][price_data][unit_amount]"])
	assert.Equal(t, []string{"usd"}, form["line_items[0][price_data][currency]"])
	assert.Equal(t, []string{"7"}, form["metadata[listingId]"])
	assert.Equal(t, []string{"payment"}, form["mode"])
}

func TestStripeGateway_RetrieveSession(t *testing.T) {
	g := newFakeStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions/cs_paid", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_paid","object":"checkout.session","payment_status":"paid","payment_intent":"pi_123","metadata":{"userId":"5"}}`)
	})

	s, err := g.RetrieveSession(context.Background(), "cs_paid")
	require.NoError(t, err)
	assert.True(t, s.Paid)
	assert.Equal(t, "pi_123", s.PaymentIntentID)
	assert.Equal(t, "5", s.Metadata["userId"])
}

func TestStripeGateway_RetrieveSessionError(t *testing.T) {
	g := newFakeStripe(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"No such checkout.session"}}`)
	})

	_, err := g.RetrieveSession(context.Background(), "cs_missing")
	assert.Error(t, err)
}

func TestStripeGateway_Refund(t *testing.T) {
	var form map[string][]string
	var idem string
	g := newFakeStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		idem = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"re_1","object":"refund","status":"succeeded"}`)
	})

	id, err := g.Refund(context.Background(), "pi_123", 30000, "refund-cs_1")
	require.NoError(t, err)
	assert.Equal(t, "re_1", id)
	assert.Equal(t, []string{"pi_123"}, form["payment_intent"])
	assert.Equal(t, []string{"30000"}, form["amount"])
	assert.Equal(t, "refund-cs_1", idem)
}

func TestStripeGateway_ParseWebhook(t *testing.T) {
	g := NewStripeGateway("sk_test_123", testWebhookSecret)
	now := time.Now()

	t.Run("CheckoutCompleted", func(t *testing.T) {
		payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","payment_status":"paid","payment_intent":"pi_9","metadata":{"listingId":"3"}}}}`)

		ev, err := g.ParseWebhook(payload, sign(payload, testWebhookSecret, now))
		require.NoError(t, err)
		assert.Equal(t, EventCheckoutCompleted, ev.Type)
		require.NotNil(t, ev.Session)
		assert.Equal(t, "cs_1", ev.Session.ID)
		assert.True(t, ev.Session.Paid)
		assert.Equal(t, "pi_9", ev.Session.PaymentIntentID)
		assert.Equal(t, "3", ev.Session.Metadata["listingId"])
	})

	t.Run("PaymentFailed", func(t *testing.T) {
		payload := []byte(`{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_bad","object":"payment_intent","last_payment_error":{"message":"card declined"}}}}`)

		ev, err := g.ParseWebhook(payload, sign(payload, testWebhookSecret, now))
		require.NoError(t, err)
		assert.Equal(t, "pi_bad", ev.PaymentIntentID)
		assert.Equal(t, "card declined", ev.FailureMessage)
	})

	t.Run("BadSignature", func(t *testing.T) {
		payload := []byte(`{"id":"evt_3","object":"event","type":"checkout.session.completed","data":{"object":{}}}`)

		_, err := g.ParseWebhook(payload, sign(payload, "whsec_other", now))
		assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	})

	t.Run("NoSecret", func(t *testing.T) {
		_, err := NewStripeGateway("sk_test_123", "").ParseWebhook([]byte(`{}`), "t=1,v1=00")
		assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	})
}

func TestMockGateway(t *testing.T) {
	g := NewMockGateway(false)
	ctx := context.Background()

	s, err := g.CreateCheckoutSession(ctx, CheckoutParams{
		LineItem:   LineItem{UnitAmount: 1000, Quantity: 1},
		SuccessURL: "http://client/?session_id=" + SessionIDPlaceholder,
		Metadata:   map[string]string{"a": "b"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID, "mock_"))
	assert.True(t, s.Mock)
	assert.Equal(t, "http://client/?session_id="+s.ID, s.URL)

	got, err := g.RetrieveSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Paid)

	assert.True(t, g.MarkPaid(s.ID))
	got, err = g.RetrieveSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Paid)

	_, err = g.RetrieveSession(ctx, "mock_unknown")
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	_, err = g.ParseWebhook(nil, "")
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	_, err = g.Refund(ctx, "pi_x", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pi_x"}, g.Refunds())
}
