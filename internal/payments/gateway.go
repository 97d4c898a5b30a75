// Package payments talks to the checkout gateway.
package payments

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"
)

// Webhook event types handled by the reconciler.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventPaymentIntentFailed  = "payment_intent.payment_failed"
	SessionIDPlaceholder      = "{CHECKOUT_SESSION_ID}"
	minorUnitsPerCurrencyUnit = 100
)

// LineItem is the single priced line shown on the checkout page.
type LineItem struct {
	Name        string
	Description string
	Currency    string
	UnitAmount  int64 // minor units
	Quantity    int64
}

type CheckoutParams struct {
	LineItem          LineItem
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

// Session is the gateway's view of a checkout attempt.
type Session struct {
	ID              string
	URL             string
	Paid            bool
	PaymentIntentID string
	AmountTotal     int64
	Metadata        map[string]string
	Mock            bool
}

type WebhookEvent struct {
	ID              string
	Type            string
	Session         *Session
	PaymentIntentID string
	FailureMessage  string
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
	ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)
	Refund(ctx context.Context, paymentIntentID string, amount int64, idempotencyKey string) (string, error)
	Mock() bool
}

// ToMinorUnits converts a whole-unit price into the gateway's minor units.
func ToMinorUnits(amount int64) int64 {
	return amount * minorUnitsPerCurrencyUnit
}

// FromMinorUnits converts a gateway amount back to whole units, rounding down.
func FromMinorUnits(amount int64) int64 {
	return amount / minorUnitsPerCurrencyUnit
}

// BookingIntent is the candidate booking carried through a checkout session.
type BookingIntent struct {
	GuestID    int64
	ListingID  int64
	BookingID  int64 // set when paying for an existing pending booking
	CheckIn    time.Time
	CheckOut   time.Time
	Guests     int
	TotalPrice int64
}

// Metadata renders the intent as session metadata.
func (b BookingIntent) Metadata() map[string]string {
	m := map[string]string{
		"userId":     strconv.FormatInt(b.GuestID, 10),
		"listingId":  strconv.FormatInt(b.ListingID, 10),
		"checkIn":    b.CheckIn.Format(models.DateLayout),
		"checkOut":   b.CheckOut.Format(models.DateLayout),
		"guests":     strconv.Itoa(b.Guests),
		"totalPrice": strconv.FormatInt(b.TotalPrice, 10),
	}
	if b.BookingID != 0 {
		m["bookingId"] = strconv.FormatInt(b.BookingID, 10)
	}
	return m
}

// IntentFromMetadata decodes the fields written by Metadata.
func IntentFromMetadata(m map[string]string) (BookingIntent, error) {
	var (
		b   BookingIntent
		err error
	)
	fail := func(field string, cause error) (BookingIntent, error) {
		return BookingIntent{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidSession, field, cause)
	}

	if b.GuestID, err = strconv.ParseInt(m["userId"], 10, 64); err != nil {
		return fail("userId", err)
	}
	if b.ListingID, err = strconv.ParseInt(m["listingId"], 10, 64); err != nil {
		return fail("listingId", err)
	}
	if b.CheckIn, err = models.ParseDate(m["checkIn"]); err != nil {
		return fail("checkIn", err)
	}
	if b.CheckOut, err = models.ParseDate(m["checkOut"]); err != nil {
		return fail("checkOut", err)
	}
	if b.Guests, err = strconv.Atoi(m["guests"]); err != nil {
		return fail("guests", err)
	}
	if b.TotalPrice, err = strconv.ParseInt(m["totalPrice"], 10, 64); err != nil {
		return fail("totalPrice", err)
	}
	if raw, ok := m["bookingId"]; ok && raw != "" {
		if b.BookingID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return fail("bookingId", err)
		}
	}
	return b, nil
}
