package models

import "time"

type Booking struct {
	ID               int64         `json:"id"`
	ListingID        int64         `json:"listing_id"`
	GuestID          int64         `json:"guest_id"`
	HostID           int64         `json:"host_id,omitempty"`
	CheckIn          time.Time     `json:"check_in"`
	CheckOut         time.Time     `json:"check_out"` // exclusive
	Guests           int           `json:"guests"`
	TotalPrice       int64         `json:"total_price"`
	Status           Status        `json:"status"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	PaymentSessionID string        `json:"payment_session_id,omitempty"`
	PaymentIntentID  string        `json:"payment_intent_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Version          int64         `json:"version"`
}

// EffectiveStatus returns the status as observed on day today: a confirmed stay
// whose check-out has passed reads as completed.
func (b *Booking) EffectiveStatus(today time.Time) Status {
	if b.Status == StatusConfirmed && !TruncateDay(today).Before(b.CheckOut) {
		return StatusCompleted
	}
	return b.Status
}

// WithEffectiveStatus returns a copy of b carrying its derived status.
func (b Booking) WithEffectiveStatus(today time.Time) Booking {
	b.Status = b.EffectiveStatus(today)
	return b
}

// Overlaps applies the half-open overlap test against [from, to).
func (b *Booking) Overlaps(from, to time.Time) bool {
	return b.CheckIn.Before(to) && b.CheckOut.After(from)
}

// Nights returns the number of nights of the stay.
func (b *Booking) Nights() int {
	return int(b.CheckOut.Sub(b.CheckIn) / Day)
}

// DateRange is a reserved [From, To) interval.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
