package models

import "time"

// ReconciliationTask records a paid checkout session that could not be turned into a booking.
type ReconciliationTask struct {
	ID              int64      `json:"id"`
	SessionID       string     `json:"session_id"`
	PaymentIntentID string     `json:"payment_intent_id"`
	GuestID         int64      `json:"guest_id"`
	ListingID       int64      `json:"listing_id"`
	CheckIn         time.Time  `json:"check_in"`
	CheckOut        time.Time  `json:"check_out"`
	Guests          int        `json:"guests"`
	Amount          int64      `json:"amount"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	LastError       *string    `json:"last_error"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at"`
	NextRetryAt     *time.Time `json:"next_retry_at"`
}
