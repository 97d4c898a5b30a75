// Package domain holds the contracts shared by the storage, service and transport layers,
// together with the error values callers match with errors.Is.
package domain

import "errors"

// Validation errors. Their messages are safe to show to end users.
var (
	ErrInvalidRange  = errors.New("check-out must be after check-in")
	ErrPastDate      = errors.New("check-in date is in the past")
	ErrGuestCount    = errors.New("guest count is outside the listing limits")
	ErrInvalidStatus = errors.New("status must be CONFIRMED or CANCELLED")
)

// Lookup errors.
var (
	ErrListingNotFound = errors.New("listing not found")
	ErrBookingNotFound = errors.New("booking not found")
	ErrTaskNotFound    = errors.New("reconciliation task not found")
)

// ErrDatesUnavailable means an active booking already holds part of the requested range.
// It is an expected outcome: the caller retries with other dates.
var ErrDatesUnavailable = errors.New("selected dates are not available")

// Lifecycle errors.
var (
	ErrNotAuthorized          = errors.New("not authorized")
	ErrAlreadyCancelled       = errors.New("booking is already cancelled")
	ErrAlreadyCompleted       = errors.New("booking is already completed")
	ErrInvalidTransition      = errors.New("status transition is not allowed")
	ErrConcurrentModification = errors.New("booking was modified concurrently")
)

// Payment errors.
var (
	ErrPaymentIncomplete = errors.New("payment not completed")

	// ErrReconciliationConflict means a paid session lost its dates to another booking.
	// It is always recorded for refund follow-up.
	ErrReconciliationConflict = errors.New("payment received but dates are no longer available")

	ErrDuplicateSession   = errors.New("a booking already exists for this payment session")
	ErrInvalidSession     = errors.New("payment session metadata is invalid")
	ErrInvalidSignature   = errors.New("webhook signature verification failed")
	ErrGatewayUnavailable = errors.New("payment gateway is not configured")
)

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrPastDate) ||
		errors.Is(err, ErrGuestCount) ||
		errors.Is(err, ErrInvalidStatus)
}
