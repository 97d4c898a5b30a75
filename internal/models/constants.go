package models

import "time"

// PaymentStatus reflects whether the guest has paid for the stay.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
)

const (
	// DateLayout is the storage and wire format of check-in/check-out dates.
	DateLayout = "2006-01-02"

	// DefaultBaseGuests is applied to listings that do not declare how many guests the base price covers.
	DefaultBaseGuests = 2

	// DefaultGuests is used when a booking request omits the guest count.
	DefaultGuests = 1

	// Day is the unit of a night.
	Day = 24 * time.Hour
)

// Reconciliation task statuses.
const (
	TaskPending   = "pending"
	TaskRetry     = "retry"
	TaskManual    = "manual"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TruncateDay drops the time of day and returns the calendar date in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date or an RFC3339 timestamp into a UTC calendar date.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return TruncateDay(t), nil
}
