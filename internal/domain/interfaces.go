package domain

import (
	"context"
	"time"

	"homestay/internal/models"
)

type ListingStore interface {
	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	UpsertListing(ctx context.Context, listing *models.Listing) error
}

// BookingStore is the persisted per-listing interval set.
type BookingStore interface {
	ListingStore

	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	// FindConflicting returns active bookings of the listing overlapping [from, to), skipping excludeID.
	FindConflicting(ctx context.Context, listingID int64, from, to time.Time, excludeID int64) ([]*models.Booking, error)
	// ReserveInterval re-checks conflicts and inserts the booking in one transaction.
	// It fails with ErrDatesUnavailable when the range is taken and ErrDuplicateSession
	// when the payment session already produced a booking.
	ReserveInterval(ctx context.Context, booking *models.Booking) error
	UpdateBookingStatusWithVersion(ctx context.Context, id, version int64, status models.Status) error
	// MarkBookingPaid confirms a pending booking against a completed payment session.
	MarkBookingPaid(ctx context.Context, id, version int64, sessionID, paymentIntentID string) error
	FindBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error)
	ListActiveBookings(ctx context.Context, listingID int64) ([]*models.Booking, error)
	ListGuestBookings(ctx context.Context, guestID int64) ([]*models.Booking, error)
	ListHostBookings(ctx context.Context, hostID int64) ([]*models.Booking, error)
}

// ReconciliationQueue persists paid sessions that need refund or manual follow-up.
type ReconciliationQueue interface {
	CreateReconciliationTask(ctx context.Context, task *models.ReconciliationTask) error
	GetReconciliationTask(ctx context.Context, id int64) (*models.ReconciliationTask, error)
	GetReconciliationTaskBySession(ctx context.Context, sessionID string) (*models.ReconciliationTask, error)
	GetPendingReconciliationTasks(ctx context.Context, limit int) ([]*models.ReconciliationTask, error)
	UpdateReconciliationTask(ctx context.Context, id int64, status string, retryCount int, lastError *string, nextRetryAt *time.Time) error
}

// Store is everything a storage backend provides.
type Store interface {
	BookingStore
	ReconciliationQueue
	Ping(ctx context.Context) error
	Close() error
}

// Locker serializes work per key. Different keys never block each other.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
