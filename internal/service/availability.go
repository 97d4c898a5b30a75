package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"

	"github.com/rs/zerolog"
)

// AvailabilityChecker answers conflict questions against the persisted interval set.
// It never caches: every call reads current storage state.
type AvailabilityChecker struct {
	store  domain.BookingStore
	logger *zerolog.Logger
	now    func() time.Time
}

func NewAvailabilityChecker(store domain.BookingStore, logger *zerolog.Logger) *AvailabilityChecker {
	return &AvailabilityChecker{store: store, logger: logger, now: time.Now}
}

// ValidateRange rejects empty or inverted ranges.
func ValidateRange(checkIn, checkOut time.Time) error {
	if !checkIn.Before(checkOut) {
		return domain.ErrInvalidRange
	}
	return nil
}

// ValidateNotPast rejects a check-in before today, compared by calendar day.
func (c *AvailabilityChecker) ValidateNotPast(checkIn time.Time) error {
	if models.TruncateDay(checkIn).Before(models.TruncateDay(c.now())) {
		return domain.ErrPastDate
	}
	return nil
}

// HasConflict reports whether an active booking other than excludeID overlaps [checkIn, checkOut).
func (c *AvailabilityChecker) HasConflict(ctx context.Context, listingID int64, checkIn, checkOut time.Time, excludeID int64) (bool, error) {
	var conflicts []*models.Booking
	err := retryRead(ctx, c.logger, "find conflicting", func() error {
		var err error
		conflicts, err = c.store.FindConflicting(ctx, listingID, checkIn, checkOut, excludeID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check availability: %w", err)
	}
	return len(conflicts) > 0, nil
}

// BlockedRanges lists the listing's reserved intervals ordered by start date.
func (c *AvailabilityChecker) BlockedRanges(ctx context.Context, listingID int64) ([]models.DateRange, error) {
	err := retryRead(ctx, c.logger, "get listing", func() error {
		_, err := c.store.GetListing(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var active []*models.Booking
	err = retryRead(ctx, c.logger, "list active bookings", func() error {
		var err error
		active, err = c.store.ListActiveBookings(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list blocked ranges: %w", err)
	}

	ranges := make([]models.DateRange, 0, len(active))
	for _, b := range active {
		ranges = append(ranges, models.DateRange{From: b.CheckIn, To: b.CheckOut})
	}
	return ranges, nil
}

// retryRead runs an idempotent read and repeats it once on a storage failure.
// Domain errors and context cancellation are returned as is.
func retryRead(ctx context.Context, logger *zerolog.Logger, op string, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(ctx, err) {
		return err
	}
	logger.Warn().Err(err).Str("op", op).Msg("read failed, retrying once")
	return fn()
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, domain.ErrListingNotFound) &&
		!errors.Is(err, domain.ErrBookingNotFound) &&
		!errors.Is(err, domain.ErrTaskNotFound)
}
