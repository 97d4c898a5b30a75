package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/events"
	"homestay/internal/metrics"
	"homestay/internal/models"

	"github.com/rs/zerolog"
)

// LifecycleManager applies status transitions. Every mutation goes through the
// transition table on models.Status and a versioned update.
type LifecycleManager struct {
	store   domain.BookingStore
	checker *AvailabilityChecker
	events  domain.EventPublisher
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewLifecycleManager(store domain.BookingStore, checker *AvailabilityChecker, eventBus domain.EventPublisher, logger *zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		store:   store,
		checker: checker,
		events:  eventBus,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns a booking visible to its guest or the listing host.
func (m *LifecycleManager) Get(ctx context.Context, bookingID, actingUserID int64) (*models.Booking, error) {
	b, err := m.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actingUserID != b.GuestID && actingUserID != b.HostID {
		return nil, domain.ErrNotAuthorized
	}
	return m.present(b), nil
}

// ListForGuest returns the guest's bookings, newest stay first.
func (m *LifecycleManager) ListForGuest(ctx context.Context, guestID int64) ([]*models.Booking, error) {
	var list []*models.Booking
	err := retryRead(ctx, m.logger, "list guest bookings", func() error {
		var err error
		list, err = m.store.ListGuestBookings(ctx, guestID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list guest bookings: %w", err)
	}
	return m.presentAll(list), nil
}

// ListForHost returns bookings across all listings of the host.
func (m *LifecycleManager) ListForHost(ctx context.Context, hostID int64) ([]*models.Booking, error) {
	var list []*models.Booking
	err := retryRead(ctx, m.logger, "list host bookings", func() error {
		var err error
		list, err = m.store.ListHostBookings(ctx, hostID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list host bookings: %w", err)
	}
	return m.presentAll(list), nil
}

// Cancel releases the booking's interval. The guest and the listing host may cancel.
func (m *LifecycleManager) Cancel(ctx context.Context, bookingID, actingUserID int64) (*models.Booking, error) {
	b, err := m.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if actingUserID != b.GuestID && actingUserID != b.HostID {
		return nil, domain.ErrNotAuthorized
	}
	return m.transition(ctx, b, models.StatusCancelled, actingUserID)
}

// SetStatus is the host's accept or reject of a booking.
func (m *LifecycleManager) SetStatus(ctx context.Context, bookingID, hostUserID int64, next models.Status) (*models.Booking, error) {
	if next != models.StatusConfirmed && next != models.StatusCancelled {
		return nil, domain.ErrInvalidStatus
	}
	b, err := m.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if hostUserID != b.HostID {
		return nil, domain.ErrNotAuthorized
	}
	return m.transition(ctx, b, next, hostUserID)
}

// ConfirmPaid confirms a pending booking once its payment session completed.
// The booking's own interval is excluded from the conflict re-check.
func (m *LifecycleManager) ConfirmPaid(ctx context.Context, b *models.Booking, sessionID, paymentIntentID string) (*models.Booking, error) {
	current := b.EffectiveStatus(m.now())
	if current != models.StatusPending {
		return nil, statusError(current, models.StatusConfirmed)
	}

	conflict, err := m.checker.HasConflict(ctx, b.ListingID, b.CheckIn, b.CheckOut, b.ID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, domain.ErrDatesUnavailable
	}

	if err := m.store.MarkBookingPaid(ctx, b.ID, b.Version, sessionID, paymentIntentID); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) ||
			errors.Is(err, domain.ErrDatesUnavailable) ||
			errors.Is(err, domain.ErrDuplicateSession) {
			return nil, err
		}
		return nil, fmt.Errorf("mark booking paid: %w", err)
	}

	updated := *b
	updated.Status = models.StatusConfirmed
	updated.PaymentStatus = models.PaymentPaid
	updated.PaymentSessionID = sessionID
	updated.PaymentIntentID = paymentIntentID
	updated.Version++
	m.afterTransition(&updated, b.GuestID)
	return &updated, nil
}

func (m *LifecycleManager) transition(ctx context.Context, b *models.Booking, next models.Status, actor int64) (*models.Booking, error) {
	current := b.EffectiveStatus(m.now())
	if !current.CanTransitionTo(next) {
		return nil, statusError(current, next)
	}

	if err := m.store.UpdateBookingStatusWithVersion(ctx, b.ID, b.Version, next); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return nil, err
		}
		return nil, fmt.Errorf("update booking status: %w", err)
	}

	updated := *b
	updated.Status = next
	updated.Version++
	updated.UpdatedAt = m.now()
	m.afterTransition(&updated, actor)
	return &updated, nil
}

func (m *LifecycleManager) afterTransition(b *models.Booking, actor int64) {
	metrics.IncTransition(string(b.Status))
	m.logger.Info().
		Int64("booking_id", b.ID).
		Int64("listing_id", b.ListingID).
		Int64("actor_id", actor).
		Str("status", string(b.Status)).
		Msg("booking status changed")

	eventType := events.EventBookingCancelled
	if b.Status == models.StatusConfirmed {
		eventType = events.EventBookingConfirmed
	}
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, bookingPayload(b, actor)); err != nil {
		m.logger.Error().Err(err).Str("event", eventType).Int64("booking_id", b.ID).Msg("publish event error")
	}
}

func statusError(current, next models.Status) error {
	switch current {
	case models.StatusCancelled:
		return domain.ErrAlreadyCancelled
	case models.StatusCompleted:
		return domain.ErrAlreadyCompleted
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, next)
}

func (m *LifecycleManager) load(ctx context.Context, id int64) (*models.Booking, error) {
	var b *models.Booking
	err := retryRead(ctx, m.logger, "get booking", func() error {
		var err error
		b, err = m.store.GetBooking(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}

func (m *LifecycleManager) present(b *models.Booking) *models.Booking {
	out := b.WithEffectiveStatus(m.now())
	return &out
}

func (m *LifecycleManager) presentAll(list []*models.Booking) []*models.Booking {
	out := make([]*models.Booking, 0, len(list))
	for _, b := range list {
		out = append(out, m.present(b))
	}
	return out
}
