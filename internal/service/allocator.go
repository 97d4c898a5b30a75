package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"homestay/internal/domain"
	"homestay/internal/events"
	"homestay/internal/metrics"
	"homestay/internal/models"
	"homestay/internal/pricing"

	"github.com/rs/zerolog"
)

// Allocation sources, used for metrics and logs.
const (
	SourceDirect  = "direct"
	SourceVerify  = "verify"
	SourceWebhook = "webhook"
)

// AllocationRequest describes a stay to reserve. Status fields select the terminal
// state: direct bookings start PENDING/UNPAID, reconciled ones CONFIRMED/PAID.
type AllocationRequest struct {
	ListingID        int64
	GuestID          int64
	CheckIn          time.Time
	CheckOut         time.Time
	Guests           int
	Status           models.Status
	PaymentStatus    models.PaymentStatus
	PaymentSessionID string
	PaymentIntentID  string
	// PaidTotal, when set, is the amount already charged and becomes the booking total.
	PaidTotal *int64
	Source    string
}

// Allocator validates, prices and atomically reserves stays.
type Allocator struct {
	store   domain.BookingStore
	checker *AvailabilityChecker
	locker  domain.Locker
	events  domain.EventPublisher
	logger  *zerolog.Logger
}

func NewAllocator(store domain.BookingStore, checker *AvailabilityChecker, locker domain.Locker, eventBus domain.EventPublisher, logger *zerolog.Logger) *Allocator {
	return &Allocator{
		store:   store,
		checker: checker,
		locker:  locker,
		events:  eventBus,
		logger:  logger,
	}
}

// Allocate runs the full direct-booking pipeline.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*models.Booking, error) {
	if err := ValidateRange(req.CheckIn, req.CheckOut); err != nil {
		a.record(req, err)
		return nil, err
	}
	if err := a.checker.ValidateNotPast(req.CheckIn); err != nil {
		a.record(req, err)
		return nil, err
	}
	return a.Reserve(ctx, req)
}

// Reserve loads the listing, checks guests and availability, prices the stay and
// inserts it, holding the listing lock from the conflict check to the insert.
// Reconciliation calls it directly because the stay was validated at checkout time.
func (a *Allocator) Reserve(ctx context.Context, req AllocationRequest) (*models.Booking, error) {
	booking, err := a.reserve(ctx, req)
	a.record(req, err)
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Int64("booking_id", booking.ID).
		Int64("listing_id", booking.ListingID).
		Int64("guest_id", booking.GuestID).
		Str("check_in", booking.CheckIn.Format(models.DateLayout)).
		Str("check_out", booking.CheckOut.Format(models.DateLayout)).
		Str("status", string(booking.Status)).
		Str("source", req.Source).
		Msg("interval reserved")

	a.publish(events.EventBookingCreated, booking)
	if booking.Status == models.StatusConfirmed {
		a.publish(events.EventBookingConfirmed, booking)
	}
	return booking, nil
}

func (a *Allocator) reserve(ctx context.Context, req AllocationRequest) (*models.Booking, error) {
	if err := ValidateRange(req.CheckIn, req.CheckOut); err != nil {
		return nil, err
	}

	listing, err := a.loadListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if req.Guests < 1 || req.Guests > listing.MaxGuests {
		return nil, domain.ErrGuestCount
	}

	unlock, err := a.lockListing(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conflict, err := a.checker.HasConflict(ctx, listing.ID, req.CheckIn, req.CheckOut, 0)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, domain.ErrDatesUnavailable
	}

	quote, err := pricing.Compute(listing, req.CheckIn, req.CheckOut, req.Guests)
	if err != nil {
		return nil, err
	}
	total := quote.Total
	if req.PaidTotal != nil {
		if *req.PaidTotal != quote.Total {
			a.logger.Warn().
				Int64("listing_id", listing.ID).
				Int64("paid_total", *req.PaidTotal).
				Int64("current_total", quote.Total).
				Str("session_id", req.PaymentSessionID).
				Msg("listing price changed since checkout, keeping charged amount")
		}
		total = *req.PaidTotal
	}

	status, payment := req.Status, req.PaymentStatus
	if status == "" {
		status = models.StatusPending
	}
	if payment == "" {
		payment = models.PaymentUnpaid
	}

	booking := &models.Booking{
		ListingID:        listing.ID,
		GuestID:          req.GuestID,
		HostID:           listing.HostID,
		CheckIn:          req.CheckIn,
		CheckOut:         req.CheckOut,
		Guests:           req.Guests,
		TotalPrice:       total,
		Status:           status,
		PaymentStatus:    payment,
		PaymentSessionID: req.PaymentSessionID,
		PaymentIntentID:  req.PaymentIntentID,
	}
	if err := a.store.ReserveInterval(ctx, booking); err != nil {
		if errors.Is(err, domain.ErrDatesUnavailable) || errors.Is(err, domain.ErrDuplicateSession) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve interval: %w", err)
	}
	return booking, nil
}

// Preview runs validation, the availability pre-check and pricing without reserving.
// Checkout uses it before sending the guest to the payment page.
func (a *Allocator) Preview(ctx context.Context, req AllocationRequest) (*models.Listing, pricing.Quote, error) {
	if err := ValidateRange(req.CheckIn, req.CheckOut); err != nil {
		return nil, pricing.Quote{}, err
	}
	if err := a.checker.ValidateNotPast(req.CheckIn); err != nil {
		return nil, pricing.Quote{}, err
	}
	listing, err := a.loadListing(ctx, req.ListingID)
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	if req.Guests < 1 || req.Guests > listing.MaxGuests {
		return nil, pricing.Quote{}, domain.ErrGuestCount
	}
	conflict, err := a.checker.HasConflict(ctx, listing.ID, req.CheckIn, req.CheckOut, 0)
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	if conflict {
		return nil, pricing.Quote{}, domain.ErrDatesUnavailable
	}
	quote, err := pricing.Compute(listing, req.CheckIn, req.CheckOut, req.Guests)
	if err != nil {
		return nil, pricing.Quote{}, err
	}
	return listing, quote, nil
}

// Quote prices a stay for display. It validates the range and guest bounds only.
func (a *Allocator) Quote(ctx context.Context, listingID int64, checkIn, checkOut time.Time, guests int) (pricing.Quote, error) {
	if err := ValidateRange(checkIn, checkOut); err != nil {
		return pricing.Quote{}, err
	}
	listing, err := a.loadListing(ctx, listingID)
	if err != nil {
		return pricing.Quote{}, err
	}
	if guests < 1 || guests > listing.MaxGuests {
		return pricing.Quote{}, domain.ErrGuestCount
	}
	return pricing.Compute(listing, checkIn, checkOut, guests)
}

func (a *Allocator) loadListing(ctx context.Context, id int64) (*models.Listing, error) {
	var listing *models.Listing
	err := retryRead(ctx, a.logger, "get listing", func() error {
		var err error
		listing, err = a.store.GetListing(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrListingNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load listing: %w", err)
	}
	return listing, nil
}

func (a *Allocator) lockListing(ctx context.Context, listingID int64) (func(), error) {
	started := time.Now()
	unlock, err := a.locker.Lock(ctx, ListingLockKey(listingID))
	metrics.ObserveLockWait(time.Since(started).Seconds())
	if err != nil {
		return nil, fmt.Errorf("lock listing %d: %w", listingID, err)
	}
	return unlock, nil
}

// ListingLockKey is the lock key that serializes allocations of one listing.
func ListingLockKey(listingID int64) string {
	return "listing:" + strconv.FormatInt(listingID, 10)
}

func (a *Allocator) record(req AllocationRequest, err error) {
	source := req.Source
	if source == "" {
		source = SourceDirect
	}
	switch {
	case err == nil:
		metrics.IncAllocation(source, metrics.OutcomeReserved)
	case errors.Is(err, domain.ErrDatesUnavailable):
		metrics.IncAllocation(source, metrics.OutcomeUnavailable)
	case domain.IsValidation(err), errors.Is(err, domain.ErrListingNotFound), errors.Is(err, domain.ErrDuplicateSession):
		metrics.IncAllocation(source, metrics.OutcomeRejected)
	default:
		metrics.IncAllocation(source, metrics.OutcomeError)
	}
}

func (a *Allocator) publish(eventType string, b *models.Booking) {
	if a.events == nil {
		return
	}
	if err := a.events.PublishJSON(eventType, bookingPayload(b, 0)); err != nil {
		a.logger.Error().Err(err).Str("event", eventType).Int64("booking_id", b.ID).Msg("publish event error")
	}
}

func bookingPayload(b *models.Booking, changedBy int64) events.BookingEventPayload {
	return events.BookingEventPayload{
		BookingID:     b.ID,
		ListingID:     b.ListingID,
		GuestID:       b.GuestID,
		HostID:        b.HostID,
		Status:        string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		CheckIn:       b.CheckIn,
		CheckOut:      b.CheckOut,
		Guests:        b.Guests,
		TotalPrice:    b.TotalPrice,
		ChangedByID:   changedBy,
	}
}
