package service

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"homestay/internal/config"
	"homestay/internal/database"
	"homestay/internal/events"
	"homestay/internal/locking"
	"homestay/internal/models"
	"homestay/internal/payments"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testToday = day("2030-01-10")

type harness struct {
	db         *database.DB
	bus        *events.EventBus
	checker    *AvailabilityChecker
	allocator  *Allocator
	lifecycle  *LifecycleManager
	reconciler *Reconciler
	gateway    *payments.MockGateway
	listing    *models.Listing
	locker     *locking.MemoryLocker
	logger     *zerolog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	listing := &models.Listing{HostID: 100, Title: "Lake house", Price: 100, BaseGuests: 2, ExtraGuestFee: 20, MaxGuests: 4}
	require.NoError(t, db.UpsertListing(context.Background(), listing))

	clock := func() time.Time { return testToday.Add(9 * time.Hour) }
	bus := events.NewEventBus()
	locker := locking.NewMemoryLocker()

	checker := NewAvailabilityChecker(db, &logger)
	checker.now = clock
	allocator := NewAllocator(db, checker, locker, bus, &logger)
	lifecycle := NewLifecycleManager(db, checker, bus, &logger)
	lifecycle.now = clock

	gateway := payments.NewMockGateway(false)
	h := &harness{
		db:         db,
		bus:        bus,
		checker:    checker,
		allocator:  allocator,
		lifecycle:  lifecycle,
		gateway:    gateway,
		listing:    listing,
		locker:     locker,
		logger:     &logger,
	}
	h.reconciler = h.reconcilerWith(gateway)
	return h
}

var testPayments = config.PaymentsConfig{Currency: "usd", ClientURL: "http://localhost:5173"}

func (h *harness) reconcilerWith(gw payments.Gateway) *Reconciler {
	return NewReconciler(h.allocator, h.lifecycle, h.db, h.db, h.locker, gw, testPayments, h.bus, h.logger)
}

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func (h *harness) request(guestID int64, in, out string, guests int) AllocationRequest {
	return AllocationRequest{
		ListingID: h.listing.ID,
		GuestID:   guestID,
		CheckIn:   day(in),
		CheckOut:  day(out),
		Guests:    guests,
		Source:    SourceDirect,
	}
}

// seedConfirmed stores a confirmed booking regardless of the clock.
func (h *harness) seedConfirmed(t *testing.T, guestID int64, in, out string) *models.Booking {
	t.Helper()
	b := &models.Booking{
		ListingID:     h.listing.ID,
		GuestID:       guestID,
		CheckIn:       day(in),
		CheckOut:      day(out),
		Guests:        2,
		TotalPrice:    100,
		Status:        models.StatusConfirmed,
		PaymentStatus: models.PaymentPaid,
	}
	require.NoError(t, h.db.ReserveInterval(context.Background(), b))
	b.HostID = h.listing.HostID
	return b
}
