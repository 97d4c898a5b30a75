package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"homestay/internal/domain"
	"homestay/internal/events"
	"homestay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_Allocate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var created []events.BookingEventPayload
	h.bus.Subscribe(events.EventBookingCreated, func(e *events.Event) error {
		var p events.BookingEventPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		created = append(created, p)
		return nil
	})

	b, err := h.allocator.Allocate(ctx, h.request(7, "2030-02-01", "2030-02-04", 3))
	require.NoError(t, err)
	assert.NotZero(t, b.ID)
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, models.PaymentUnpaid, b.PaymentStatus)
	assert.Equal(t, int64(360), b.TotalPrice)
	assert.Equal(t, h.listing.HostID, b.HostID)

	require.Len(t, created, 1)
	assert.Equal(t, b.ID, created[0].BookingID)

	stored, err := h.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, day("2030-02-01"), stored.CheckIn)
	assert.Equal(t, day("2030-02-04"), stored.CheckOut)
}

func TestAllocator_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.allocator.Allocate(ctx, h.request(7, "2030-02-01", "2030-02-04", 2))
	require.NoError(t, err)

	tests := []struct {
		name string
		req  AllocationRequest
		want error
	}{
		{"Overlap", h.request(8, "2030-02-03", "2030-02-06", 2), domain.ErrDatesUnavailable},
		{"Contained", h.request(8, "2030-02-02", "2030-02-03", 2), domain.ErrDatesUnavailable},
		{"EmptyRange", h.request(8, "2030-03-01", "2030-03-01", 2), domain.ErrInvalidRange},
		{"Inverted", h.request(8, "2030-03-05", "2030-03-01", 2), domain.ErrInvalidRange},
		{"Past", h.request(8, "2030-01-09", "2030-01-12", 2), domain.ErrPastDate},
		{"TooManyGuests", h.request(8, "2030-03-01", "2030-03-02", 5), domain.ErrGuestCount},
		{"NoGuests", h.request(8, "2030-03-01", "2030-03-02", 0), domain.ErrGuestCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.allocator.Allocate(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("UnknownListing", func(t *testing.T) {
		req := h.request(8, "2030-03-01", "2030-03-02", 2)
		req.ListingID = 999
		_, err := h.allocator.Allocate(ctx, req)
		assert.ErrorIs(t, err, domain.ErrListingNotFound)
	})
}

func TestAllocator_TodayAndAdjacency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.allocator.Allocate(ctx, h.request(7, "2030-01-10", "2030-01-12", 1))
	require.NoError(t, err, "check-in today is allowed")

	_, err = h.allocator.Allocate(ctx, h.request(8, "2030-01-12", "2030-01-15", 1))
	assert.NoError(t, err, "check-in on a previous check-out day")

	_, err = h.allocator.Allocate(ctx, h.request(9, "2030-01-08", "2030-01-10", 1))
	assert.ErrorIs(t, err, domain.ErrPastDate)
}

func TestAllocator_CancelFreesInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.allocator.Allocate(ctx, h.request(7, "2030-02-01", "2030-02-04", 2))
	require.NoError(t, err)

	_, err = h.lifecycle.Cancel(ctx, b.ID, 7)
	require.NoError(t, err)

	_, err = h.allocator.Allocate(ctx, h.request(8, "2030-02-01", "2030-02-04", 2))
	assert.NoError(t, err)
}

func TestAllocator_ConcurrentOverlapping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// all ranges contain 2030-02-10
			in := day("2030-02-01").AddDate(0, 0, i)
			req := AllocationRequest{
				ListingID: h.listing.ID,
				GuestID:   int64(i + 1),
				CheckIn:   in,
				CheckOut:  day("2030-02-11"),
				Guests:    1,
			}
			_, err := h.allocator.Allocate(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				reserved++
				return
			}
			assert.ErrorIs(t, err, domain.ErrDatesUnavailable)
			rejected++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, reserved)
	assert.Equal(t, n-1, rejected)

	active, err := h.db.ListActiveBookings(ctx, h.listing.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAllocator_PaidTotalWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paid := int64(250)
	req := h.request(7, "2030-02-01", "2030-02-04", 2)
	req.Status = models.StatusConfirmed
	req.PaymentStatus = models.PaymentPaid
	req.PaymentSessionID = "cs_1"
	req.PaidTotal = &paid
	req.Source = SourceVerify

	b, err := h.allocator.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, paid, b.TotalPrice)
	assert.Equal(t, models.StatusConfirmed, b.Status)

	_, err = h.allocator.Reserve(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDatesUnavailable)
}

func TestAllocator_PreviewAndQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	listing, q, err := h.allocator.Preview(ctx, h.request(7, "2030-02-01", "2030-02-04", 3))
	require.NoError(t, err)
	assert.Equal(t, h.listing.ID, listing.ID)
	assert.Equal(t, int64(360), q.Total)

	active, err := h.db.ListActiveBookings(ctx, h.listing.ID)
	require.NoError(t, err)
	assert.Empty(t, active, "preview must not reserve")

	q, err = h.allocator.Quote(ctx, h.listing.ID, day("2030-02-01"), day("2030-02-02"), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(140), q.Total)

	_, err = h.allocator.Quote(ctx, h.listing.ID, day("2030-02-01"), day("2030-02-02"), 5)
	assert.ErrorIs(t, err, domain.ErrGuestCount)
}
