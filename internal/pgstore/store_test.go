package pgstore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set HOMESTAY_TEST_POSTGRES_DSN to run these against a disposable database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("HOMESTAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HOMESTAY_TEST_POSTGRES_DSN not set")
	}
	logger := zerolog.Nop()
	s, err := OpenDSN(context.Background(), dsn, 10, &logger)
	require.NoError(t, err)
	require.NoError(t, s.db.Exec(`TRUNCATE bookings, reconciliation_queue, listings RESTART IDENTITY CASCADE`).Error)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(s string) time.Time {
	t, _ := time.Parse(models.DateLayout, s)
	return t
}

func newBooking(listingID, guestID int64, in, out string) *models.Booking {
	return &models.Booking{
		ListingID:     listingID,
		GuestID:       guestID,
		CheckIn:       day(in),
		CheckOut:      day(out),
		Guests:        1,
		TotalPrice:    100,
		Status:        models.StatusPending,
		PaymentStatus: models.PaymentUnpaid,
	}
}

func TestStore_ReserveInterval(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &models.Listing{ID: 1, HostID: 10, Title: "Loft", Price: 100, MaxGuests: 2}
	require.NoError(t, s.UpsertListing(ctx, l))

	b := newBooking(l.ID, 5, "2030-02-01", "2030-02-04")
	require.NoError(t, s.ReserveInterval(ctx, b))
	assert.NotZero(t, b.ID)
	assert.Equal(t, int64(1), b.Version)

	err := s.ReserveInterval(ctx, newBooking(l.ID, 6, "2030-02-03", "2030-02-05"))
	assert.ErrorIs(t, err, domain.ErrDatesUnavailable)

	require.NoError(t, s.ReserveInterval(ctx, newBooking(l.ID, 6, "2030-02-04", "2030-02-05")), "adjacent")

	got, err := s.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, day("2030-02-01"), got.CheckIn)
	assert.Equal(t, int64(10), got.HostID)

	_, err = s.GetBooking(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrBookingNotFound)

	conflicts, err := s.FindConflicting(ctx, l.ID, day("2030-02-02"), day("2030-02-03"), 0)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)

	conflicts, err = s.FindConflicting(ctx, l.ID, day("2030-02-02"), day("2030-02-03"), b.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	next := &models.Listing{HostID: 11, Title: "Barn", Price: 80, MaxGuests: 3}
	require.NoError(t, s.UpsertListing(ctx, next))
	assert.Equal(t, int64(2), next.ID)
}

func TestStore_ExclusionConstraint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &models.Listing{HostID: 10, Price: 100, MaxGuests: 2}
	require.NoError(t, s.UpsertListing(ctx, l))
	require.NoError(t, s.ReserveInterval(ctx, newBooking(l.ID, 5, "2030-02-01", "2030-02-04")))

	// bypass the transactional check
	rec := newBookingRecord(newBooking(l.ID, 6, "2030-02-02", "2030-02-03"))
	err := mapWriteError(s.db.Create(rec).Error)
	assert.ErrorIs(t, err, domain.ErrDatesUnavailable)

	cancelled := newBookingRecord(newBooking(l.ID, 6, "2030-02-02", "2030-02-03"))
	cancelled.Status = string(models.StatusCancelled)
	assert.NoError(t, s.db.Create(cancelled).Error, "inactive rows do not participate")
}

func TestStore_ConcurrentReserve(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &models.Listing{HostID: 10, Price: 100, MaxGuests: 2}
	require.NoError(t, s.UpsertListing(ctx, l))

	const n = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := newBooking(l.ID, int64(i+1), "2030-03-01", "2030-03-05")
			b.CheckIn = b.CheckIn.AddDate(0, 0, -i)
			err := s.ReserveInterval(ctx, b)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
				return
			}
			assert.ErrorIs(t, err, domain.ErrDatesUnavailable)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, oks)
}

func TestStore_StatusAndPayment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &models.Listing{HostID: 10, Price: 100, MaxGuests: 2}
	require.NoError(t, s.UpsertListing(ctx, l))
	b := newBooking(l.ID, 5, "2030-02-01", "2030-02-04")
	require.NoError(t, s.ReserveInterval(ctx, b))

	require.NoError(t, s.MarkBookingPaid(ctx, b.ID, 1, "cs_1", "pi_1"))
	assert.ErrorIs(t, s.MarkBookingPaid(ctx, b.ID, 2, "cs_2", "pi_2"), domain.ErrConcurrentModification)

	got, err := s.FindBookingBySessionID(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, "pi_1", got.PaymentIntentID)

	dup := newBooking(l.ID, 6, "2030-05-01", "2030-05-02")
	dup.PaymentSessionID = "cs_1"
	assert.ErrorIs(t, s.ReserveInterval(ctx, dup), domain.ErrDuplicateSession)

	assert.ErrorIs(t, s.UpdateBookingStatusWithVersion(ctx, b.ID, 1, models.StatusCancelled), domain.ErrConcurrentModification)
	require.NoError(t, s.UpdateBookingStatusWithVersion(ctx, b.ID, 2, models.StatusCancelled))

	guest, err := s.ListGuestBookings(ctx, 5)
	require.NoError(t, err)
	require.Len(t, guest, 1)
	assert.Equal(t, models.StatusCancelled, guest[0].Status)

	host, err := s.ListHostBookings(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, host, 1)

	active, err := s.ListActiveBookings(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_ReconciliationQueue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &models.ReconciliationTask{
		SessionID: "cs_lost", PaymentIntentID: "pi_lost", GuestID: 5, ListingID: 1,
		CheckIn: day("2030-07-01"), CheckOut: day("2030-07-04"), Guests: 2, Amount: 300, Reason: "dates taken",
	}
	require.NoError(t, s.CreateReconciliationTask(ctx, task))
	dup := *task
	dup.ID = 0
	require.NoError(t, s.CreateReconciliationTask(ctx, &dup))
	assert.Equal(t, task.ID, dup.ID)

	pending, err := s.GetPendingReconciliationTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, day("2030-07-01"), pending[0].CheckIn)

	next := time.Now().Add(time.Hour)
	msg := "timeout"
	require.NoError(t, s.UpdateReconciliationTask(ctx, task.ID, models.TaskRetry, 1, &msg, &next))
	pending, err = s.GetPendingReconciliationTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.UpdateReconciliationTask(ctx, task.ID, models.TaskCompleted, 1, nil, nil))
	got, err := s.GetReconciliationTaskBySession(ctx, "cs_lost")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	assert.ErrorIs(t, s.UpdateReconciliationTask(ctx, 999, models.TaskFailed, 0, nil, nil), domain.ErrTaskNotFound)
}
