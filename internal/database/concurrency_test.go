package database

import (
	"context"
	"errors"
	"sync"
	"testing"

	"homestay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentReserveInterval(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	listing := seedListing(t, db, 10)

	// pairwise-overlapping ranges: every one contains 2099-08-05
	ranges := [][2]string{
		{"2099-08-01", "2099-08-06"},
		{"2099-08-03", "2099-08-07"},
		{"2099-08-05", "2099-08-06"},
		{"2099-08-04", "2099-08-10"},
		{"2099-08-02", "2099-08-09"},
		{"2099-08-05", "2099-08-08"},
		{"2099-08-01", "2099-08-12"},
		{"2099-08-04", "2099-08-06"},
		{"2099-08-05", "2099-08-11"},
		{"2099-08-03", "2099-08-06"},
	}

	var wg sync.WaitGroup
	results := make(chan error, len(ranges))

	for i, r := range ranges {
		wg.Add(1)
		go func(guest int64, in, out string) {
			defer wg.Done()
			results <- db.ReserveInterval(ctx, newBooking(listing.ID, guest, in, out))
		}(int64(i+1), r[0], r[1])
	}

	wg.Wait()
	close(results)

	successCount, unavailableCount := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, domain.ErrDatesUnavailable):
			unavailableCount++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successCount, "exactly one overlapping reservation must win")
	assert.Equal(t, len(ranges)-1, unavailableCount)

	active, err := db.ListActiveBookings(ctx, listing.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestConcurrentReserveInterval_DifferentListings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		listing := seedListing(t, db, int64(100+i))
		wg.Add(1)
		go func(listingID int64) {
			defer wg.Done()
			errs <- db.ReserveInterval(ctx, newBooking(listingID, 1, "2099-09-01", "2099-09-05"))
		}(listing.ID)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
