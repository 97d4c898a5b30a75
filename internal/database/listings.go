package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"
)

func (db *DB) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	var l models.Listing
	err := db.QueryRowContext(ctx,
		`SELECT id, host_id, title, price, base_guests, extra_guest_fee, max_guests, created_at, updated_at
		FROM listings WHERE id = ?`, id,
	).Scan(&l.ID, &l.HostID, &l.Title, &l.Price, &l.BaseGuests, &l.ExtraGuestFee, &l.MaxGuests, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return &l, nil
}

// UpsertListing inserts the listing or refreshes its pricing attributes.
// A zero ID lets SQLite assign one.
func (db *DB) UpsertListing(ctx context.Context, listing *models.Listing) error {
	now := time.Now()
	if listing.BaseGuests <= 0 {
		listing.BaseGuests = models.DefaultBaseGuests
	}

	var id interface{}
	if listing.ID != 0 {
		id = listing.ID
	}

	result, err := db.ExecContext(ctx, `INSERT INTO listings (
			id, host_id, title, price, base_guests, extra_guest_fee, max_guests, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host_id = excluded.host_id,
			title = excluded.title,
			price = excluded.price,
			base_guests = excluded.base_guests,
			extra_guest_fee = excluded.extra_guest_fee,
			max_guests = excluded.max_guests,
			updated_at = excluded.updated_at`,
		id, listing.HostID, listing.Title, listing.Price, listing.BaseGuests,
		listing.ExtraGuestFee, listing.MaxGuests, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert listing: %w", err)
	}

	if listing.ID == 0 {
		if listing.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		listing.CreatedAt = now
	}
	listing.UpdatedAt = now
	return nil
}
