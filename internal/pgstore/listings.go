package pgstore

import (
	"context"
	"errors"
	"fmt"

	"homestay/internal/domain"
	"homestay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	var rec listingRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return rec.toModel(), nil
}

// UpsertListing inserts the listing or refreshes its pricing attributes.
func (s *Store) UpsertListing(ctx context.Context, listing *models.Listing) error {
	if listing.BaseGuests <= 0 {
		listing.BaseGuests = models.DefaultBaseGuests
	}
	rec := listingRecord{
		ID:            listing.ID,
		HostID:        listing.HostID,
		Title:         listing.Title,
		Price:         listing.Price,
		BaseGuests:    listing.BaseGuests,
		ExtraGuestFee: listing.ExtraGuestFee,
		MaxGuests:     listing.MaxGuests,
	}

	db := s.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"host_id", "title", "price", "base_guests", "extra_guest_fee", "max_guests", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert listing: %w", err)
	}

	if listing.ID != 0 {
		// explicit IDs bypass the sequence
		err = db.Exec(`SELECT setval(pg_get_serial_sequence('listings', 'id'), GREATEST((SELECT MAX(id) FROM listings), 1))`).Error
		if err != nil {
			return fmt.Errorf("failed to advance listings sequence: %w", err)
		}
	}

	listing.ID = rec.ID
	listing.CreatedAt = rec.CreatedAt
	listing.UpdatedAt = rec.UpdatedAt
	return nil
}
