package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var activeStatuses = []string{string(models.StatusPending), string(models.StatusConfirmed)}

func (s *Store) bookings(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("bookings").
		Select("bookings.*, COALESCE(listings.host_id, 0) AS host_id").
		Joins("LEFT JOIN listings ON listings.id = bookings.listing_id")
}

func (s *Store) findBookings(q *gorm.DB) ([]*models.Booking, error) {
	var rows []bookingRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.Booking, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *Store) firstBooking(q *gorm.DB) (*models.Booking, error) {
	list, err := s.findBookings(q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, domain.ErrBookingNotFound
	}
	return list[0], nil
}

func (s *Store) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := s.firstBooking(s.bookings(ctx).Where("bookings.id = ?", id))
	if err != nil && !errors.Is(err, domain.ErrBookingNotFound) {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, err
}

func (s *Store) FindBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error) {
	b, err := s.firstBooking(s.bookings(ctx).Where("bookings.payment_session_id = ?", sessionID))
	if err != nil && !errors.Is(err, domain.ErrBookingNotFound) {
		return nil, fmt.Errorf("failed to find booking by session: %w", err)
	}
	return b, err
}

func (s *Store) FindConflicting(ctx context.Context, listingID int64, from, to time.Time, excludeID int64) ([]*models.Booking, error) {
	list, err := s.findBookings(s.bookings(ctx).
		Where("bookings.listing_id = ? AND bookings.status IN ?", listingID, activeStatuses).
		Where("bookings.check_in < ? AND bookings.check_out > ?", models.TruncateDay(to), models.TruncateDay(from)).
		Where("bookings.id <> ?", excludeID).
		Order("bookings.check_in"))
	if err != nil {
		return nil, fmt.Errorf("failed to find conflicting bookings: %w", err)
	}
	return list, nil
}

func (s *Store) ListActiveBookings(ctx context.Context, listingID int64) ([]*models.Booking, error) {
	list, err := s.findBookings(s.bookings(ctx).
		Where("bookings.listing_id = ? AND bookings.status IN ?", listingID, activeStatuses).
		Order("bookings.check_in"))
	if err != nil {
		return nil, fmt.Errorf("failed to list active bookings: %w", err)
	}
	return list, nil
}

func (s *Store) ListGuestBookings(ctx context.Context, guestID int64) ([]*models.Booking, error) {
	list, err := s.findBookings(s.bookings(ctx).
		Where("bookings.guest_id = ?", guestID).
		Order("bookings.check_in DESC, bookings.id DESC"))
	if err != nil {
		return nil, fmt.Errorf("failed to list guest bookings: %w", err)
	}
	return list, nil
}

func (s *Store) ListHostBookings(ctx context.Context, hostID int64) ([]*models.Booking, error) {
	list, err := s.findBookings(s.bookings(ctx).
		Where("listings.host_id = ?", hostID).
		Order("bookings.check_in DESC, bookings.id DESC"))
	if err != nil {
		return nil, fmt.Errorf("failed to list host bookings: %w", err)
	}
	return list, nil
}

// ReserveInterval locks the listing row, re-checks overlap and inserts. The exclusion
// constraint still rejects an overlap if a writer bypasses the row lock.
func (s *Store) ReserveInterval(ctx context.Context, booking *models.Booking) error {
	rec := newBookingRecord(booking)
	rec.ID = 0
	rec.Version = 1

	var hostID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var listing listingRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&listing, booking.ListingID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrListingNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock listing: %w", err)
		}
		hostID = listing.HostID

		if rec.PaymentSessionID != nil {
			var n int64
			if err := tx.Model(&bookingRecord{}).Where("payment_session_id = ?", *rec.PaymentSessionID).Count(&n).Error; err != nil {
				return fmt.Errorf("failed to check payment session in tx: %w", err)
			}
			if n > 0 {
				return domain.ErrDuplicateSession
			}
		}

		var conflicts int64
		err = tx.Model(&bookingRecord{}).
			Where("listing_id = ? AND status IN ? AND check_in < ? AND check_out > ?",
				rec.ListingID, activeStatuses, rec.CheckOut, rec.CheckIn).
			Count(&conflicts).Error
		if err != nil {
			return fmt.Errorf("failed to check availability in tx: %w", err)
		}
		if conflicts > 0 {
			return domain.ErrDatesUnavailable
		}

		if err := tx.Create(rec).Error; err != nil {
			if mapped := mapWriteError(err); mapped != err {
				return mapped
			}
			return fmt.Errorf("failed to insert booking in tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	booking.ID = rec.ID
	booking.HostID = hostID
	booking.CreatedAt = rec.CreatedAt
	booking.UpdatedAt = rec.UpdatedAt
	booking.Version = rec.Version
	return nil
}

func (s *Store) UpdateBookingStatusWithVersion(ctx context.Context, id, version int64, status models.Status) error {
	res := s.db.WithContext(ctx).Model(&bookingRecord{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		if mapped := mapWriteError(res.Error); mapped != res.Error {
			return mapped
		}
		return fmt.Errorf("failed to update booking status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

func (s *Store) MarkBookingPaid(ctx context.Context, id, version int64, sessionID, paymentIntentID string) error {
	res := s.db.WithContext(ctx).Model(&bookingRecord{}).
		Where("id = ? AND version = ? AND status = ?", id, version, string(models.StatusPending)).
		Updates(map[string]interface{}{
			"status":             string(models.StatusConfirmed),
			"payment_status":     string(models.PaymentPaid),
			"payment_session_id": optional(sessionID),
			"payment_intent_id":  optional(paymentIntentID),
			"updated_at":         time.Now().UTC(),
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		if mapped := mapWriteError(res.Error); mapped != res.Error {
			return mapped
		}
		return fmt.Errorf("failed to mark booking paid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}
