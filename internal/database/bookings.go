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

const bookingSelect = `SELECT b.id, b.listing_id, b.guest_id, COALESCE(l.host_id, 0), b.check_in, b.check_out,
		b.guests, b.total_price, b.status, b.payment_status, b.payment_session_id, b.payment_intent_id,
		b.created_at, b.updated_at, b.version
	FROM bookings b LEFT JOIN listings l ON l.id = b.listing_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                 models.Booking
		checkIn, checkOut string
		session, intent   sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.ListingID, &b.GuestID, &b.HostID, &checkIn, &checkOut,
		&b.Guests, &b.TotalPrice, &b.Status, &b.PaymentStatus, &session, &intent,
		&b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	if b.CheckIn, err = time.Parse(models.DateLayout, checkIn); err != nil {
		return nil, fmt.Errorf("failed to parse check_in %q: %w", checkIn, err)
	}
	if b.CheckOut, err = time.Parse(models.DateLayout, checkOut); err != nil {
		return nil, fmt.Errorf("failed to parse check_out %q: %w", checkOut, err)
	}
	b.PaymentSessionID = session.String
	b.PaymentIntentID = intent.String
	return &b, nil
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...interface{}) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, bookingSelect+` WHERE b.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (db *DB) FindBookingBySessionID(ctx context.Context, sessionID string) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, bookingSelect+` WHERE b.payment_session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find booking by session: %w", err)
	}
	return b, nil
}

func (db *DB) FindConflicting(ctx context.Context, listingID int64, from, to time.Time, excludeID int64) ([]*models.Booking, error) {
	query := bookingSelect + ` WHERE b.listing_id = ? AND b.status IN (?, ?)
		AND b.check_in < ? AND b.check_out > ? AND b.id <> ?
		ORDER BY b.check_in`
	bookings, err := db.queryBookings(ctx, query, listingID,
		models.StatusPending, models.StatusConfirmed,
		to.Format(models.DateLayout), from.Format(models.DateLayout), excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to find conflicting bookings: %w", err)
	}
	return bookings, nil
}

// ReserveInterval checks for overlap and inserts the booking inside one IMMEDIATE transaction.
func (db *DB) ReserveInterval(ctx context.Context, booking *models.Booking) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	in := booking.CheckIn.Format(models.DateLayout)
	out := booking.CheckOut.Format(models.DateLayout)

	if booking.PaymentSessionID != "" {
		var existing int64
		err = tx.QueryRowContext(ctx, `SELECT id FROM bookings WHERE payment_session_id = ?`, booking.PaymentSessionID).Scan(&existing)
		if err == nil {
			return domain.ErrDuplicateSession
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check payment session in tx: %w", err)
		}
	}

	var conflicts int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE listing_id = ? AND status IN (?, ?) AND check_in < ? AND check_out > ?`,
		booking.ListingID, models.StatusPending, models.StatusConfirmed, out, in,
	).Scan(&conflicts)
	if err != nil {
		return fmt.Errorf("failed to check availability in tx: %w", err)
	}
	if conflicts > 0 {
		return domain.ErrDatesUnavailable
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx, `INSERT INTO bookings (
			listing_id, guest_id, check_in, check_out, guests, total_price, status, payment_status,
			payment_session_id, payment_intent_id, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		booking.ListingID,
		booking.GuestID,
		in,
		out,
		booking.Guests,
		booking.TotalPrice,
		booking.Status,
		booking.PaymentStatus,
		nullString(booking.PaymentSessionID),
		nullString(booking.PaymentIntentID),
		now,
		now,
	)
	if err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to insert booking in tx: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id in tx: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking: %w", err)
	}

	booking.ID = id
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

func (db *DB) UpdateBookingStatusWithVersion(ctx context.Context, id, version int64, status models.Status) error {
	res, err := db.ExecContext(ctx,
		`UPDATE bookings SET status = ?, updated_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
		status, time.Now(), id, version)
	if err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	return expectOneRow(res)
}

func (db *DB) MarkBookingPaid(ctx context.Context, id, version int64, sessionID, paymentIntentID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE bookings SET status = ?, payment_status = ?, payment_session_id = ?, payment_intent_id = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = ?`,
		models.StatusConfirmed, models.PaymentPaid, nullString(sessionID), nullString(paymentIntentID),
		time.Now(), id, version, models.StatusPending)
	if err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to mark booking paid: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrConcurrentModification
	}
	return nil
}

// ListActiveBookings returns the listing's PENDING and CONFIRMED bookings ordered by check-in.
func (db *DB) ListActiveBookings(ctx context.Context, listingID int64) ([]*models.Booking, error) {
	bookings, err := db.queryBookings(ctx,
		bookingSelect+` WHERE b.listing_id = ? AND b.status IN (?, ?) ORDER BY b.check_in`,
		listingID, models.StatusPending, models.StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bookings: %w", err)
	}
	return bookings, nil
}

func (db *DB) ListGuestBookings(ctx context.Context, guestID int64) ([]*models.Booking, error) {
	bookings, err := db.queryBookings(ctx,
		bookingSelect+` WHERE b.guest_id = ? ORDER BY b.check_in DESC, b.id DESC`, guestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guest bookings: %w", err)
	}
	return bookings, nil
}

func (db *DB) ListHostBookings(ctx context.Context, hostID int64) ([]*models.Booking, error) {
	bookings, err := db.queryBookings(ctx,
		bookingSelect+` WHERE l.host_id = ? ORDER BY b.check_in DESC, b.id DESC`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list host bookings: %w", err)
	}
	return bookings, nil
}
