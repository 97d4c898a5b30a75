package pgstore

import (
	"time"

	"homestay/internal/models"
)

type listingRecord struct {
	ID            int64  `gorm:"primaryKey"`
	HostID        int64  `gorm:"not null;index"`
	Title         string `gorm:"not null;default:''"`
	Price         int64  `gorm:"not null"`
	BaseGuests    int    `gorm:"not null;default:2"`
	ExtraGuestFee int64  `gorm:"not null;default:0"`
	MaxGuests     int    `gorm:"not null;default:1"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (listingRecord) TableName() string { return "listings" }

func (r *listingRecord) toModel() *models.Listing {
	return &models.Listing{
		ID:            r.ID,
		HostID:        r.HostID,
		Title:         r.Title,
		Price:         r.Price,
		BaseGuests:    r.BaseGuests,
		ExtraGuestFee: r.ExtraGuestFee,
		MaxGuests:     r.MaxGuests,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type bookingRecord struct {
	ID               int64     `gorm:"primaryKey"`
	ListingID        int64     `gorm:"not null;index:idx_bookings_listing_range,priority:1"`
	GuestID          int64     `gorm:"not null;index"`
	CheckIn          time.Time `gorm:"type:date;not null;index:idx_bookings_listing_range,priority:3"`
	CheckOut         time.Time `gorm:"type:date;not null"`
	Guests           int       `gorm:"not null"`
	TotalPrice       int64     `gorm:"not null"`
	Status           string    `gorm:"size:16;not null;index:idx_bookings_listing_range,priority:2"`
	PaymentStatus    string    `gorm:"size:16;not null;default:UNPAID"`
	PaymentSessionID *string   `gorm:"uniqueIndex"`
	PaymentIntentID  *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64 `gorm:"not null;default:1"`
}

func (bookingRecord) TableName() string { return "bookings" }

// bookingRow is a booking joined with its listing's host.
type bookingRow struct {
	bookingRecord
	HostID int64
}

func newBookingRecord(b *models.Booking) *bookingRecord {
	return &bookingRecord{
		ID:               b.ID,
		ListingID:        b.ListingID,
		GuestID:          b.GuestID,
		CheckIn:          models.TruncateDay(b.CheckIn),
		CheckOut:         models.TruncateDay(b.CheckOut),
		Guests:           b.Guests,
		TotalPrice:       b.TotalPrice,
		Status:           string(b.Status),
		PaymentStatus:    string(b.PaymentStatus),
		PaymentSessionID: optional(b.PaymentSessionID),
		PaymentIntentID:  optional(b.PaymentIntentID),
		Version:          b.Version,
	}
}

func (r *bookingRow) toModel() *models.Booking {
	return &models.Booking{
		ID:               r.ID,
		ListingID:        r.ListingID,
		GuestID:          r.GuestID,
		HostID:           r.HostID,
		CheckIn:          models.TruncateDay(r.CheckIn),
		CheckOut:         models.TruncateDay(r.CheckOut),
		Guests:           r.Guests,
		TotalPrice:       r.TotalPrice,
		Status:           models.Status(r.Status),
		PaymentStatus:    models.PaymentStatus(r.PaymentStatus),
		PaymentSessionID: deref(r.PaymentSessionID),
		PaymentIntentID:  deref(r.PaymentIntentID),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		Version:          r.Version,
	}
}

type taskRecord struct {
	ID              int64     `gorm:"primaryKey"`
	SessionID       string    `gorm:"not null;uniqueIndex"`
	PaymentIntentID string    `gorm:"not null;default:''"`
	GuestID         int64     `gorm:"not null"`
	ListingID       int64     `gorm:"not null"`
	CheckIn         time.Time `gorm:"type:date;not null"`
	CheckOut        time.Time `gorm:"type:date;not null"`
	Guests          int       `gorm:"not null"`
	Amount          int64     `gorm:"not null"`
	Reason          string    `gorm:"not null;default:''"`
	Status          string    `gorm:"size:16;not null;index"`
	RetryCount      int       `gorm:"not null;default:0"`
	LastError       *string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
	NextRetryAt     *time.Time `gorm:"index"`
}

func (taskRecord) TableName() string { return "reconciliation_queue" }

func (r *taskRecord) toModel() *models.ReconciliationTask {
	return &models.ReconciliationTask{
		ID:              r.ID,
		SessionID:       r.SessionID,
		PaymentIntentID: r.PaymentIntentID,
		GuestID:         r.GuestID,
		ListingID:       r.ListingID,
		CheckIn:         models.TruncateDay(r.CheckIn),
		CheckOut:        models.TruncateDay(r.CheckOut),
		Guests:          r.Guests,
		Amount:          r.Amount,
		Reason:          r.Reason,
		Status:          r.Status,
		RetryCount:      r.RetryCount,
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt,
		ProcessedAt:     r.ProcessedAt,
		NextRetryAt:     r.NextRetryAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
