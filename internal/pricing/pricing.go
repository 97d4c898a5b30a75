// Package pricing computes the price of a stay. It is shared by the quote endpoint,
// the allocator and checkout creation, so a preview always equals the booked total.
package pricing

import (
	"fmt"
	"time"

	"homestay/internal/domain"
	"homestay/internal/models"
)

// Quote is the price breakdown of a stay.
type Quote struct {
	Nights          int   `json:"nights"`
	NightlyPrice    int64 `json:"nightly_price"`
	BasePrice       int64 `json:"base_price"`
	ExtraGuests     int   `json:"extra_guests"`
	ExtraGuestFee   int64 `json:"extra_guest_fee"`
	ExtraGuestTotal int64 `json:"extra_guest_total"`
	Total           int64 `json:"total"`
}

// Nights counts started days between checkIn and checkOut.
func Nights(checkIn, checkOut time.Time) (int, error) {
	if !checkOut.After(checkIn) {
		return 0, domain.ErrInvalidRange
	}
	d := checkOut.Sub(checkIn)
	n := int(d / models.Day)
	if d%models.Day != 0 {
		n++
	}
	return n, nil
}

// Compute prices a stay of guests at listing over [checkIn, checkOut).
// Guest bounds are checked by the caller.
func Compute(listing *models.Listing, checkIn, checkOut time.Time, guests int) (Quote, error) {
	if listing == nil {
		return Quote{}, fmt.Errorf("compute price: %w", domain.ErrListingNotFound)
	}
	nights, err := Nights(checkIn, checkOut)
	if err != nil {
		return Quote{}, err
	}

	extra := guests - listing.IncludedGuests()
	if extra < 0 {
		extra = 0
	}

	q := Quote{
		Nights:        nights,
		NightlyPrice:  listing.Price,
		BasePrice:     int64(nights) * listing.Price,
		ExtraGuests:   extra,
		ExtraGuestFee: listing.ExtraGuestFee,
	}
	q.ExtraGuestTotal = int64(extra) * listing.ExtraGuestFee * int64(nights)
	q.Total = q.BasePrice + q.ExtraGuestTotal
	return q, nil
}
