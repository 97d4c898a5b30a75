package models

import "time"

// Listing holds the pricing-relevant attributes of a rental.
type Listing struct {
	ID            int64     `json:"id" yaml:"id"`
	HostID        int64     `json:"host_id" yaml:"host_id"`
	Title         string    `json:"title" yaml:"title"`
	Price         int64     `json:"price" yaml:"price"`
	BaseGuests    int       `json:"base_guests" yaml:"base_guests"`
	ExtraGuestFee int64     `json:"extra_guest_fee" yaml:"extra_guest_fee"`
	MaxGuests     int       `json:"max_guests" yaml:"max_guests"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// IncludedGuests returns how many guests the nightly price covers.
func (l *Listing) IncludedGuests() int {
	if l.BaseGuests <= 0 {
		return DefaultBaseGuests
	}
	return l.BaseGuests
}
