package domain

import "time"

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// ReservationLine is one held quantity. Lines are immutable after the
// reservation is created.
type ReservationLine struct {
	ItemID     ItemID
	LocationID LocationID
	Quantity   int64
	UnitPrice  int64 // minor currency units
}

// Reservation is a time-bounded hold on inventory for one order.
// Reservations are never deleted; cancellation and expiry are status
// transitions, keeping the full audit trail.
type Reservation struct {
	ID             string
	OrderID        string
	UserID         string
	IdempotencyKey string
	// Priority marks rush orders; carried on the wire so fulfillment can
	// sequence picking without a lookup.
	Priority bool

	Lines  []ReservationLine
	Status ReservationStatus

	ExpirationTime time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active reports whether the reservation still holds ledger quantity.
func (r *Reservation) Active() bool {
	return r.Status == ReservationPending || r.Status == ReservationConfirmed
}

// Terminal reports whether the reservation reached a final status.
func (r *Reservation) Terminal() bool {
	switch r.Status {
	case ReservationCompleted, ReservationCancelled, ReservationExpired:
		return true
	}
	return false
}

// ExpiredAt reports whether the reservation should be expired as of now.
// Only active reservations expire; terminal ones are left alone.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.Active() && !r.ExpirationTime.After(now)
}

// TotalQuantity sums line quantities.
func (r *Reservation) TotalQuantity() int64 {
	var total int64
	for _, l := range r.Lines {
		total += l.Quantity
	}
	return total
}
