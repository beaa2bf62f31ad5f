package domain

import (
	"fmt"
	"time"
)

type ItemID string
type LocationID string

type StockStatus string

const (
	StockReceiving    StockStatus = "RECEIVING"
	StockAvailable    StockStatus = "AVAILABLE"
	StockReserved     StockStatus = "RESERVED"
	StockAllocated    StockStatus = "ALLOCATED"
	StockQualityHold  StockStatus = "QUALITY_HOLD"
	StockDamaged      StockStatus = "DAMAGED"
	StockExpired      StockStatus = "EXPIRED"
	StockRecalled     StockStatus = "RECALLED"
	StockMissing      StockStatus = "MISSING"
	StockCycleCount   StockStatus = "CYCLE_COUNT"
	StockQuarantined  StockStatus = "QUARANTINED"
	StockInTransit    StockStatus = "IN_TRANSIT"
	StockDiscontinued StockStatus = "DISCONTINUED"
	StockInactive     StockStatus = "INACTIVE"
)

// StockRecord tracks quantities for one item at one location. An empty
// LocationID means vendor self-storage. The quantity buckets always satisfy
// total == available + reserved + committed; every mutation goes through
// the methods below, which preserve that.
type StockRecord struct {
	ItemID     ItemID
	LocationID LocationID

	Available int64
	Reserved  int64
	Committed int64
	Total     int64

	Status    StockStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewStockRecord(itemID ItemID, locationID LocationID, quantity int64) *StockRecord {
	now := time.Now().UTC()
	return &StockRecord{
		ItemID:     itemID,
		LocationID: locationID,
		Available:  quantity,
		Total:      quantity,
		Status:     StockAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Reserve moves qty from available to reserved.
func (r *StockRecord) Reserve(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reserve quantity must be positive, got %d", ErrInvalidState, qty)
	}
	if r.Available < qty {
		return fmt.Errorf("%w: item %s location %s has %d available, requested %d",
			ErrInsufficientStock, r.ItemID, r.LocationID, r.Available, qty)
	}
	r.Available -= qty
	r.Reserved += qty
	r.touch()
	r.deriveStatus()
	return nil
}

// Release reverses a prior reserve. Underflow means a lost or double
// release upstream.
func (r *StockRecord) Release(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: release quantity must be positive, got %d", ErrInvalidState, qty)
	}
	if r.Reserved < qty {
		return fmt.Errorf("%w: item %s location %s has %d reserved, release of %d would underflow",
			ErrInvalidState, r.ItemID, r.LocationID, r.Reserved, qty)
	}
	r.Reserved -= qty
	r.Available += qty
	r.touch()
	r.deriveStatus()
	return nil
}

// Commit moves qty from reserved to committed (physical pick started).
// Never touches available.
func (r *StockRecord) Commit(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: commit quantity must be positive, got %d", ErrInvalidState, qty)
	}
	if r.Reserved < qty {
		return fmt.Errorf("%w: item %s location %s has %d reserved, commit of %d would underflow",
			ErrInvalidState, r.ItemID, r.LocationID, r.Reserved, qty)
	}
	r.Reserved -= qty
	r.Committed += qty
	r.touch()
	r.deriveStatus()
	return nil
}

// ReverseCommit is the compensating action for a partially failed
// completion: moves qty back from committed to reserved.
func (r *StockRecord) ReverseCommit(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: reverse-commit quantity must be positive, got %d", ErrInvalidState, qty)
	}
	if r.Committed < qty {
		return fmt.Errorf("%w: item %s location %s has %d committed, reversal of %d would underflow",
			ErrInvalidState, r.ItemID, r.LocationID, r.Committed, qty)
	}
	r.Committed -= qty
	r.Reserved += qty
	r.touch()
	r.deriveStatus()
	return nil
}

// Adjust changes available (and total) by delta, e.g. after a cycle count
// or damaged write-off. Cannot drive available below zero.
func (r *StockRecord) Adjust(delta int64) error {
	if r.Available+delta < 0 {
		return fmt.Errorf("%w: adjustment of %d would drive available below zero (have %d)",
			ErrInvalidState, delta, r.Available)
	}
	r.Available += delta
	r.Total += delta
	r.touch()
	return nil
}

// Invariant reports whether the quantity buckets are internally consistent.
func (r *StockRecord) Invariant() bool {
	return r.Available >= 0 && r.Reserved >= 0 && r.Committed >= 0 &&
		r.Total == r.Available+r.Reserved+r.Committed
}

func (r *StockRecord) touch() {
	r.Total = r.Available + r.Reserved + r.Committed
	r.UpdatedAt = time.Now().UTC()
}

// deriveStatus follows the bookkeeping edges of the transition table when
// a quantity change implies them. Records parked in an exceptional status
// (QUALITY_HOLD, DAMAGED, ...) keep their tag; only explicit Transition
// calls move those.
func (r *StockRecord) deriveStatus() {
	switch r.Status {
	case StockAvailable:
		if r.Reserved > 0 && CanTransition(r.Status, StockReserved) {
			r.Status = StockReserved
		}
	case StockReserved:
		if r.Committed > 0 && CanTransition(r.Status, StockAllocated) {
			r.Status = StockAllocated
		} else if r.Reserved == 0 && CanTransition(r.Status, StockAvailable) {
			r.Status = StockAvailable
		}
	case StockAllocated:
		if r.Reserved == 0 && r.Committed == 0 && CanTransition(r.Status, StockAvailable) {
			r.Status = StockAvailable
		}
	}
}
