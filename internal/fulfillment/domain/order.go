package domain

import (
	"fmt"
	"time"
)

// InventoryStatus is the order's secondary state track, driven solely by
// reservation events from the inventory service. The primary fulfillment
// workflow reads it as a gate (ALLOCATED unlocks picking, CANCELLED/EXPIRED
// abort) but never writes it.
type InventoryStatus string

const (
	InventoryPending   InventoryStatus = "PENDING"
	InventoryReserved  InventoryStatus = "RESERVED"
	InventoryConfirmed InventoryStatus = "CONFIRMED"
	InventoryAllocated InventoryStatus = "ALLOCATED"
	InventoryCancelled InventoryStatus = "CANCELLED"
	InventoryExpired   InventoryStatus = "EXPIRED"
)

// reservationStatusMap translates an inventory-side reservation status
// carried in a status-changed event into the order's inventory status.
// Unmapped inputs are ignored by the consumer (logged, not fatal).
var reservationStatusMap = map[string]InventoryStatus{
	"CONFIRMED": InventoryConfirmed,
	"FULFILLED": InventoryAllocated,
	"COMPLETED": InventoryAllocated,
	"CANCELLED": InventoryCancelled,
	"EXPIRED":   InventoryExpired,
}

// MapReservationStatus returns the inventory status for a reservation
// status, false when the input has no mapping.
func MapReservationStatus(status string) (InventoryStatus, bool) {
	mapped, ok := reservationStatusMap[status]
	return mapped, ok
}

// Note is one entry in the order's append-only audit log.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Order is the fulfillment-side view of an order, scoped to the inventory
// synchronization track.
type Order struct {
	OrderID string
	UserID  string

	InventoryStatus               InventoryStatus
	InventoryReservationID        string
	InventoryReservationExpiresAt time.Time

	// LastInventoryEventID is the de-duplication safeguard for the
	// collaborator hooks: a redelivered event reasserts state but never
	// re-fires a hook.
	LastInventoryEventID string

	Notes     []Note
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewOrder(orderID, userID string) *Order {
	now := time.Now().UTC()
	return &Order{
		OrderID:         orderID,
		UserID:          userID,
		InventoryStatus: InventoryPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SetInventoryStatus assigns the status and appends an audit note. The
// assignment is a fixed-target write, so reapplying the same event leaves
// the order in the same state (at the cost of a duplicate note, which is
// acceptable for an audit log).
func (o *Order) SetInventoryStatus(status InventoryStatus, note string) {
	o.InventoryStatus = status
	o.AppendNote(note)
}

func (o *Order) AppendNote(text string) {
	now := time.Now().UTC()
	o.Notes = append(o.Notes, Note{At: now, Text: text})
	o.UpdatedAt = now
}

// SeenEvent records an applied event id and reports whether it was already
// applied.
func (o *Order) SeenEvent(eventID string) bool {
	if o.LastInventoryEventID == eventID {
		return true
	}
	o.LastInventoryEventID = eventID
	return false
}

// ReadyForPicking gates the primary workflow's advance into picking.
func (o *Order) ReadyForPicking() bool {
	return o.InventoryStatus == InventoryAllocated
}

// InventoryLost signals a terminal abort of the order's inventory hold.
func (o *Order) InventoryLost() bool {
	return o.InventoryStatus == InventoryCancelled || o.InventoryStatus == InventoryExpired
}

func (o *Order) String() string {
	return fmt.Sprintf("order %s inventory=%s reservation=%s", o.OrderID, o.InventoryStatus, o.InventoryReservationID)
}
