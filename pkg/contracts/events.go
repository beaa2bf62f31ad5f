package contracts

import "time"

// Event is the wire format for reservation lifecycle events. AggregateID is
// the fulfillment order id; the transport partitions by it, so events for
// one order are totally ordered.
type Event struct {
	EventID     string         `json:"event_id"`
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregate_id"`
	CreatedAt   time.Time      `json:"created_at"`
	Payload     map[string]any `json:"payload"`
}

const (
	EventReservationCreated       = "reservation.created"
	EventReservationStatusChanged = "reservation.status_changed"
	EventReservationCompleted     = "reservation.completed"
	EventReservationCancelled     = "reservation.cancelled"
	EventReservationExpired       = "reservation.expired"
)

// Payload field names shared by publisher and consumer.
const (
	FieldReservationID      = "reservation_id"
	FieldWarehouseID        = "warehouse_id"
	FieldExpirationTime     = "expiration_time"
	FieldIsPartial          = "is_partial"
	FieldIsPriority         = "is_priority"
	FieldLineItemCount      = "line_item_count"
	FieldFullyReservedCount = "fully_reserved_count"
	FieldPreviousStatus     = "previous_status"
	FieldNewStatus          = "new_status"
	FieldReason             = "reason"
)
