package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
	"github.com/nazeru/warehousing-go/pkg/contracts"
)

// Builders for every reservation transition. Each event carries the full
// payload (warehouse, expiration, line counts, business flags); consumers
// must never need to call back into the inventory service to fill gaps.

func newEvent(eventType, orderID string, payload map[string]any) contracts.Event {
	return contracts.Event{
		EventID:     uuid.NewString(),
		Type:        eventType,
		AggregateID: orderID,
		CreatedAt:   time.Now().UTC(),
		Payload:     payload,
	}
}

// primaryWarehouse is the warehouse carried in event payloads: the location
// of the first line. Multi-warehouse reservations are flagged partial.
func primaryWarehouse(res *domain.Reservation) string {
	if len(res.Lines) == 0 {
		return ""
	}
	return string(res.Lines[0].LocationID)
}

func isPartial(res *domain.Reservation) bool {
	for _, l := range res.Lines {
		if l.LocationID != res.Lines[0].LocationID {
			return true
		}
	}
	return false
}

func ReservationCreated(res *domain.Reservation) contracts.Event {
	return newEvent(contracts.EventReservationCreated, res.OrderID, map[string]any{
		contracts.FieldReservationID:      res.ID,
		contracts.FieldWarehouseID:        primaryWarehouse(res),
		contracts.FieldExpirationTime:     res.ExpirationTime.Format(time.RFC3339Nano),
		contracts.FieldIsPartial:          isPartial(res),
		contracts.FieldIsPriority:         res.Priority,
		contracts.FieldLineItemCount:      len(res.Lines),
		contracts.FieldFullyReservedCount: len(res.Lines),
	})
}

func ReservationStatusChanged(res *domain.Reservation, previous domain.ReservationStatus) contracts.Event {
	return newEvent(contracts.EventReservationStatusChanged, res.OrderID, map[string]any{
		contracts.FieldReservationID:  res.ID,
		contracts.FieldWarehouseID:    primaryWarehouse(res),
		contracts.FieldExpirationTime: res.ExpirationTime.Format(time.RFC3339Nano),
		contracts.FieldPreviousStatus: string(previous),
		contracts.FieldNewStatus:      string(res.Status),
	})
}

func ReservationCompleted(res *domain.Reservation) contracts.Event {
	return newEvent(contracts.EventReservationCompleted, res.OrderID, map[string]any{
		contracts.FieldReservationID:      res.ID,
		contracts.FieldWarehouseID:        primaryWarehouse(res),
		contracts.FieldLineItemCount:      len(res.Lines),
		contracts.FieldFullyReservedCount: len(res.Lines),
	})
}

func ReservationCancelled(res *domain.Reservation, reason string) contracts.Event {
	return newEvent(contracts.EventReservationCancelled, res.OrderID, map[string]any{
		contracts.FieldReservationID: res.ID,
		contracts.FieldWarehouseID:   primaryWarehouse(res),
		contracts.FieldReason:        reason,
	})
}

func ReservationExpired(res *domain.Reservation) contracts.Event {
	return newEvent(contracts.EventReservationExpired, res.OrderID, map[string]any{
		contracts.FieldReservationID:  res.ID,
		contracts.FieldWarehouseID:    primaryWarehouse(res),
		contracts.FieldExpirationTime: res.ExpirationTime.Format(time.RFC3339Nano),
	})
}
