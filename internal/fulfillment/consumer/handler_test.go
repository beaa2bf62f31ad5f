package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/internal/fulfillment/domain"
	"github.com/nazeru/warehousing-go/pkg/contracts"
)

type recordingHooks struct {
	advanced     int
	losses       int
	lastLoss     string
	failNext     error
	failuresLeft int
}

func (h *recordingHooks) fail() error {
	if h.failNext != nil {
		return h.failNext
	}
	if h.failuresLeft > 0 {
		h.failuresLeft--
		return errors.New("downstream unavailable")
	}
	return nil
}

func (h *recordingHooks) AdvanceToNextStage(ctx context.Context, order *domain.Order) error {
	if err := h.fail(); err != nil {
		return err
	}
	h.advanced++
	return nil
}

func (h *recordingHooks) HandleInventoryLoss(ctx context.Context, order *domain.Order, reason string) error {
	if err := h.fail(); err != nil {
		return err
	}
	h.losses++
	h.lastLoss = reason
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *MemoryOrderStore, *recordingHooks) {
	t.Helper()
	store := NewMemoryOrderStore()
	hooks := &recordingHooks{}
	return NewHandler(store, hooks, zap.NewNop()), store, hooks
}

func registerOrder(t *testing.T, store *MemoryOrderStore, orderID string) {
	t.Helper()
	require.NoError(t, store.Insert(context.Background(), domain.NewOrder(orderID, "user-1")))
}

func event(eventID, eventType, orderID string, payload map[string]any) contracts.Event {
	return contracts.Event{
		EventID:     eventID,
		Type:        eventType,
		AggregateID: orderID,
		CreatedAt:   time.Now().UTC(),
		Payload:     payload,
	}
}

func TestOnCreatedRecordsReservation(t *testing.T) {
	ctx := context.Background()
	handler, store, _ := newTestHandler(t)
	registerOrder(t, store, "order-1")

	expires := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := handler.Handle(ctx, event("evt-1", contracts.EventReservationCreated, "order-1", map[string]any{
		contracts.FieldReservationID:  "res-1",
		contracts.FieldExpirationTime: expires.Format(time.RFC3339Nano),
	}))
	require.NoError(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryReserved, order.InventoryStatus)
	assert.Equal(t, "res-1", order.InventoryReservationID)
	assert.Equal(t, expires, order.InventoryReservationExpiresAt)
	assert.Len(t, order.Notes, 1)
}

func TestOnCompletedAllocatesAndAdvances(t *testing.T) {
	ctx := context.Background()
	handler, store, hooks := newTestHandler(t)
	registerOrder(t, store, "order-1")

	err := handler.Handle(ctx, event("evt-1", contracts.EventReservationCompleted, "order-1", map[string]any{
		contracts.FieldReservationID: "res-1",
	}))
	require.NoError(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryAllocated, order.InventoryStatus)
	assert.True(t, order.ReadyForPicking())
	assert.Equal(t, 1, hooks.advanced)
}

// At-least-once delivery: replaying the same completed event keeps the
// order ALLOCATED and fires the hook only once.
func TestOnCompletedReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	handler, store, hooks := newTestHandler(t)
	registerOrder(t, store, "order-1")

	evt := event("evt-1", contracts.EventReservationCompleted, "order-1", map[string]any{
		contracts.FieldReservationID: "res-1",
	})
	require.NoError(t, handler.Handle(ctx, evt))
	require.NoError(t, handler.Handle(ctx, evt))

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryAllocated, order.InventoryStatus)
	assert.Equal(t, 1, hooks.advanced)
}

func TestOnCancelledCompensates(t *testing.T) {
	ctx := context.Background()
	handler, store, hooks := newTestHandler(t)
	registerOrder(t, store, "order-1")

	err := handler.Handle(ctx, event("evt-1", contracts.EventReservationCancelled, "order-1", map[string]any{
		contracts.FieldReason: "caller asked",
	}))
	require.NoError(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryCancelled, order.InventoryStatus)
	assert.True(t, order.InventoryLost())
	assert.Equal(t, 1, hooks.losses)
	assert.Equal(t, "caller asked", hooks.lastLoss)
}

func TestOnExpiredCompensates(t *testing.T) {
	ctx := context.Background()
	handler, store, hooks := newTestHandler(t)
	registerOrder(t, store, "order-1")

	err := handler.Handle(ctx, event("evt-1", contracts.EventReservationExpired, "order-1", nil))
	require.NoError(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryExpired, order.InventoryStatus)
	assert.Equal(t, 1, hooks.losses)
	assert.Equal(t, "reservation expired", hooks.lastLoss)
}

func TestOnStatusChangedMapsStatus(t *testing.T) {
	ctx := context.Background()
	handler, store, _ := newTestHandler(t)
	registerOrder(t, store, "order-1")

	err := handler.Handle(ctx, event("evt-1", contracts.EventReservationStatusChanged, "order-1", map[string]any{
		contracts.FieldPreviousStatus: "PENDING",
		contracts.FieldNewStatus:      "CONFIRMED",
	}))
	require.NoError(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryConfirmed, order.InventoryStatus)
}

func TestOnStatusChangedIgnoresUnmappedStatus(t *testing.T) {
	ctx := context.Background()
	handler, store, _ := newTestHandler(t)
	registerOrder(t, store, "order-1")

	err := handler.Handle(ctx, event("evt-1", contracts.EventReservationStatusChanged, "order-1", map[string]any{
		contracts.FieldNewStatus: "SOMETHING_NEW",
	}))
	require.NoError(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryPending, order.InventoryStatus)
}

// A miss is tolerated: the order may belong to another bounded context and
// redelivery would not make it appear.
func TestUnknownOrderIsAcknowledged(t *testing.T) {
	handler, _, hooks := newTestHandler(t)

	err := handler.Handle(context.Background(), event("evt-1", contracts.EventReservationCompleted, "order-ghost", nil))

	require.NoError(t, err)
	assert.Equal(t, 0, hooks.advanced)
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	registerOrder(t, store, "order-1")

	err := handler.Handle(context.Background(), event("evt-1", "reservation.repriced", "order-1", nil))
	require.NoError(t, err)
}

// A hook failure fails the whole event so the transport redelivers; the
// order state must not have been half-saved.
func TestHookFailureFailsEvent(t *testing.T) {
	ctx := context.Background()
	handler, store, hooks := newTestHandler(t)
	registerOrder(t, store, "order-1")
	hooks.failNext = errors.New("workflow unavailable")

	evt := event("evt-1", contracts.EventReservationCompleted, "order-1", nil)
	err := handler.Handle(ctx, evt)
	require.Error(t, err)

	order, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryPending, order.InventoryStatus)
	assert.Empty(t, order.LastInventoryEventID)

	// Redelivery after the hook recovers applies cleanly.
	hooks.failNext = nil
	require.NoError(t, handler.Handle(ctx, evt))
	order, err = store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.InventoryAllocated, order.InventoryStatus)
	assert.Equal(t, 1, hooks.advanced)
}
