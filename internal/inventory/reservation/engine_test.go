package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
	"github.com/nazeru/warehousing-go/internal/inventory/events"
	"github.com/nazeru/warehousing-go/internal/inventory/ledger"
	"github.com/nazeru/warehousing-go/pkg/contracts"
)

type testRig struct {
	ledger    *ledger.Ledger
	engine    *Engine
	publisher *events.CapturePublisher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	led := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	pub := events.NewCapturePublisher()
	eng := NewEngine(led, NewMemoryStore(), pub, zap.NewNop())
	return &testRig{ledger: led, engine: eng, publisher: pub}
}

func (r *testRig) seed(t *testing.T, itemID domain.ItemID, locationID domain.LocationID, qty int64) {
	t.Helper()
	_, err := r.ledger.CreateRecord(context.Background(), itemID, locationID, qty)
	require.NoError(t, err)
}

func (r *testRig) stock(t *testing.T, itemID domain.ItemID, locationID domain.LocationID) *domain.StockRecord {
	t.Helper()
	rec, err := r.ledger.Get(context.Background(), itemID, locationID)
	require.NoError(t, err)
	return rec
}

func singleLine(itemID domain.ItemID, locationID domain.LocationID, qty int64) []LineRequest {
	return []LineRequest{{ItemID: itemID, LocationID: locationID, Quantity: qty}}
}

func TestCreateReservationHoldsStock(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)

	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		UserID:  "user-1",
		Lines:   singleLine("sku-x", "wh-1", 5),
		TTL:     time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationPending, res.Status)
	assert.NotEmpty(t, res.ID)
	rec := rig.stock(t, "sku-x", "wh-1")
	assert.Equal(t, int64(5), rec.Available)
	assert.Equal(t, int64(5), rec.Reserved)

	evts := rig.publisher.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, contracts.EventReservationCreated, evts[0].Type)
	assert.Equal(t, "order-1", evts[0].AggregateID)
	assert.Equal(t, res.ID, evts[0].Payload[contracts.FieldReservationID])
}

func TestCreateReservationInsufficientStockLeavesNoOrphan(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 3)

	_, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   singleLine("sku-x", "wh-1", 4),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	rec := rig.stock(t, "sku-x", "wh-1")
	assert.Equal(t, int64(3), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
	list, err := rig.engine.ListByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, rig.publisher.Events())
}

func TestCreateReservationMultiLineCompensatesOnMidFailure(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-a", "wh-1", 10)
	rig.seed(t, "sku-b", "wh-1", 1)

	_, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines: []LineRequest{
			{ItemID: "sku-a", LocationID: "wh-1", Quantity: 4},
			{ItemID: "sku-b", LocationID: "wh-1", Quantity: 2},
		},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	// The first line's hold must have been released.
	recA := rig.stock(t, "sku-a", "wh-1")
	assert.Equal(t, int64(10), recA.Available)
	assert.Equal(t, int64(0), recA.Reserved)
}

func TestCreateReservationSelectsLowestSufficientLocation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "w1", 2)
	rig.seed(t, "sku-x", "w2", 10)

	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   []LineRequest{{ItemID: "sku-x", Quantity: 5}},
	})
	require.NoError(t, err)

	// w1 cannot cover 5, so w2 wins, deterministically.
	require.Len(t, res.Lines, 1)
	assert.Equal(t, domain.LocationID("w2"), res.Lines[0].LocationID)
	assert.Equal(t, int64(5), rig.stock(t, "sku-x", "w2").Reserved)
	assert.Equal(t, int64(0), rig.stock(t, "sku-x", "w1").Reserved)
}

func TestCreateReservationPrefersLowestLocationID(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "w2", 10)
	rig.seed(t, "sku-x", "w1", 10)

	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   []LineRequest{{ItemID: "sku-x", Quantity: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LocationID("w1"), res.Lines[0].LocationID)
}

func TestCreateReservationIdempotencyKeyReplay(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)

	first, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID:        "order-1",
		Lines:          singleLine("sku-x", "wh-1", 5),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	second, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID:        "order-1",
		Lines:          singleLine("sku-x", "wh-1", 5),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// The replay must not have touched the ledger again.
	rec := rig.stock(t, "sku-x", "wh-1")
	assert.Equal(t, int64(5), rec.Available)
	assert.Equal(t, int64(5), rec.Reserved)
	assert.Len(t, rig.publisher.Events(), 1)
}

func TestInsertRejectsDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, &domain.Reservation{
		ID: "res-1", OrderID: "order-1", IdempotencyKey: "key-1",
		Status: domain.ReservationPending,
	}))
	err := store.Insert(ctx, &domain.Reservation{
		ID: "res-2", OrderID: "order-2", IdempotencyKey: "key-1",
		Status: domain.ReservationPending,
	})
	require.ErrorIs(t, err, ErrDuplicateKey)

	// Reservations without a key never collide.
	require.NoError(t, store.Insert(ctx, &domain.Reservation{
		ID: "res-3", OrderID: "order-3", Status: domain.ReservationPending,
	}))
	require.NoError(t, store.Insert(ctx, &domain.Reservation{
		ID: "res-4", OrderID: "order-4", Status: domain.ReservationPending,
	}))
}

// Two racing creates with the same key must end with one reservation and
// one hold; the loser releases its lines and returns the winner's
// reservation.
func TestCreateReservationConcurrentSameKeyReservesOnce(t *testing.T) {
	ctx := context.Background()
	for iter := 0; iter < 20; iter++ {
		rig := newTestRig(t)
		rig.seed(t, "sku-x", "wh-1", 10)

		req := CreateRequest{
			OrderID:        "order-1",
			Lines:          singleLine("sku-x", "wh-1", 5),
			IdempotencyKey: "key-1",
		}

		results := make([]*domain.Reservation, 2)
		errs := make([]error, 2)
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			i := i
			go func() {
				defer wg.Done()
				<-start
				results[i], errs[i] = rig.engine.CreateReservation(ctx, req)
			}()
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.Equal(t, results[0].ID, results[1].ID)

		rec := rig.stock(t, "sku-x", "wh-1")
		assert.Equal(t, int64(5), rec.Available)
		assert.Equal(t, int64(5), rec.Reserved)
		assert.True(t, rec.Invariant())
	}
}

func TestConfirmReservation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)
	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   singleLine("sku-x", "wh-1", 5),
	})
	require.NoError(t, err)

	require.NoError(t, rig.engine.ConfirmReservation(ctx, res.ID))

	got, err := rig.engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, got.Status)

	evts := rig.publisher.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, contracts.EventReservationStatusChanged, evts[1].Type)
	assert.Equal(t, "PENDING", evts[1].Payload[contracts.FieldPreviousStatus])
	assert.Equal(t, "CONFIRMED", evts[1].Payload[contracts.FieldNewStatus])

	err = rig.engine.ConfirmReservation(ctx, res.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestExtendReservation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)
	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   singleLine("sku-x", "wh-1", 5),
	})
	require.NoError(t, err)
	before := res.ExpirationTime

	require.NoError(t, rig.engine.ExtendReservation(ctx, res.ID, 30*time.Minute))

	got, err := rig.engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Add(30*time.Minute), got.ExpirationTime)
}

func TestExtendTerminalReservationFails(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)
	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   singleLine("sku-x", "wh-1", 5),
	})
	require.NoError(t, err)
	_, err = rig.engine.CancelReservation(ctx, "order-1")
	require.NoError(t, err)

	err = rig.engine.ExtendReservation(ctx, res.ID, time.Minute)
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

// Full lifecycle: reserve all stock, complete, then a late cancel is a
// no-op and the ledger stays committed.
func TestCompleteThenCancelScenario(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "item-x", "w1", 3)

	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "o1",
		Lines:   singleLine("item-x", "w1", 3),
		TTL:     60 * time.Minute,
	})
	require.NoError(t, err)

	rec := rig.stock(t, "item-x", "w1")
	assert.Equal(t, int64(0), rec.Available)
	assert.Equal(t, int64(3), rec.Reserved)

	done, err := rig.engine.CompleteReservation(ctx, "o1", "u1")
	require.NoError(t, err)
	assert.True(t, done)

	rec = rig.stock(t, "item-x", "w1")
	assert.Equal(t, int64(0), rec.Reserved)
	assert.Equal(t, int64(3), rec.Committed)

	got, err := rig.engine.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCompleted, got.Status)

	cancelled, err := rig.engine.CancelReservation(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	rec = rig.stock(t, "item-x", "w1")
	assert.Equal(t, int64(0), rec.Available)
	assert.Equal(t, int64(3), rec.Committed)
	assert.True(t, rec.Invariant())
}

func TestCancelReservationIdempotent(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)
	_, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   singleLine("sku-x", "wh-1", 4),
	})
	require.NoError(t, err)

	first, err := rig.engine.CancelReservation(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, first)

	rec := rig.stock(t, "sku-x", "wh-1")
	assert.Equal(t, int64(10), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)

	second, err := rig.engine.CancelReservation(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, second)

	// Second call must not move the ledger.
	rec = rig.stock(t, "sku-x", "wh-1")
	assert.Equal(t, int64(10), rec.Available)
	assert.Equal(t, int64(0), rec.Reserved)
}

func TestGetTotalReservedQuantityCountsOnlyActive(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 20)

	_, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1", Lines: singleLine("sku-x", "wh-1", 5),
	})
	require.NoError(t, err)
	_, err = rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-2", Lines: singleLine("sku-x", "wh-1", 3),
	})
	require.NoError(t, err)

	total, err := rig.engine.GetTotalReservedQuantity(ctx, "sku-x", "")
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)

	_, err = rig.engine.CancelReservation(ctx, "order-2")
	require.NoError(t, err)

	total, err = rig.engine.GetTotalReservedQuantity(ctx, "sku-x", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	total, err = rig.engine.GetTotalReservedQuantity(ctx, "sku-x", "wh-9")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

// Publish trouble never rolls back the local transition.
func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)
	rig.seed(t, "sku-x", "wh-1", 10)
	rig.publisher.Fail = errors.New("broker down")

	res, err := rig.engine.CreateReservation(ctx, CreateRequest{
		OrderID: "order-1",
		Lines:   singleLine("sku-x", "wh-1", 5),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, res.Status)
	assert.Equal(t, int64(5), rig.stock(t, "sku-x", "wh-1").Reserved)
}
