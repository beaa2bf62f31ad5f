package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
)

// Store persists stock records. Mutate serializes all callers touching the
// same (item, location) key while letting distinct keys proceed in
// parallel; implementations never hold more than one key at a time, so no
// lock ordering issues can arise.
type Store interface {
	Get(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID) (*domain.StockRecord, error)
	Put(ctx context.Context, rec *domain.StockRecord) error
	// ListByItem returns the item's records ordered by location id
	// ascending. The ordering is load-bearing: location selection during
	// reservation depends on it.
	ListByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.StockRecord, error)
	Mutate(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, fn func(*domain.StockRecord) error) error
}

// Ledger is the single mutation path for stock quantities.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// CreateRecord registers a new stock record with an initial available
// quantity.
func (l *Ledger) CreateRecord(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, qty int64) (*domain.StockRecord, error) {
	if qty < 0 {
		return nil, fmt.Errorf("%w: initial quantity must not be negative", domain.ErrInvalidState)
	}
	rec := domain.NewStockRecord(itemID, locationID, qty)
	if err := l.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Ledger) Reserve(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, qty int64) error {
	return l.store.Mutate(ctx, itemID, locationID, func(rec *domain.StockRecord) error {
		return rec.Reserve(qty)
	})
}

func (l *Ledger) Release(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, qty int64) error {
	return l.store.Mutate(ctx, itemID, locationID, func(rec *domain.StockRecord) error {
		return rec.Release(qty)
	})
}

func (l *Ledger) Commit(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, qty int64) error {
	return l.store.Mutate(ctx, itemID, locationID, func(rec *domain.StockRecord) error {
		return rec.Commit(qty)
	})
}

func (l *Ledger) ReverseCommit(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, qty int64) error {
	return l.store.Mutate(ctx, itemID, locationID, func(rec *domain.StockRecord) error {
		return rec.ReverseCommit(qty)
	})
}

func (l *Ledger) Adjust(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, delta int64, reason string) error {
	err := l.store.Mutate(ctx, itemID, locationID, func(rec *domain.StockRecord) error {
		return rec.Adjust(delta)
	})
	if err != nil {
		return err
	}
	l.logger.Info("stock adjusted",
		zap.String("item_id", string(itemID)),
		zap.String("location_id", string(locationID)),
		zap.Int64("delta", delta),
		zap.String("reason", reason))
	return nil
}

// Transition applies an explicit status change checked against the table.
// Failures are logged loudly: a rejected transition means a caller or a
// data load is out of sync with the table.
func (l *Ledger) Transition(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, to domain.StockStatus) error {
	err := l.store.Mutate(ctx, itemID, locationID, func(rec *domain.StockRecord) error {
		return rec.Transition(to)
	})
	if err != nil {
		l.logger.Error("stock status transition rejected",
			zap.String("item_id", string(itemID)),
			zap.String("location_id", string(locationID)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
	return err
}

func (l *Ledger) Get(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID) (*domain.StockRecord, error) {
	return l.store.Get(ctx, itemID, locationID)
}

func (l *Ledger) ListByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.StockRecord, error) {
	return l.store.ListByItem(ctx, itemID)
}
