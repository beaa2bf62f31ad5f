package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
)

type stockKey struct {
	item     domain.ItemID
	location domain.LocationID
}

// MemoryStore keeps stock records in memory with one mutex per (item,
// location) key. The registry mutex only guards the maps themselves; all
// quantity work happens under the per-key lock.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[stockKey]*sync.Mutex
	recs  map[stockKey]*domain.StockRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[stockKey]*sync.Mutex),
		recs:  make(map[stockKey]*domain.StockRecord),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec *domain.StockRecord) error {
	key := stockKey{rec.ItemID, rec.LocationID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[key]; ok {
		return fmt.Errorf("%w: stock record %s/%s already exists", domain.ErrInvalidState, rec.ItemID, rec.LocationID)
	}
	cp := *rec
	s.recs[key] = &cp
	s.locks[key] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID) (*domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[stockKey{itemID, locationID}]
	if !ok {
		return nil, fmt.Errorf("%w: stock record %s/%s", domain.ErrNotFound, itemID, locationID)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.StockRecord
	for key, rec := range s.recs {
		if key.item == itemID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out, nil
}

func (s *MemoryStore) Mutate(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, fn func(*domain.StockRecord) error) error {
	key := stockKey{itemID, locationID}
	s.mu.RLock()
	lock, ok := s.locks[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: stock record %s/%s", domain.ErrNotFound, itemID, locationID)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	rec := s.recs[key]
	s.mu.RUnlock()

	cp := *rec
	if err := fn(&cp); err != nil {
		return err
	}

	s.mu.Lock()
	s.recs[key] = &cp
	s.mu.Unlock()
	return nil
}
