package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
)

// ErrDuplicateKey rejects an insert whose idempotency key is already taken.
// The engine resolves it by replaying the existing reservation.
var ErrDuplicateKey = errors.New("duplicate idempotency key")

// Store persists reservations. Update serializes all callers touching the
// same reservation, which is what makes the complete/cancel/expire race
// resolve to exactly one winner. Reservations are never deleted.
type Store interface {
	Insert(ctx context.Context, res *domain.Reservation) error
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error)
	ListByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error)
	// ListActiveByItem returns PENDING/CONFIRMED reservations holding the
	// item on at least one line.
	ListActiveByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.Reservation, error)
	// ListExpired returns active reservations whose expiration is at or
	// before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error)
	Update(ctx context.Context, id string, fn func(*domain.Reservation) error) error
}

// MemoryStore holds reservations in memory with a per-reservation mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
	recs  map[string]*domain.Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: make(map[string]*sync.Mutex),
		recs:  make(map[string]*domain.Reservation),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, res *domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[res.ID]; ok {
		return fmt.Errorf("%w: reservation %s already exists", domain.ErrInvalidState, res.ID)
	}
	if res.IdempotencyKey != "" {
		for _, existing := range s.recs {
			if existing.IdempotencyKey == res.IdempotencyKey {
				return fmt.Errorf("%w: %q", ErrDuplicateKey, res.IdempotencyKey)
			}
		}
	}
	cp := cloneReservation(res)
	s.recs[res.ID] = cp
	s.locks[res.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	return cloneReservation(res), nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, res := range s.recs {
		if res.IdempotencyKey == key {
			return cloneReservation(res), nil
		}
	}
	return nil, fmt.Errorf("%w: reservation with idempotency key %q", domain.ErrNotFound, key)
}

func (s *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Reservation
	for _, res := range s.recs {
		if res.OrderID == orderID {
			out = append(out, cloneReservation(res))
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListActiveByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Reservation
	for _, res := range s.recs {
		if !res.Active() {
			continue
		}
		for _, line := range res.Lines {
			if line.ItemID == itemID {
				out = append(out, cloneReservation(res))
				break
			}
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Reservation
	for _, res := range s.recs {
		if res.ExpiredAt(now) {
			out = append(out, cloneReservation(res))
		}
	}
	sortByCreation(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*domain.Reservation) error) error {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	res := s.recs[id]
	s.mu.RUnlock()

	cp := cloneReservation(res)
	if err := fn(cp); err != nil {
		return err
	}

	s.mu.Lock()
	s.recs[id] = cp
	s.mu.Unlock()
	return nil
}

func cloneReservation(res *domain.Reservation) *domain.Reservation {
	cp := *res
	cp.Lines = make([]domain.ReservationLine, len(res.Lines))
	copy(cp.Lines, res.Lines)
	return &cp
}

func sortByCreation(list []*domain.Reservation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
