package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/warehousing-go/internal/fulfillment/domain"
)

var ErrOrderNotFound = errors.New("order not found")

// OrderStore persists fulfillment orders. Update applies fn under
// per-order serialization: one event's lookup, mutation and save are atomic
// from the consumer's point of view.
type OrderStore interface {
	Insert(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	Update(ctx context.Context, orderID string, fn func(*domain.Order) error) error
}

// MemoryOrderStore keeps orders in memory with a per-order mutex.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	locks  map[string]*sync.Mutex
	orders map[string]*domain.Order
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		locks:  make(map[string]*sync.Mutex),
		orders: make(map[string]*domain.Order),
	}
}

func (s *MemoryOrderStore) Insert(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return fmt.Errorf("order %s already exists", order.OrderID)
	}
	cp := cloneOrder(order)
	s.orders[order.OrderID] = cp
	s.locks[order.OrderID] = &sync.Mutex{}
	return nil
}

func (s *MemoryOrderStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return cloneOrder(order), nil
}

func (s *MemoryOrderStore) Update(ctx context.Context, orderID string, fn func(*domain.Order) error) error {
	s.mu.RLock()
	lock, ok := s.locks[orderID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	order := s.orders[orderID]
	s.mu.RUnlock()

	cp := cloneOrder(order)
	if err := fn(cp); err != nil {
		return err
	}

	s.mu.Lock()
	s.orders[orderID] = cp
	s.mu.Unlock()
	return nil
}

func cloneOrder(order *domain.Order) *domain.Order {
	cp := *order
	cp.Notes = make([]domain.Note, len(order.Notes))
	copy(cp.Notes, order.Notes)
	return &cp
}

// PostgresOrderStore backs orders with a fulfillment_orders table; notes
// live in an append-only side table.
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderStore(pool *pgxpool.Pool) *PostgresOrderStore {
	return &PostgresOrderStore{pool: pool}
}

const orderColumns = `order_id, user_id, inventory_status, reservation_id, reservation_expires_at, last_event_id, created_at, updated_at`

func (s *PostgresOrderStore) Insert(ctx context.Context, order *domain.Order) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO fulfillment_orders(`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.OrderID, order.UserID, order.InventoryStatus, order.InventoryReservationID,
		nullableTime(order.InventoryReservationExpiresAt), order.LastInventoryEventID,
		order.CreatedAt, order.UpdatedAt)
	return err
}

func (s *PostgresOrderStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM fulfillment_orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.loadNotes(ctx, s.pool, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *PostgresOrderStore) Update(ctx context.Context, orderID string, fn func(*domain.Order) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM fulfillment_orders WHERE order_id=$1 FOR UPDATE`, orderID)
	order, err := scanOrder(row, orderID)
	if err != nil {
		return err
	}
	if err := s.loadNotes(ctx, tx, order); err != nil {
		return err
	}
	before := len(order.Notes)

	if err := fn(order); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE fulfillment_orders
		SET inventory_status=$2, reservation_id=$3, reservation_expires_at=$4, last_event_id=$5, updated_at=$6
		WHERE order_id=$1`,
		order.OrderID, order.InventoryStatus, order.InventoryReservationID,
		nullableTime(order.InventoryReservationExpiresAt), order.LastInventoryEventID, order.UpdatedAt)
	if err != nil {
		return err
	}
	for _, note := range order.Notes[before:] {
		_, err = tx.Exec(ctx, `INSERT INTO fulfillment_order_notes(order_id, noted_at, text) VALUES ($1, $2, $3)`,
			order.OrderID, note.At, note.Text)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// querier is the slice of pgxpool.Pool and pgx.Tx the read helpers need,
// so reads inside Update run on the open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresOrderStore) loadNotes(ctx context.Context, q querier, order *domain.Order) error {
	rows, err := q.Query(ctx, `SELECT noted_at, text FROM fulfillment_order_notes
		WHERE order_id=$1 ORDER BY id`, order.OrderID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var note domain.Note
		if err := rows.Scan(&note.At, &note.Text); err != nil {
			return err
		}
		order.Notes = append(order.Notes, note)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, orderID string) (*domain.Order, error) {
	var order domain.Order
	var expiresAt *time.Time
	err := row.Scan(&order.OrderID, &order.UserID, &order.InventoryStatus,
		&order.InventoryReservationID, &expiresAt, &order.LastInventoryEventID,
		&order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != nil {
		order.InventoryReservationExpiresAt = *expiresAt
	}
	return &order, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
