package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
)

// PostgresStore persists reservations across two tables: a header row and
// immutable line rows. Update takes the header row lock, which serializes
// racing complete/cancel/expire calls the same way the memory store's
// per-reservation mutex does.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const reservationColumns = `id, order_id, user_id, idempotency_key, is_priority, status, expiration_time, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, res *domain.Reservation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO reservations(`+reservationColumns+`)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		res.ID, res.OrderID, res.UserID, res.IdempotencyKey, res.Priority, res.Status,
		res.ExpirationTime, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		if isIdempotencyKeyViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, res.IdempotencyKey)
		}
		return err
	}
	for i, line := range res.Lines {
		_, err = tx.Exec(ctx, `INSERT INTO reservation_lines(reservation_id, line_no, item_id, location_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			res.ID, i, line.ItemID, line.LocationID, line.Quantity, line.UnitPrice)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func isIdempotencyKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		pgErr.ConstraintName == "reservations_idempotency_key_key"
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.getWhere(ctx, `id=$1`, id)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	return s.getWhere(ctx, `idempotency_key=$1`, key)
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, arg any) (*domain.Reservation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE `+where, arg)
	res, err := scanReservation(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, s.pool, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	return s.listWhere(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE order_id=$1 ORDER BY created_at, id`, orderID)
}

func (s *PostgresStore) ListActiveByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.Reservation, error) {
	return s.listWhere(ctx, `SELECT DISTINCT r.id, r.order_id, r.user_id, r.idempotency_key, r.is_priority, r.status, r.expiration_time, r.created_at, r.updated_at
		FROM reservations r JOIN reservation_lines l ON l.reservation_id = r.id
		WHERE l.item_id=$1 AND r.status IN ('PENDING', 'CONFIRMED')
		ORDER BY r.created_at, r.id`, itemID)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE status IN ('PENDING', 'CONFIRMED') AND expiration_time <= $1
		ORDER BY expiration_time, id`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.listWhere(ctx, query, args...)
}

func (s *PostgresStore) listWhere(ctx context.Context, query string, args ...any) ([]*domain.Reservation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, res := range out {
		if err := s.loadLines(ctx, s.pool, res); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*domain.Reservation) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1 FOR UPDATE`, id)
	res, err := scanReservation(row)
	if err != nil {
		return err
	}
	if err := s.loadLines(ctx, tx, res); err != nil {
		return err
	}

	if err := fn(res); err != nil {
		return err
	}

	// Lines are immutable; only the header changes.
	_, err = tx.Exec(ctx, `UPDATE reservations SET status=$2, expiration_time=$3, updated_at=$4 WHERE id=$1`,
		res.ID, res.Status, res.ExpirationTime, res.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is the slice of pgxpool.Pool and pgx.Tx the read helpers need,
// so reads inside Update run on the open transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) loadLines(ctx context.Context, q querier, res *domain.Reservation) error {
	rows, err := q.Query(ctx, `SELECT item_id, location_id, quantity, unit_price
		FROM reservation_lines WHERE reservation_id=$1 ORDER BY line_no`, res.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.ReservationLine
		if err := rows.Scan(&line.ItemID, &line.LocationID, &line.Quantity, &line.UnitPrice); err != nil {
			return err
		}
		res.Lines = append(res.Lines, line)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var res domain.Reservation
	var idemKey *string
	err := row.Scan(&res.ID, &res.OrderID, &res.UserID, &idemKey, &res.Priority, &res.Status,
		&res.ExpirationTime, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: reservation", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if idemKey != nil {
		res.IdempotencyKey = *idemKey
	}
	return &res, nil
}
