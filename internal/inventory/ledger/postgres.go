package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
)

// PostgresStore backs the ledger with a stock_records table. Per-key
// serialization comes from the row lock taken by SELECT ... FOR UPDATE;
// each Mutate touches exactly one row, so transactions cannot deadlock on
// each other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const stockColumns = `item_id, location_id, available, reserved, committed, total, status, created_at, updated_at`

func (s *PostgresStore) Put(ctx context.Context, rec *domain.StockRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO stock_records(`+stockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ItemID, rec.LocationID, rec.Available, rec.Reserved, rec.Committed,
		rec.Total, rec.Status, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID) (*domain.StockRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM stock_records
		WHERE item_id=$1 AND location_id=$2`, itemID, locationID)
	return scanStock(row, itemID, locationID)
}

func (s *PostgresStore) ListByItem(ctx context.Context, itemID domain.ItemID) ([]*domain.StockRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stockColumns+` FROM stock_records
		WHERE item_id=$1 ORDER BY location_id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StockRecord
	for rows.Next() {
		rec, err := scanStock(rows, itemID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Mutate(ctx context.Context, itemID domain.ItemID, locationID domain.LocationID, fn func(*domain.StockRecord) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+stockColumns+` FROM stock_records
		WHERE item_id=$1 AND location_id=$2 FOR UPDATE`, itemID, locationID)
	rec, err := scanStock(row, itemID, locationID)
	if err != nil {
		return err
	}

	if err := fn(rec); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE stock_records
		SET available=$3, reserved=$4, committed=$5, total=$6, status=$7, updated_at=$8
		WHERE item_id=$1 AND location_id=$2`,
		rec.ItemID, rec.LocationID, rec.Available, rec.Reserved, rec.Committed,
		rec.Total, rec.Status, rec.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStock(row rowScanner, itemID domain.ItemID, locationID domain.LocationID) (*domain.StockRecord, error) {
	var rec domain.StockRecord
	err := row.Scan(&rec.ItemID, &rec.LocationID, &rec.Available, &rec.Reserved,
		&rec.Committed, &rec.Total, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: stock record %s/%s", domain.ErrNotFound, itemID, locationID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
