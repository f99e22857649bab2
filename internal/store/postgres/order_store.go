package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, account_id, instrument_id, symbol, side, order_type,
	quantity, lot_size, limit_price, stop_loss, target,
	product_type, segment, status, filled_quantity, average_fill_price,
	reason, created_at, updated_at, executed_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, typ, product, segment, status string

	err := row.Scan(
		&o.ID, &o.AccountID, &o.InstrumentID, &o.Symbol, &side, &typ,
		&o.Quantity, &o.LotSize, &o.LimitPrice, &o.StopLoss, &o.Target,
		&product, &segment, &status, &o.FilledQuantity, &o.AverageFillPrice,
		&o.Reason, &o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.ProductType = domain.ProductType(product)
	o.Segment = domain.Segment(segment)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func insertOrder(ctx context.Context, q querier, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, account_id, instrument_id, symbol, side, order_type,
			quantity, lot_size, limit_price, stop_loss, target,
			product_type, segment, status, filled_quantity, average_fill_price,
			reason, created_at, updated_at, executed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20
		)`

	_, err := q.Exec(ctx, query,
		o.ID, o.AccountID, o.InstrumentID, o.Symbol, string(o.Side), string(o.Type),
		o.Quantity, o.LotSize, o.LimitPrice, o.StopLoss, o.Target,
		string(o.ProductType), string(o.Segment), string(o.Status), o.FilledQuantity, o.AverageFillPrice,
		o.Reason, o.CreatedAt, o.UpdatedAt, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

func selectOrder(ctx context.Context, q querier, id string) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE id = $1`
	o, err := scanOrder(q.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return domain.Order{}, fmt.Errorf("postgres: order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// updateOrderFrom writes the mutable order fields only while the stored status
// is still from. A zero-row update means another writer moved the order first.
func updateOrderFrom(ctx context.Context, q querier, o domain.Order, from domain.OrderStatus) error {
	const query = `
		UPDATE orders SET
			quantity           = $3,
			limit_price        = $4,
			stop_loss          = $5,
			target             = $6,
			status             = $7,
			filled_quantity    = $8,
			average_fill_price = $9,
			reason             = $10,
			updated_at         = $11,
			executed_at        = $12
		WHERE id = $1 AND status = $2`

	tag, err := q.Exec(ctx, query,
		o.ID, string(from),
		o.Quantity, o.LimitPrice, o.StopLoss, o.Target,
		string(o.Status), o.FilledQuantity, o.AverageFillPrice,
		o.Reason, o.UpdatedAt, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update order %s from %s: %w", o.ID, from, domain.ErrInvalidTransition)
	}
	return nil
}

// GetByID retrieves a single order by its ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return selectOrder(ctx, s.pool, id)
}

// ListPending returns the oldest pending orders of the given type.
func (s *OrderStore) ListPending(ctx context.Context, orderType domain.OrderType, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status = 'PENDING' AND order_type = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, string(orderType), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending orders: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending orders: %w", err)
	}
	return orders, nil
}

// ListByAccount returns an account's orders, newest first.
func (s *OrderStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Order, error) {
	query, args := withListOpts(`SELECT `+orderSelectCols+` FROM orders WHERE account_id = $1`,
		[]any{accountID}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w", accountID, err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders for %s: %w", accountID, err)
	}
	return orders, nil
}

// ListBefore returns settled orders last updated strictly before the cutoff.
// Pending orders are never returned.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status <> 'PENDING' AND updated_at < $1
		ORDER BY updated_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before %s: %w", before.Format(time.RFC3339), err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archived orders: %w", err)
	}
	return orders, nil
}
