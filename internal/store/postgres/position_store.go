package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, account_id, instrument_id, symbol, segment, product_type,
	quantity, average_price, last_price, unrealized_pnl, day_pnl, realized_pnl,
	margin_blocked, stop_loss, target, created_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var segment, product string

	err := row.Scan(
		&p.ID, &p.AccountID, &p.InstrumentID, &p.Symbol, &segment, &product,
		&p.Quantity, &p.AveragePrice, &p.LastPrice, &p.UnrealizedPnL, &p.DayPnL, &p.RealizedPnL,
		&p.MarginBlocked, &p.StopLoss, &p.Target, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Segment = domain.Segment(segment)
	p.ProductType = domain.ProductType(product)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func insertPosition(ctx context.Context, q querier, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, account_id, instrument_id, symbol, segment, product_type,
			quantity, average_price, last_price, unrealized_pnl, day_pnl, realized_pnl,
			margin_blocked, stop_loss, target, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)`

	_, err := q.Exec(ctx, query,
		p.ID, p.AccountID, p.InstrumentID, p.Symbol, string(p.Segment), string(p.ProductType),
		p.Quantity, p.AveragePrice, p.LastPrice, p.UnrealizedPnL, p.DayPnL, p.RealizedPnL,
		p.MarginBlocked, p.StopLoss, p.Target, p.CreatedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

func updatePosition(ctx context.Context, q querier, p domain.Position) error {
	const query = `
		UPDATE positions SET
			quantity       = $2,
			average_price  = $3,
			last_price     = $4,
			unrealized_pnl = $5,
			day_pnl        = $6,
			realized_pnl   = $7,
			margin_blocked = $8,
			stop_loss      = $9,
			target         = $10,
			updated_at     = $11,
			closed_at      = $12
		WHERE id = $1`

	tag, err := q.Exec(ctx, query,
		p.ID, p.Quantity, p.AveragePrice, p.LastPrice, p.UnrealizedPnL, p.DayPnL, p.RealizedPnL,
		p.MarginBlocked, p.StopLoss, p.Target, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func selectPosition(ctx context.Context, q querier, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(q.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return selectPosition(ctx, s.pool, id)
}

// ListActive returns up to limit open positions with an id after afterID, in
// byte order of id.
func (s *PositionStore) ListActive(ctx context.Context, afterID string, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE quantity <> 0 AND id COLLATE "C" > $1
		ORDER BY id COLLATE "C"
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListActiveByAccount returns every open position of an account.
func (s *PositionStore) ListActiveByAccount(ctx context.Context, accountID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE account_id = $1 AND quantity <> 0
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", accountID, err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", accountID, err)
	}
	return positions, nil
}

// ListAccountsWithActivePositions returns up to limit distinct accounts holding
// at least one open position, with an id after afterAccountID in byte order.
func (s *PositionStore) ListAccountsWithActivePositions(ctx context.Context, afterAccountID string, limit int) ([]string, error) {
	const query = `
		SELECT account_id FROM positions
		WHERE quantity <> 0 AND account_id COLLATE "C" > $1
		GROUP BY account_id
		ORDER BY account_id COLLATE "C"
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, afterAccountID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan risk accounts: %w", err)
	}
	return ids, nil
}

// UpdateMarks writes mark-to-market fields without the account lock. The
// quantity guard makes a concurrent fill win: the write is skipped when the
// position changed size since it was read.
func (s *PositionStore) UpdateMarks(ctx context.Context, upd domain.MarkUpdate) (bool, error) {
	const query = `
		UPDATE positions SET
			last_price     = $3,
			unrealized_pnl = $4,
			day_pnl        = $5,
			updated_at     = NOW()
		WHERE id = $1 AND quantity = $2 AND quantity <> 0`

	tag, err := s.pool.Exec(ctx, query,
		upd.PositionID, upd.ExpectedQuantity, upd.LastPrice, upd.UnrealizedPnL, upd.DayPnL,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: update marks %s: %w", upd.PositionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListBefore returns closed positions whose close happened strictly before the
// cutoff.
func (s *PositionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE quantity = 0 AND closed_at < $1
		ORDER BY closed_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions before %s: %w", before.Format(time.RFC3339), err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archived positions: %w", err)
	}
	return positions, nil
}
