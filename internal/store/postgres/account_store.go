package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

func selectAccount(ctx context.Context, q querier, id string) (domain.TradingAccount, error) {
	const query = `
		SELECT id, user_id, balance, available_margin, used_margin, updated_at
		FROM trading_accounts WHERE id = $1`

	var a domain.TradingAccount
	err := q.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.Balance, &a.AvailableMargin, &a.UsedMargin, &a.UpdatedAt,
	)
	if err != nil {
		if notFound(err) {
			return domain.TradingAccount{}, fmt.Errorf("postgres: account %s: %w", id, domain.ErrNotFound)
		}
		return domain.TradingAccount{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

func updateAccount(ctx context.Context, q querier, a domain.TradingAccount) error {
	const query = `
		UPDATE trading_accounts SET
			balance          = $2,
			available_margin = $3,
			used_margin      = $4,
			updated_at       = $5
		WHERE id = $1`

	tag, err := q.Exec(ctx, query, a.ID, a.Balance, a.AvailableMargin, a.UsedMargin, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update account %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update account %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a trading account by its ID.
func (s *AccountStore) GetByID(ctx context.Context, id string) (domain.TradingAccount, error) {
	return selectAccount(ctx, s.pool, id)
}
