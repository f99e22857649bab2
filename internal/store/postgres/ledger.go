package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// AccountLocker takes the per-account mutual exclusion inside an open
// transaction. It must not block: a held lock reports false.
type AccountLocker interface {
	TryAcquireAccountLock(ctx context.Context, tx pgx.Tx, accountID string) (bool, error)
}

// AdvisoryLocker implements AccountLocker with a transaction-scoped Postgres
// advisory lock. The lock is released by commit or rollback, so it cannot
// outlive the transaction that took it.
type AdvisoryLocker struct{}

// TryAcquireAccountLock runs pg_try_advisory_xact_lock on the account's key.
func (AdvisoryLocker) TryAcquireAccountLock(ctx context.Context, tx pgx.Tx, accountID string) (bool, error) {
	var acquired bool
	err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, domain.AccountLockKey(accountID)).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("postgres: try account lock %s: %w", accountID, err)
	}
	return acquired, nil
}

// Ledger implements domain.Ledger. Every account-mutating unit of work runs
// in one transaction that first takes the account's advisory lock.
type Ledger struct {
	pool   *pgxpool.Pool
	locker AccountLocker
}

// NewLedger creates a Ledger. A nil locker selects AdvisoryLocker.
func NewLedger(pool *pgxpool.Pool, locker AccountLocker) *Ledger {
	if locker == nil {
		locker = AdvisoryLocker{}
	}
	return &Ledger{pool: pool, locker: locker}
}

// WithAccountLock begins a transaction, tries the account lock and runs fn.
// It returns domain.ErrLockContention without running fn when another
// transaction holds the lock. Any error from fn or the commit rolls back
// every write fn made.
func (l *Ledger) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Rollback must run even when ctx is already cancelled.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	acquired, err := l.locker.TryAcquireAccountLock(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrLockContention
	}

	if err := fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	committed = true
	return nil
}

// ledgerTx binds the domain.LedgerTx operations to one pgx transaction.
type ledgerTx struct {
	tx pgx.Tx
}

var _ domain.LedgerTx = (*ledgerTx)(nil)

// GetAccount reads the account row. The advisory lock already serializes
// writers, so no row lock is taken.
func (t *ledgerTx) GetAccount(ctx context.Context, accountID string) (domain.TradingAccount, error) {
	return selectAccount(ctx, t.tx, accountID)
}

func (t *ledgerTx) UpdateAccount(ctx context.Context, acct domain.TradingAccount) error {
	return updateAccount(ctx, t.tx, acct)
}

func (t *ledgerTx) CreateOrder(ctx context.Context, order domain.Order) error {
	return insertOrder(ctx, t.tx, order)
}

func (t *ledgerTx) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return selectOrder(ctx, t.tx, orderID)
}

func (t *ledgerTx) UpdateOrder(ctx context.Context, order domain.Order, from domain.OrderStatus) error {
	return updateOrderFrom(ctx, t.tx, order, from)
}

func (t *ledgerTx) GetActivePosition(ctx context.Context, accountID, symbol string) (*domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE account_id = $1 AND symbol = $2 AND quantity <> 0`

	p, err := scanPosition(t.tx.QueryRow(ctx, query, accountID, symbol))
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: active position %s/%s: %w", accountID, symbol, err)
	}
	return &p, nil
}

func (t *ledgerTx) GetPosition(ctx context.Context, positionID string) (domain.Position, error) {
	return selectPosition(ctx, t.tx, positionID)
}

func (t *ledgerTx) CountActivePositions(ctx context.Context, accountID string, segment domain.Segment) (int, error) {
	const query = `
		SELECT COUNT(*) FROM positions
		WHERE account_id = $1 AND segment = $2 AND quantity <> 0`

	var n int
	if err := t.tx.QueryRow(ctx, query, accountID, string(segment)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions %s/%s: %w", accountID, segment, err)
	}
	return n, nil
}

func (t *ledgerTx) CreatePosition(ctx context.Context, pos domain.Position) error {
	return insertPosition(ctx, t.tx, pos)
}

func (t *ledgerTx) UpdatePosition(ctx context.Context, pos domain.Position) error {
	return updatePosition(ctx, t.tx, pos)
}

func (t *ledgerTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			id, account_id, order_id, position_id, kind, amount, balance_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := t.tx.Exec(ctx, query,
		txn.ID, txn.AccountID, txn.OrderID, txn.PositionID,
		string(txn.Kind), txn.Amount, txn.BalanceAfter, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert transaction %s: %w", txn.ID, err)
	}
	return nil
}

func (t *ledgerTx) InsertRiskAlert(ctx context.Context, alert domain.RiskAlert) error {
	return insertRiskAlert(ctx, t.tx, alert)
}
