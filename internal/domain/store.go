package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerTx is the set of ledger reads and writes bound to one database
// transaction that holds the account lock. Nothing written through it is
// visible to other sessions until the enclosing Ledger call commits.
type LedgerTx interface {
	GetAccount(ctx context.Context, accountID string) (TradingAccount, error)
	UpdateAccount(ctx context.Context, acct TradingAccount) error

	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// UpdateOrder writes order only while its stored status is still from,
	// returning ErrInvalidTransition otherwise.
	UpdateOrder(ctx context.Context, order Order, from OrderStatus) error

	// GetActivePosition returns the nonzero position for the symbol, or nil.
	GetActivePosition(ctx context.Context, accountID, symbol string) (*Position, error)
	GetPosition(ctx context.Context, positionID string) (Position, error)
	CountActivePositions(ctx context.Context, accountID string, segment Segment) (int, error)
	CreatePosition(ctx context.Context, pos Position) error
	UpdatePosition(ctx context.Context, pos Position) error

	InsertTransaction(ctx context.Context, t Transaction) error
	InsertRiskAlert(ctx context.Context, alert RiskAlert) error
}

// Ledger runs account-scoped read-modify-write units. WithAccountLock begins a
// transaction, tries the account's advisory lock and runs fn. It returns
// ErrLockContention without calling fn when the lock is held elsewhere, and
// rolls back everything fn wrote when fn returns an error.
type Ledger interface {
	WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx LedgerTx) error) error
}

// OrderStore reads orders outside the ledger transaction.
type OrderStore interface {
	GetByID(ctx context.Context, id string) (Order, error)
	ListPending(ctx context.Context, orderType OrderType, limit int) ([]Order, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]Order, error)
}

// PositionStore reads positions and applies mark-to-market writes.
type PositionStore interface {
	GetByID(ctx context.Context, id string) (Position, error)
	// ListActive and ListAccountsWithActivePositions page by key in byte
	// order, returning up to limit entries strictly after the given key. An
	// empty key starts from the beginning.
	ListActive(ctx context.Context, afterID string, limit int) ([]Position, error)
	ListActiveByAccount(ctx context.Context, accountID string) ([]Position, error)
	ListAccountsWithActivePositions(ctx context.Context, afterAccountID string, limit int) ([]string, error)
	// UpdateMarks applies a mark write when the position quantity is still
	// the expected one. It reports whether a row changed.
	UpdateMarks(ctx context.Context, upd MarkUpdate) (bool, error)
}

// AccountStore reads trading accounts.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (TradingAccount, error)
}

// RiskAlertStore persists risk alerts outside the ledger transaction.
type RiskAlertStore interface {
	Insert(ctx context.Context, alert RiskAlert) error
	// LatestByKind returns ErrNotFound when the account has no alert of kind.
	LatestByKind(ctx context.Context, accountID string, kind RiskAlertKind) (RiskAlert, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]RiskAlert, error)
}

// ConfigStore reads administrative margin and risk configuration.
type ConfigStore interface {
	ListMarginConfigs(ctx context.Context) ([]MarginConfig, error)
	// GetRiskThresholds returns the override for accountID, or the global row
	// when accountID is empty. It returns ErrNotFound when no row exists.
	GetRiskThresholds(ctx context.Context, accountID string) (RiskThresholds, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
