// Package testutil provides in-memory implementations of the engine's stores
// and caches for service tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// Ledger is an in-memory domain.Ledger and read store. Each WithAccountLock
// call takes a per-account try-lock and buffers its writes, which become
// visible only when fn returns nil.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]domain.TradingAccount
	orders       map[string]domain.Order
	positions    map[string]domain.Position
	transactions []domain.Transaction
	alerts       []domain.RiskAlert
	held         map[string]bool

	markWrites int
	commits    int

	// FailOp, when set, is consulted before every transactional write; a
	// non-nil return fails that write.
	FailOp func(op string) error
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts:  make(map[string]domain.TradingAccount),
		orders:    make(map[string]domain.Order),
		positions: make(map[string]domain.Position),
		held:      make(map[string]bool),
	}
}

// PutAccount stores an account directly.
func (l *Ledger) PutAccount(a domain.TradingAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[a.ID] = a
}

// PutPosition stores a position directly.
func (l *Ledger) PutPosition(p domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[p.ID] = p
}

// PutOrder stores an order directly.
func (l *Ledger) PutOrder(o domain.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[o.ID] = o
}

// Account returns the committed account.
func (l *Ledger) Account(id string) domain.TradingAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accounts[id]
}

// Order returns the committed order.
func (l *Ledger) Order(id string) (domain.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	return o, ok
}

// Position returns the committed position.
func (l *Ledger) Position(id string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	return p, ok
}

// Orders returns every committed order, oldest first.
func (l *Ledger) Orders() []domain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Positions returns every committed position of the account, open or closed.
func (l *Ledger) Positions(accountID string) []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Position
	for _, p := range l.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out
}

// Transactions returns the committed ledger transactions in insertion order.
func (l *Ledger) Transactions() []domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Transaction(nil), l.transactions...)
}

// Alerts returns the committed risk alerts in insertion order.
func (l *Ledger) Alerts() []domain.RiskAlert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.RiskAlert(nil), l.alerts...)
}

// MarkWrites returns how many UpdateMarks calls changed a row.
func (l *Ledger) MarkWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markWrites
}

// Commits returns how many WithAccountLock calls committed.
func (l *Ledger) Commits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commits
}

// HoldLock takes the account lock as another session would. Call the returned
// function to release it.
func (l *Ledger) HoldLock(accountID string) func() {
	l.mu.Lock()
	l.held[accountID] = true
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.held, accountID)
		l.mu.Unlock()
	}
}

// WithAccountLock implements domain.Ledger.
func (l *Ledger) WithAccountLock(ctx context.Context, accountID string, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	l.mu.Lock()
	if l.held[accountID] {
		l.mu.Unlock()
		return domain.ErrLockContention
	}
	l.held[accountID] = true
	l.mu.Unlock()

	tx := &ledgerTx{
		l:         l,
		accounts:  make(map[string]domain.TradingAccount),
		orders:    make(map[string]domain.Order),
		positions: make(map[string]domain.Position),
	}
	err := fn(ctx, tx)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, accountID)
	if err != nil {
		return err
	}
	for id, a := range tx.accounts {
		l.accounts[id] = a
	}
	for id, o := range tx.orders {
		l.orders[id] = o
	}
	for id, p := range tx.positions {
		l.positions[id] = p
	}
	l.transactions = append(l.transactions, tx.transactions...)
	l.alerts = append(l.alerts, tx.alerts...)
	l.commits++
	return nil
}

type ledgerTx struct {
	l            *Ledger
	accounts     map[string]domain.TradingAccount
	orders       map[string]domain.Order
	positions    map[string]domain.Position
	transactions []domain.Transaction
	alerts       []domain.RiskAlert
}

func (t *ledgerTx) fail(op string) error {
	if t.l.FailOp == nil {
		return nil
	}
	return t.l.FailOp(op)
}

func (t *ledgerTx) GetAccount(_ context.Context, accountID string) (domain.TradingAccount, error) {
	if a, ok := t.accounts[accountID]; ok {
		return a, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	a, ok := t.l.accounts[accountID]
	if !ok {
		return domain.TradingAccount{}, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	return a, nil
}

func (t *ledgerTx) UpdateAccount(_ context.Context, acct domain.TradingAccount) error {
	if err := t.fail("update_account"); err != nil {
		return err
	}
	t.accounts[acct.ID] = acct
	return nil
}

func (t *ledgerTx) CreateOrder(_ context.Context, order domain.Order) error {
	if err := t.fail("create_order"); err != nil {
		return err
	}
	if _, err := t.GetOrder(context.Background(), order.ID); err == nil {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrAlreadyExists)
	}
	t.orders[order.ID] = order
	return nil
}

func (t *ledgerTx) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	if o, ok := t.orders[orderID]; ok {
		return o, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	o, ok := t.l.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

func (t *ledgerTx) UpdateOrder(ctx context.Context, order domain.Order, from domain.OrderStatus) error {
	if err := t.fail("update_order"); err != nil {
		return err
	}
	cur, err := t.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return fmt.Errorf("order %s is %s: %w", order.ID, cur.Status, domain.ErrInvalidTransition)
	}
	t.orders[order.ID] = order
	return nil
}

// mergedPositions returns committed positions overlaid with this
// transaction's writes.
func (t *ledgerTx) mergedPositions() []domain.Position {
	t.l.mu.Lock()
	merged := make(map[string]domain.Position, len(t.l.positions)+len(t.positions))
	for id, p := range t.l.positions {
		merged[id] = p
	}
	t.l.mu.Unlock()
	for id, p := range t.positions {
		merged[id] = p
	}
	out := make([]domain.Position, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

func (t *ledgerTx) GetActivePosition(_ context.Context, accountID, symbol string) (*domain.Position, error) {
	for _, p := range t.mergedPositions() {
		if p.AccountID == accountID && p.Symbol == symbol && p.Active() {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *ledgerTx) GetPosition(_ context.Context, positionID string) (domain.Position, error) {
	if p, ok := t.positions[positionID]; ok {
		return p, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	p, ok := t.l.positions[positionID]
	if !ok {
		return domain.Position{}, fmt.Errorf("position %s: %w", positionID, domain.ErrNotFound)
	}
	return p, nil
}

func (t *ledgerTx) CountActivePositions(_ context.Context, accountID string, segment domain.Segment) (int, error) {
	n := 0
	for _, p := range t.mergedPositions() {
		if p.AccountID == accountID && p.Segment == segment && p.Active() {
			n++
		}
	}
	return n, nil
}

func (t *ledgerTx) CreatePosition(ctx context.Context, pos domain.Position) error {
	if err := t.fail("create_position"); err != nil {
		return err
	}
	if existing, _ := t.GetActivePosition(ctx, pos.AccountID, pos.Symbol); existing != nil {
		return fmt.Errorf("active position for %s/%s: %w", pos.AccountID, pos.Symbol, domain.ErrAlreadyExists)
	}
	t.positions[pos.ID] = pos
	return nil
}

func (t *ledgerTx) UpdatePosition(ctx context.Context, pos domain.Position) error {
	if err := t.fail("update_position"); err != nil {
		return err
	}
	if _, err := t.GetPosition(ctx, pos.ID); err != nil {
		return err
	}
	t.positions[pos.ID] = pos
	return nil
}

func (t *ledgerTx) InsertTransaction(_ context.Context, tr domain.Transaction) error {
	if err := t.fail("insert_transaction"); err != nil {
		return err
	}
	t.transactions = append(t.transactions, tr)
	return nil
}

func (t *ledgerTx) InsertRiskAlert(_ context.Context, alert domain.RiskAlert) error {
	if err := t.fail("insert_risk_alert"); err != nil {
		return err
	}
	t.alerts = append(t.alerts, alert)
	return nil
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].UpdatedAt.Equal(ps[j].UpdatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].UpdatedAt.Before(ps[j].UpdatedAt)
	})
}

// OrderStore returns a domain.OrderStore view of the ledger.
func (l *Ledger) OrderStore() domain.OrderStore { return orderView{l} }

// PositionStore returns a domain.PositionStore view of the ledger.
func (l *Ledger) PositionStore() domain.PositionStore { return positionView{l} }

// AccountStore returns a domain.AccountStore view of the ledger.
func (l *Ledger) AccountStore() domain.AccountStore { return accountView{l} }

// AlertStore returns a domain.RiskAlertStore view of the ledger.
func (l *Ledger) AlertStore() domain.RiskAlertStore { return alertView{l} }

type orderView struct{ l *Ledger }

func (v orderView) GetByID(_ context.Context, id string) (domain.Order, error) {
	o, ok := v.l.Order(id)
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

func (v orderView) ListPending(_ context.Context, orderType domain.OrderType, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range v.l.Orders() {
		if o.Status == domain.OrderStatusPending && o.Type == orderType {
			out = append(out, o)
		}
	}
	return clip(out, limit), nil
}

func (v orderView) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.Order, error) {
	all := v.l.Orders()
	var out []domain.Order
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].AccountID == accountID && inWindow(all[i].CreatedAt, opts) {
			out = append(out, all[i])
		}
	}
	return page(out, opts), nil
}

type positionView struct{ l *Ledger }

func (v positionView) GetByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := v.l.Position(id)
	if !ok {
		return domain.Position{}, fmt.Errorf("position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (v positionView) active() []domain.Position {
	v.l.mu.Lock()
	var out []domain.Position
	for _, p := range v.l.positions {
		if p.Active() {
			out = append(out, p)
		}
	}
	v.l.mu.Unlock()
	sortPositions(out)
	return out
}

func (v positionView) ListActive(_ context.Context, afterID string, limit int) ([]domain.Position, error) {
	all := v.active()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var out []domain.Position
	for _, p := range all {
		if p.ID > afterID {
			out = append(out, p)
		}
	}
	return clip(out, limit), nil
}

func (v positionView) ListActiveByAccount(_ context.Context, accountID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range v.active() {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v positionView) ListAccountsWithActivePositions(_ context.Context, afterAccountID string, limit int) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, p := range v.active() {
		if p.AccountID > afterAccountID && !seen[p.AccountID] {
			seen[p.AccountID] = true
			out = append(out, p.AccountID)
		}
	}
	sort.Strings(out)
	return clip(out, limit), nil
}

func (v positionView) UpdateMarks(_ context.Context, upd domain.MarkUpdate) (bool, error) {
	v.l.mu.Lock()
	defer v.l.mu.Unlock()
	p, ok := v.l.positions[upd.PositionID]
	if !ok || !p.Active() || p.Quantity != upd.ExpectedQuantity {
		return false, nil
	}
	p.LastPrice = upd.LastPrice
	p.UnrealizedPnL = upd.UnrealizedPnL
	p.DayPnL = upd.DayPnL
	p.UpdatedAt = time.Now().UTC()
	v.l.positions[p.ID] = p
	v.l.markWrites++
	return true, nil
}

type accountView struct{ l *Ledger }

func (v accountView) GetByID(_ context.Context, id string) (domain.TradingAccount, error) {
	v.l.mu.Lock()
	defer v.l.mu.Unlock()
	a, ok := v.l.accounts[id]
	if !ok {
		return domain.TradingAccount{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

type alertView struct{ l *Ledger }

func (v alertView) Insert(_ context.Context, alert domain.RiskAlert) error {
	v.l.mu.Lock()
	defer v.l.mu.Unlock()
	v.l.alerts = append(v.l.alerts, alert)
	return nil
}

func (v alertView) LatestByKind(_ context.Context, accountID string, kind domain.RiskAlertKind) (domain.RiskAlert, error) {
	alerts := v.l.Alerts()
	for i := len(alerts) - 1; i >= 0; i-- {
		if alerts[i].AccountID == accountID && alerts[i].Kind == kind {
			return alerts[i], nil
		}
	}
	return domain.RiskAlert{}, domain.ErrNotFound
}

func (v alertView) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.RiskAlert, error) {
	alerts := v.l.Alerts()
	var out []domain.RiskAlert
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		if (accountID == "" || a.AccountID == accountID) && inWindow(a.CreatedAt, opts) {
			out = append(out, a)
		}
	}
	return page(out, opts), nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	return clip(items, opts.Limit)
}

func clip[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
