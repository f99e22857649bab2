package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// Quotes is an in-memory domain.QuoteCache.
type Quotes struct {
	mu         sync.Mutex
	quotes     map[string]domain.Quote
	subscribed map[string]bool
	// Err, when set, is returned by every read.
	Err error
}

// NewQuotes creates an empty Quotes.
func NewQuotes() *Quotes {
	return &Quotes{quotes: make(map[string]domain.Quote), subscribed: make(map[string]bool)}
}

// Set stores a quote for token with the given last traded price and previous
// close, received at at.
func (q *Quotes) Set(token string, ltp, prevClose decimal.Decimal, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotes[token] = domain.Quote{Token: token, LastTradePrice: ltp, PrevClose: prevClose, ReceivedAt: at}
}

// Delete removes the quote for token.
func (q *Quotes) Delete(token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.quotes, token)
}

// Subscribed reports whether token was ever subscribed.
func (q *Quotes) Subscribed(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.subscribed[token]
}

func (q *Quotes) EnsureSubscribed(_ context.Context, tokens []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tokens {
		q.subscribed[t] = true
	}
	return nil
}

func (q *Quotes) GetQuote(_ context.Context, token string) (*domain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	v, ok := q.quotes[token]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (q *Quotes) GetQuotes(_ context.Context, tokens []string) (map[string]*domain.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	out := make(map[string]*domain.Quote, len(tokens))
	for _, t := range tokens {
		if v, ok := q.quotes[t]; ok {
			out[t] = &v
		}
	}
	return out, nil
}

// Configs is an in-memory domain.ConfigStore.
type Configs struct {
	mu         sync.Mutex
	margins    []domain.MarginConfig
	thresholds map[string]domain.RiskThresholds
	loads      int
	// Err, when set, is returned by every read.
	Err error
}

// NewConfigs creates an empty Configs.
func NewConfigs() *Configs {
	return &Configs{thresholds: make(map[string]domain.RiskThresholds)}
}

// SetMargins replaces the margin configuration rows.
func (c *Configs) SetMargins(rows ...domain.MarginConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.margins = rows
}

// SetThresholds stores thresholds for accountID; "" is the global row.
func (c *Configs) SetThresholds(accountID string, t domain.RiskThresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds[accountID] = t
}

// Loads returns the number of store reads served.
func (c *Configs) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func (c *Configs) ListMarginConfigs(context.Context) ([]domain.MarginConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.loads++
	return append([]domain.MarginConfig(nil), c.margins...), nil
}

func (c *Configs) GetRiskThresholds(_ context.Context, accountID string) (domain.RiskThresholds, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return domain.RiskThresholds{}, c.Err
	}
	c.loads++
	t, ok := c.thresholds[accountID]
	if !ok {
		return domain.RiskThresholds{}, domain.ErrNotFound
	}
	return t, nil
}

// Thresholds is a fixed ThresholdSource.
type Thresholds domain.RiskThresholds

func (t Thresholds) RiskThresholds(context.Context, string) (domain.RiskThresholds, error) {
	return domain.RiskThresholds(t), nil
}

// Bus is an in-memory domain.EventBus.
type Bus struct {
	mu        sync.Mutex
	published []domain.AccountEvent
	subs      []chan domain.AccountEvent
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Published returns every event published so far.
func (b *Bus) Published() []domain.AccountEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AccountEvent(nil), b.published...)
}

// PublishedKinds counts published events by kind.
func (b *Bus) PublishedKinds() map[domain.AccountEventKind]int {
	out := make(map[domain.AccountEventKind]int)
	for _, evt := range b.Published() {
		out[evt.Kind]++
	}
	return out
}

func (b *Bus) PublishAccountEvent(_ context.Context, evt domain.AccountEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, evt)
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (b *Bus) SubscribeAccountEvents(ctx context.Context) (<-chan domain.AccountEvent, error) {
	ch := make(chan domain.AccountEvent, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Audit is an in-memory domain.AuditStore.
type Audit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// Events returns the logged event names in order.
func (a *Audit) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Event)
	}
	return out
}

func (a *Audit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *Audit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return page(append([]domain.AuditEntry(nil), a.entries...), opts), nil
}

// Notifier records delivered alerts.
type Notifier struct {
	mu     sync.Mutex
	alerts []domain.RiskAlert
}

// Alerts returns the delivered alerts in order.
func (n *Notifier) Alerts() []domain.RiskAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.RiskAlert(nil), n.alerts...)
}

func (n *Notifier) NotifyRiskAlert(_ context.Context, alert domain.RiskAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

// Heartbeats is an in-memory domain.Heartbeats.
type Heartbeats struct {
	mu    sync.Mutex
	beats map[string]time.Time
}

// NewHeartbeats creates an empty Heartbeats.
func NewHeartbeats() *Heartbeats {
	return &Heartbeats{beats: make(map[string]time.Time)}
}

func (h *Heartbeats) Beat(_ context.Context, worker string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beats[worker] = at
	return nil
}

func (h *Heartbeats) Last(_ context.Context, worker string) (time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beats[worker], nil
}

// Locks is an in-memory domain.LockManager without expiry.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocks creates an empty Locks.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]bool)}
}

func (l *Locks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
