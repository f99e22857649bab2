package domain

import (
	"context"
	"time"
)

// QuoteCache is the read side of the market-data subsystem's last-price cache.
type QuoteCache interface {
	EnsureSubscribed(ctx context.Context, tokens []string) error
	// GetQuote returns nil with no error when the token has no quote yet.
	GetQuote(ctx context.Context, token string) (*Quote, error)
	// GetQuotes omits tokens that have no quote.
	GetQuotes(ctx context.Context, tokens []string) (map[string]*Quote, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus carries account events between engine processes.
type EventBus interface {
	PublishAccountEvent(ctx context.Context, evt AccountEvent) error
	// SubscribeAccountEvents streams events until ctx is cancelled, then
	// closes the channel.
	SubscribeAccountEvents(ctx context.Context) (<-chan AccountEvent, error)
}

// Heartbeats records when workers last completed a cycle.
type Heartbeats interface {
	Beat(ctx context.Context, worker string, at time.Time) error
	// Last returns the zero time when the worker never reported.
	Last(ctx context.Context, worker string) (time.Time, error)
}

// AlertNotifier delivers risk alerts to the account owner and admins.
type AlertNotifier interface {
	NotifyRiskAlert(ctx context.Context, alert RiskAlert) error
}
