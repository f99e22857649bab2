package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

const (
	// quoteSubscriptionsKey is the set of tokens the feed must stream.
	quoteSubscriptionsKey = "quotes:subscriptions"
	// quoteSubscribeChannel tells the feed that new tokens were added.
	quoteSubscribeChannel = "quotes:subscribe"
)

// QuoteCache implements domain.QuoteCache on the market-data feed's Redis
// hashes. Each token is stored at "quote:{token}" with fields ltp, close,
// prev_close and ts (Unix milliseconds).
type QuoteCache struct {
	rdb *redis.Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying()}
}

func quoteKey(token string) string {
	return "quote:" + token
}

// SetQuote stores a quote. The feed owns writes in production; the engine
// uses this in tests and tooling.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	fields := map[string]any{
		"ltp":        q.LastTradePrice.String(),
		"close":      q.Close.String(),
		"prev_close": q.PrevClose.String(),
		"ts":         strconv.FormatInt(q.ReceivedAt.UnixMilli(), 10),
	}
	if err := qc.rdb.HSet(ctx, quoteKey(q.Token), fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Token, err)
	}
	return nil
}

// GetQuote returns the cached quote for token, or nil when none exists.
func (qc *QuoteCache) GetQuote(ctx context.Context, token string) (*domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get quote %s: %w", token, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	q, err := parseQuote(token, vals)
	if err != nil {
		return nil, fmt.Errorf("redis: parse quote %s: %w", token, err)
	}
	return q, nil
}

// GetQuotes fetches many quotes in one pipeline. Tokens without a quote, or
// with an unparsable one, are omitted.
func (qc *QuoteCache) GetQuotes(ctx context.Context, tokens []string) (map[string]*domain.Quote, error) {
	out := make(map[string]*domain.Quote, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}

	pipe := qc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokens))
	for _, t := range tokens {
		cmds[t] = pipe.HGetAll(ctx, quoteKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	for token, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		q, err := parseQuote(token, vals)
		if err != nil {
			continue
		}
		out[token] = q
	}
	return out, nil
}

// EnsureSubscribed adds tokens to the feed's subscription set and notifies the
// feed when any of them is new.
func (qc *QuoteCache) EnsureSubscribed(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	members := make([]any, len(tokens))
	for i, t := range tokens {
		members[i] = t
	}

	added, err := qc.rdb.SAdd(ctx, quoteSubscriptionsKey, members...).Result()
	if err != nil {
		return fmt.Errorf("redis: subscribe quotes: %w", err)
	}
	if added == 0 {
		return nil
	}

	payload, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("redis: marshal subscription: %w", err)
	}
	if err := qc.rdb.Publish(ctx, quoteSubscribeChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: notify subscription: %w", err)
	}
	return nil
}

func parseQuote(token string, vals map[string]string) (*domain.Quote, error) {
	q := &domain.Quote{Token: token}
	var err error
	if q.LastTradePrice, err = parseDecimal(vals["ltp"]); err != nil {
		return nil, fmt.Errorf("ltp: %w", err)
	}
	if q.Close, err = parseDecimal(vals["close"]); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	if q.PrevClose, err = parseDecimal(vals["prev_close"]); err != nil {
		return nil, fmt.Errorf("prev_close: %w", err)
	}
	if ts := vals["ts"]; ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ts: %w", err)
		}
		q.ReceivedAt = time.UnixMilli(ms)
	}
	return q, nil
}

// parseDecimal treats a missing field as zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
