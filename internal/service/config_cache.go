package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// ConfigCache is a short-TTL read cache over administrative margin and risk
// configuration. Administrative edits become visible within one TTL. When a
// reload fails the previously loaded values keep serving.
type ConfigCache struct {
	store    domain.ConfigStore
	ttl      time.Duration
	defaults domain.RiskThresholds
	now      func() time.Time
	logger   *slog.Logger

	mu            sync.RWMutex
	margins       map[domain.MarginConfigKey]domain.MarginConfig
	marginsLoaded time.Time
	thresholds    map[string]thresholdEntry
}

type thresholdEntry struct {
	value    domain.RiskThresholds
	found    bool
	loadedAt time.Time
}

// NewConfigCache creates a ConfigCache. defaults apply when the store has no
// global thresholds row.
func NewConfigCache(store domain.ConfigStore, ttl time.Duration, defaults domain.RiskThresholds, logger *slog.Logger) *ConfigCache {
	return &ConfigCache{
		store:      store,
		ttl:        ttl,
		defaults:   defaults,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "config_cache")),
		thresholds: make(map[string]thresholdEntry),
	}
}

// MarginConfig implements margin.ConfigLookup. It returns nil when the pair has
// no row.
func (c *ConfigCache) MarginConfig(ctx context.Context, segment domain.Segment, product domain.ProductType) (*domain.MarginConfig, error) {
	if err := c.ensureMargins(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.margins[domain.MarginConfigKey{Segment: segment, ProductType: product}]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (c *ConfigCache) ensureMargins(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.margins != nil && c.now().Sub(c.marginsLoaded) < c.ttl
	loaded := c.margins != nil
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	if err := c.loadMargins(ctx); err != nil {
		if loaded {
			c.logger.WarnContext(ctx, "config_cache: margin reload failed, serving cached rows",
				slog.String("error", err.Error()),
			)
			return nil
		}
		return err
	}
	return nil
}

func (c *ConfigCache) loadMargins(ctx context.Context) error {
	rows, err := c.store.ListMarginConfigs(ctx)
	if err != nil {
		return fmt.Errorf("config_cache: load margin configs: %w", err)
	}
	margins := make(map[domain.MarginConfigKey]domain.MarginConfig, len(rows))
	for _, r := range rows {
		margins[domain.MarginConfigKey{Segment: r.Segment, ProductType: r.ProductType}] = r
	}

	c.mu.Lock()
	c.margins = margins
	c.marginsLoaded = c.now()
	c.mu.Unlock()
	return nil
}

// RiskThresholds returns the account's override, else the global row, else the
// configured defaults.
func (c *ConfigCache) RiskThresholds(ctx context.Context, accountID string) (domain.RiskThresholds, error) {
	if accountID != "" {
		entry, err := c.thresholdEntry(ctx, accountID)
		if err != nil {
			return domain.RiskThresholds{}, err
		}
		if entry.found {
			return entry.value, nil
		}
	}

	entry, err := c.thresholdEntry(ctx, "")
	if err != nil {
		return domain.RiskThresholds{}, err
	}
	if entry.found {
		return entry.value, nil
	}
	return c.defaults, nil
}

func (c *ConfigCache) thresholdEntry(ctx context.Context, key string) (thresholdEntry, error) {
	c.mu.RLock()
	cached, ok := c.thresholds[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.loadedAt) < c.ttl {
		return cached, nil
	}

	value, err := c.store.GetRiskThresholds(ctx, key)
	entry := thresholdEntry{value: value, found: err == nil, loadedAt: c.now()}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		if ok {
			c.logger.WarnContext(ctx, "config_cache: threshold reload failed, serving cached value",
				slog.String("account_id", key),
				slog.String("error", err.Error()),
			)
			return cached, nil
		}
		return thresholdEntry{}, fmt.Errorf("config_cache: load thresholds %q: %w", key, err)
	}

	c.mu.Lock()
	c.thresholds[key] = entry
	c.mu.Unlock()
	return entry, nil
}

// Refresh reloads margin configuration now and drops every cached threshold so
// the next read goes to the store.
func (c *ConfigCache) Refresh(ctx context.Context) error {
	if err := c.loadMargins(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.thresholds = make(map[string]thresholdEntry)
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "config_cache: refreshed")
	return nil
}
