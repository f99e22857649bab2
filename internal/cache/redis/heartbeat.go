package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// heartbeatTTL bounds how long a dead worker's last beat stays visible.
const heartbeatTTL = 24 * time.Hour

// Heartbeats implements domain.Heartbeats with one string key per worker.
type Heartbeats struct {
	rdb *redis.Client
}

// NewHeartbeats creates a Heartbeats store backed by the given Client.
func NewHeartbeats(c *Client) *Heartbeats {
	return &Heartbeats{rdb: c.Underlying()}
}

func heartbeatKey(worker string) string {
	return "heartbeat:" + worker
}

// Beat records that worker finished a cycle at the given time.
func (h *Heartbeats) Beat(ctx context.Context, worker string, at time.Time) error {
	if err := h.rdb.Set(ctx, heartbeatKey(worker), at.UnixMilli(), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("redis: heartbeat %s: %w", worker, err)
	}
	return nil
}

// Last returns the worker's last beat, or the zero time when it never beat.
func (h *Heartbeats) Last(ctx context.Context, worker string) (time.Time, error) {
	ms, err := h.rdb.Get(ctx, heartbeatKey(worker)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis: last heartbeat %s: %w", worker, err)
	}
	return time.UnixMilli(ms), nil
}

// Compile-time interface check.
var _ domain.Heartbeats = (*Heartbeats)(nil)
