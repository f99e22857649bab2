package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// cycleGuard keeps a worker from overlapping with itself, both inside this
// process and across instances sharing the same Redis.
type cycleGuard struct {
	name    string
	running atomic.Bool
	locks   domain.LockManager
	ttl     time.Duration
}

func newCycleGuard(name string, locks domain.LockManager, ttl time.Duration) *cycleGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &cycleGuard{name: name, locks: locks, ttl: ttl}
}

// enter reports whether a cycle may start. The returned release must be called
// when it reports true.
func (g *cycleGuard) enter(ctx context.Context, logger *slog.Logger) (func(), bool) {
	if !g.running.CompareAndSwap(false, true) {
		logger.DebugContext(ctx, "worker: previous cycle still running, skipping",
			slog.String("worker", g.name))
		return nil, false
	}
	if g.locks == nil {
		return func() { g.running.Store(false) }, true
	}

	unlock, err := g.locks.Acquire(ctx, "worker:"+g.name, g.ttl)
	if err != nil {
		g.running.Store(false)
		if errors.Is(err, domain.ErrLockHeld) {
			logger.DebugContext(ctx, "worker: cycle running on another instance, skipping",
				slog.String("worker", g.name))
		} else {
			logger.WarnContext(ctx, "worker: acquire cycle lock failed",
				slog.String("worker", g.name),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return func() {
		unlock()
		g.running.Store(false)
	}, true
}

// rotation is a keyset cursor that walks a keyed set in bounded batches. Each
// batch resumes after the last key of the previous one and wraps to the start,
// so every member is visited within ceil(n/limit) batches.
type rotation struct {
	mu    sync.Mutex
	after string
}

// nextBatch lists up to limit items after the cursor, filling a short page from
// the start of the key space. The cursor moves only when advance is set.
func nextBatch[T any](
	ctx context.Context,
	r *rotation,
	limit int,
	advance bool,
	list func(ctx context.Context, after string, limit int) ([]T, error),
	key func(T) string,
) ([]T, error) {
	r.mu.Lock()
	after := r.after
	r.mu.Unlock()

	batch, err := list(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	if len(batch) < limit && after != "" {
		head, err := list(ctx, "", limit-len(batch))
		if err != nil {
			return nil, err
		}
		for _, item := range head {
			if key(item) > after {
				break
			}
			batch = append(batch, item)
		}
	}

	if advance {
		next := ""
		if len(batch) >= limit && len(batch) > 0 {
			next = key(batch[len(batch)-1])
		}
		r.mu.Lock()
		r.after = next
		r.mu.Unlock()
	}
	return batch, nil
}

// lockBackoff returns the wait before retry attempt i (0-based): base doubled
// per attempt, capped at max.
func lockBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
