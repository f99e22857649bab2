package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type checkState int

const (
	checkIdle checkState = iota
	checkScheduled
	checkRunning
	// checkRunningDirty means another notification arrived while the check
	// was running; one more check follows once it finishes.
	checkRunningDirty
)

type pendingCheck struct {
	state checkState
	due   time.Time
}

// Debouncer coalesces bursts of notifications per key into one delayed call.
// The delay starts at the first notification and is not extended by later
// ones. A key never runs concurrently with itself, and at most concurrency
// keys run at once.
type Debouncer struct {
	delay       time.Duration
	concurrency int
	fn          func(ctx context.Context, key string)
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCheck
	wake    chan struct{}
}

// NewDebouncer creates a Debouncer that calls fn delay after a key is first
// notified.
func NewDebouncer(delay time.Duration, concurrency int, fn func(ctx context.Context, key string)) *Debouncer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Debouncer{
		delay:       delay,
		concurrency: concurrency,
		fn:          fn,
		now:         time.Now,
		pending:     make(map[string]*pendingCheck),
		wake:        make(chan struct{}, 1),
	}
}

// Notify schedules a call for key.
func (d *Debouncer) Notify(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		p = &pendingCheck{}
		d.pending[key] = p
	}
	switch p.state {
	case checkIdle:
		p.state = checkScheduled
		p.due = d.now().Add(d.delay)
		d.signal()
	case checkRunning:
		p.state = checkRunningDirty
	}
}

// Pending returns the number of keys scheduled or running.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// takeDue marks every key whose delay has passed as running and returns them,
// along with the earliest due time still waiting.
func (d *Debouncer) takeDue() ([]string, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var due []string
	var next time.Time
	for key, p := range d.pending {
		if p.state != checkScheduled {
			continue
		}
		if !p.due.After(now) {
			p.state = checkRunning
			due = append(due, key)
			continue
		}
		if next.IsZero() || p.due.Before(next) {
			next = p.due
		}
	}
	return due, next
}

func (d *Debouncer) finish(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return
	}
	if p.state == checkRunningDirty {
		p.state = checkScheduled
		p.due = d.now().Add(d.delay)
		d.signal()
		return
	}
	delete(d.pending, key)
}

// Run dispatches due calls until ctx is cancelled, then waits for running
// calls to return.
func (d *Debouncer) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next := d.takeDue()
		for _, key := range due {
			g.Go(func() error {
				defer d.finish(key)
				d.fn(ctx, key)
				return nil
			})
		}

		var fire <-chan time.Time
		if !next.IsZero() {
			timer.Reset(max(next.Sub(d.now()), 0))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-d.wake:
		case <-fire:
		}
	}
}
