// Package poll implements bounded sleep-poll loops with an injectable clock.
package poll

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall time so wait loops can be driven deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real is the process wall clock.
var Real Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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

// Policy is an explicit polling interval and deadline.
type Policy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Until evaluates cond until it returns true or the policy deadline passes.
// cond always runs at least once. It returns false without error on timeout
// and ctx.Err() if the context ends first.
func Until(ctx context.Context, clock Clock, p Policy, cond func() bool) (bool, error) {
	if clock == nil {
		clock = Real
	}
	deadline := clock.Now().Add(p.Timeout)
	for {
		if cond() {
			return true, nil
		}
		now := clock.Now()
		if !now.Before(deadline) {
			return false, nil
		}
		wait := p.Interval
		if remaining := deadline.Sub(now); wait <= 0 || wait > remaining {
			wait = remaining
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// FakeClock advances only when Sleep is called. Safe for concurrent use.
type FakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.mu.Unlock()
}

// Slept returns the total duration passed to Sleep and Advance.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}
