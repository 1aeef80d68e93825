// Package clock is the time source of the volume. Watchdogs, backoffs and
// query budgets take a Clock so tests can drive them with a fake.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

type (
	Clock     = clockwork.Clock
	Timer     = clockwork.Timer
	FakeClock = clockwork.FakeClock
)

// Real returns a Clock backed by the time package.
func Real() Clock { return clockwork.NewRealClock() }

// Fake returns a clock set to start that only moves on Advance. AfterFunc
// callbacks run on their own goroutine once their deadline is passed.
func Fake(start time.Time) *FakeClock { return clockwork.NewFakeClockAt(start) }

// WaitForTimers blocks until c has at least n pending timers or wait elapses
// on the wall clock.
func WaitForTimers(c *FakeClock, n int, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	return c.BlockUntilContext(ctx, n)
}

// Idle reports whether c has no pending timers, giving concurrent stops up to
// wait to land.
func Idle(c *FakeClock, wait time.Duration) bool {
	return WaitForTimers(c, 1, wait) != nil
}
