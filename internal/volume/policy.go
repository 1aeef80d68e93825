package volume

import (
	"errors"
	"time"
)

var (
	ErrEmptyTimeouts   = errors.New("watchdog policy needs at least one timeout")
	ErrTooManyBackoffs = errors.New("watchdog policy has more backoffs than timeouts")
	ErrNonPositive     = errors.New("watchdog durations must be positive")
)

// WatchdogPolicy drives the idle watchdog of a download. Timeouts[i] is the idle
// window of attempt i; Backoffs[i] is the pause before attempt i+1. When Backoffs
// is shorter than Timeouts its last value is reused.
type WatchdogPolicy struct {
	Timeouts []time.Duration
	Backoffs []time.Duration
}

// DefaultWatchdogPolicy waits 60s, 90s and 180s of silence, pausing 2s and 4s in between.
func DefaultWatchdogPolicy() WatchdogPolicy {
	return WatchdogPolicy{
		Timeouts: []time.Duration{60 * time.Second, 90 * time.Second, 180 * time.Second},
		Backoffs: []time.Duration{2 * time.Second, 4 * time.Second},
	}
}

func (p WatchdogPolicy) Validate() error {
	if len(p.Timeouts) == 0 {
		return ErrEmptyTimeouts
	}
	if len(p.Backoffs) > len(p.Timeouts) {
		return ErrTooManyBackoffs
	}
	for _, d := range p.Timeouts {
		if d <= 0 {
			return ErrNonPositive
		}
	}
	for _, d := range p.Backoffs {
		if d < 0 {
			return ErrNonPositive
		}
	}
	return nil
}

// Attempts is the number of observation attempts before a terminal timeout.
func (p WatchdogPolicy) Attempts() int {
	return len(p.Timeouts)
}

// TimeoutFor returns the idle window at index i, clamped to the last entry.
func (p WatchdogPolicy) TimeoutFor(i int) time.Duration {
	return clampAt(p.Timeouts, i)
}

// BackoffFor returns the pause after attempt i, clamped to the last entry.
// A policy without backoffs retries immediately.
func (p WatchdogPolicy) BackoffFor(i int) time.Duration {
	return clampAt(p.Backoffs, i)
}

func clampAt(list []time.Duration, i int) time.Duration {
	if len(list) == 0 {
		return 0
	}
	if i < 0 {
		i = 0
	}
	if i >= len(list) {
		i = len(list) - 1
	}
	return list[i]
}
