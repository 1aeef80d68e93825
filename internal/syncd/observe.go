package syncd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openmined/syftvolume/internal/remote"
)

type subscription struct {
	stop     chan struct{}
	stopOnce sync.Once
	release  func()
}

// Stop releases the notifier slot. It does not wait for a callback that is
// already running.
func (s *subscription) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.release()
	})
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Observe delivers a GatheringFinished snapshot of pred, then an IndexUpdated
// snapshot after every index change, until the subscription is stopped or ctx
// is done. Delivery for one subscription is serial.
func (d *Daemon) Observe(ctx context.Context, pred remote.Predicate, domains []remote.Domain, fn func(remote.Event)) (remote.Subscription, error) {
	if !d.isRunning() {
		return nil, ErrDaemonNotRunning
	}

	changes, release := d.index.Notifier().Subscribe()
	sub := &subscription{stop: make(chan struct{}), release: release}
	idx, daemonCtx := d.index, d.ctx

	go func() {
		defer sub.Stop()

		kind := remote.GatheringFinished
		for {
			snapshot, err := idx.Query(ctx, pred, domains)
			switch {
			case err != nil && ctx.Err() == nil && !sub.stopped():
				// no snapshot rather than a wrong one; the next change retries
				slog.Warn("observe query", "predicate", pred, "error", err)
			case err == nil && !sub.stopped():
				fn(remote.Event{Kind: kind, Snapshot: snapshot})
				kind = remote.IndexUpdated
			}

			select {
			case <-ctx.Done():
				return
			case <-daemonCtx.Done():
				return
			case <-sub.stop:
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			}
		}
	}()

	return sub, nil
}
