package volume

import (
	"context"
	"sync"

	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
)

// ObservationHandle owns one subscription on the remote index. Stop is
// idempotent and once it returns the callback is never invoked again. Stop must
// not be called from inside the callback.
type ObservationHandle struct {
	pred remote.Predicate
	sub  remote.Subscription

	deliverMu sync.Mutex // held while the callback runs
	stopped   bool
	stopOnce  sync.Once
}

// Predicate returns the scope the handle was opened with.
func (h *ObservationHandle) Predicate() remote.Predicate {
	return h.pred
}

func (h *ObservationHandle) Stop() {
	h.stopOnce.Do(func() {
		h.deliverMu.Lock()
		h.stopped = true
		h.deliverMu.Unlock()
		if h.sub != nil {
			h.sub.Stop()
		}
	})
}

func (h *ObservationHandle) deliver(fn func(remote.Event), ev remote.Event) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.stopped {
		return
	}
	snapshot := make([]remote.Entry, len(ev.Snapshot))
	for i, e := range ev.Snapshot {
		snapshot[i] = e.Clone()
	}
	fn(remote.Event{Kind: ev.Kind, Snapshot: snapshot})
}

// observe resolves the container and opens a subscription. A container that
// cannot be resolved is reported as ContainerUnavailable before any
// subscription exists.
func (v *Volume) observe(ctx context.Context, pred remote.Predicate, domains []remote.Domain, fn func(remote.Event)) (*ObservationHandle, error) {
	if err := v.resolveContainer(ctx); err != nil {
		return nil, err
	}

	h := &ObservationHandle{pred: pred}
	sub, err := v.svc.Observe(ctx, pred, domains, func(ev remote.Event) {
		h.deliver(fn, ev)
	})
	if err != nil {
		return nil, volerr.Wrap("", "observe", pred.Path.String(), err)
	}

	h.sub = sub
	return h, nil
}

func (v *Volume) resolveContainer(ctx context.Context) error {
	c, err := v.svc.ResolveContainer(ctx)
	if err != nil && ctx.Err() != nil {
		return volerr.Wrap("", "resolve", v.containerID, ctx.Err())
	}
	if err != nil {
		return volerr.Wrap(volerr.KindContainerUnavailable, "resolve", v.containerID, err)
	}
	if v.containerID != "" && c.ID != v.containerID {
		return volerr.Newf(volerr.KindContainerUnavailable, "resolve", v.containerID, "service serves container %q", c.ID)
	}
	return nil
}
