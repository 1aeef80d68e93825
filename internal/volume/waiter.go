package volume

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openmined/syftvolume/internal/clock"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
)

// WaiterState is the state of a transfer waiter.
type WaiterState int

const (
	WaiterIdle WaiterState = iota
	WaiterRequested
	WaiterWaiting
	WaiterReady
	WaiterFailed
	WaiterTimedOut
	WaiterCanceled
)

func (s WaiterState) String() string {
	switch s {
	case WaiterIdle:
		return "idle"
	case WaiterRequested:
		return "requested"
	case WaiterWaiting:
		return "waiting"
	case WaiterReady:
		return "ready"
	case WaiterFailed:
		return "failed"
	case WaiterTimedOut:
		return "timed-out"
	default:
		return "canceled"
	}
}

func (s WaiterState) Terminal() bool {
	return s >= WaiterReady
}

// verdict is what one observed entry says about a transfer.
type verdict struct {
	percent *float64
	ready   bool
	err     error
}

// transferWaiter waits for a transfer that the service runs on its own, judging
// it by the index entry of one path. Silence longer than the current watchdog
// window restarts the observation after a backoff; running out of windows is
// a terminal timeout.
type transferWaiter struct {
	v          *Volume
	op         string
	path       itempath.ItemPath
	policy     WatchdogPolicy
	request    func(ctx context.Context) error
	evaluate   func(remote.Entry) verdict
	fallback   func(ctx context.Context) (remote.Entry, bool)
	onProgress func(float64)

	mu          sync.Mutex
	state       WaiterState
	history     []WaiterState
	restarts    int
	lastPercent float64
}

func (w *transferWaiter) setState(s WaiterState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.history = append(w.history, s)
}

// State returns the current state.
func (w *transferWaiter) State() WaiterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// History returns every state entered, in order.
func (w *transferWaiter) History() []WaiterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WaiterState(nil), w.history...)
}

// Restarts is the number of times the observation was reopened after an idle timeout.
func (w *transferWaiter) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

type attemptOutcome int

const (
	outcomeReady attemptOutcome = iota
	outcomeFailed
	outcomeIdle
)

// Run drives the waiter to a terminal state.
func (w *transferWaiter) Run(ctx context.Context) (remote.Entry, error) {
	if s := w.State(); s != WaiterIdle {
		return remote.Entry{}, volerr.Newf(volerr.KindInvalidArgument, w.op, w.path.String(), "waiter already %s", s)
	}

	for attempt := 0; ; attempt++ {
		w.setState(WaiterRequested)
		if w.request != nil {
			if err := w.request(ctx); err != nil {
				if entry, ok := w.tryFallback(ctx); ok {
					w.setState(WaiterReady)
					return entry, nil
				}
				return remote.Entry{}, w.terminal(ctx, err)
			}
		}

		entry, outcome, err := w.attempt(ctx, attempt)
		switch outcome {
		case outcomeReady:
			w.setState(WaiterReady)
			return entry, nil
		case outcomeFailed:
			return remote.Entry{}, w.terminal(ctx, err)
		}

		if attempt+1 >= w.policy.Attempts() {
			w.setState(WaiterTimedOut)
			slog.Warn("volume transfer timed out", "op", w.op, "path", w.path.String(), "attempts", attempt+1)
			return remote.Entry{}, volerr.Newf(volerr.KindTimeout, w.op, w.path.String(), "no progress after %d attempts", attempt+1)
		}

		backoff := w.policy.BackoffFor(attempt)
		slog.Info("volume transfer idle, restarting", "op", w.op, "path", w.path.String(), "attempt", attempt+1, "backoff", backoff)
		pause := w.v.clock.NewTimer(backoff)
		select {
		case <-pause.Chan():
		case <-ctx.Done():
			pause.Stop()
			return remote.Entry{}, w.terminal(ctx, ctx.Err())
		}
		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()
	}
}

func (w *transferWaiter) terminal(ctx context.Context, err error) error {
	ve := volerr.Wrap("", w.op, w.path.String(), err)
	if ve.Kind == volerr.KindCanceled || ctx.Err() != nil {
		w.setState(WaiterCanceled)
		if ve.Kind != volerr.KindCanceled {
			ve = volerr.Wrap("", w.op, w.path.String(), ctx.Err())
		}
		return ve
	}
	w.setState(WaiterFailed)
	return ve
}

// attempt observes the path until the transfer finishes, fails or the
// watchdog fires. The observation and timer are released on every return.
func (w *transferWaiter) attempt(ctx context.Context, attempt int) (remote.Entry, attemptOutcome, error) {
	var (
		latestMu sync.Mutex
		latest   *remote.Event
		updates  = make(chan struct{}, 1)
	)
	h, err := w.v.observe(ctx, remote.Exact(w.path), nil, func(ev remote.Event) {
		latestMu.Lock()
		latest = &ev
		latestMu.Unlock()
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return remote.Entry{}, outcomeFailed, err
	}
	defer h.Stop()
	w.setState(WaiterWaiting)

	window := attempt
	var timer clock.Timer
	var idle chan struct{}
	arm := func() {
		fired := make(chan struct{})
		idle = fired
		timer = w.v.clock.AfterFunc(w.policy.TimeoutFor(window), func() { close(fired) })
	}
	arm()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return remote.Entry{}, outcomeFailed, ctx.Err()

		case <-idle:
			slog.Warn("volume transfer watchdog fired", "op", w.op, "path", w.path.String(), "window", w.policy.TimeoutFor(window))
			return remote.Entry{}, outcomeIdle, nil

		case <-updates:
			latestMu.Lock()
			ev := latest
			latest = nil
			latestMu.Unlock()
			if ev == nil {
				continue
			}

			entry, found := findEntry(ev.Snapshot, w.path)
			if !found {
				if local, ok := w.tryFallback(ctx); ok {
					return local, outcomeReady, nil
				}
				continue
			}

			verdict := w.evaluate(entry)
			switch {
			case verdict.err != nil:
				return entry, outcomeFailed, verdict.err
			case verdict.ready:
				if w.advance(100) {
					w.report(100)
				}
				return entry, outcomeReady, nil
			}

			if verdict.percent != nil && w.advance(*verdict.percent) {
				timer.Stop()
				window++
				arm()
				w.report(*verdict.percent)
			}
		}
	}
}

// advance records percent and reports whether it was an increase.
func (w *transferWaiter) advance(percent float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if percent <= w.lastPercent {
		return false
	}
	w.lastPercent = percent
	return true
}

func (w *transferWaiter) report(percent float64) {
	if w.onProgress != nil {
		w.onProgress(percent)
	}
}

func (w *transferWaiter) tryFallback(ctx context.Context) (remote.Entry, bool) {
	if w.fallback == nil {
		return remote.Entry{}, false
	}
	return w.fallback(ctx)
}

// DownloadWaiter materializes one item and waits until its bytes are local.
type DownloadWaiter struct {
	*transferWaiter
}

// NewDownloadWaiter prepares a waiter for p. onProgress, when set, receives
// every strictly increasing download percent.
func (v *Volume) NewDownloadWaiter(p itempath.ItemPath, onProgress func(float64)) *DownloadWaiter {
	w := &transferWaiter{
		v:          v,
		op:         "download",
		path:       p,
		policy:     v.opts.Watchdog,
		onProgress: onProgress,
		request: func(ctx context.Context) error {
			return v.svc.RequestMaterialization(ctx, p)
		},
		evaluate: func(e remote.Entry) verdict {
			switch {
			case e.IsDir:
				return verdict{err: volerr.New(volerr.KindInvalidArgument, "download", p.String(), "is a directory")}
			case e.DownloadError != "":
				return verdict{err: volerr.New(volerr.KindTransport, "download", p.String(), e.DownloadError)}
			case e.DownloadState == remote.Materialized:
				return verdict{ready: true}
			}
			return verdict{percent: e.DownloadPercent}
		},
		// the index may not list a just moved item yet; its local bytes still answer
		fallback: func(ctx context.Context) (remote.Entry, bool) {
			local, err := v.svc.LocalStat(ctx, p)
			if err != nil || local.IsDir || local.DownloadState != remote.Materialized {
				return remote.Entry{}, false
			}
			return *local, true
		},
	}
	return &DownloadWaiter{transferWaiter: w}
}

// newUploadWaiter waits for the service to push the local bytes of p.
func (v *Volume) newUploadWaiter(p itempath.ItemPath, onProgress func(float64)) *transferWaiter {
	return &transferWaiter{
		v:          v,
		op:         "upload",
		path:       p,
		policy:     v.opts.Watchdog,
		onProgress: onProgress,
		evaluate: func(e remote.Entry) verdict {
			switch {
			case e.HasUnresolvedConflict:
				return verdict{err: volerr.New(volerr.KindConflict, "upload", p.String(), "remote version changed since the local edit")}
			case e.UploadError != "":
				return verdict{err: volerr.New(volerr.KindTransport, "upload", p.String(), e.UploadError)}
			case e.UploadState == remote.Uploaded:
				return verdict{ready: true}
			}
			return verdict{percent: e.UploadPercent}
		},
	}
}
