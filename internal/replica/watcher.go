package replica

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = time.Second
	defaultCleanupInterval = 15 * time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	eventBufferSize        = 64
)

// Change is a debounced local modification of an item.
type Change struct {
	Key   string
	Event notify.Event
}

// Watcher reports out of band writes under the replica root. Writes the daemon
// makes itself are suppressed with IgnoreOnce.
type Watcher struct {
	replica         *Replica
	filter          func(key string) bool
	rawEvents       chan notify.EventInfo
	changes         chan Change
	ignore          map[string]time.Time
	ignoreMu        sync.Mutex
	pending         map[string]notify.Event
	timers          map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	closed          bool
	done            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewWatcher watches r. filter, if set, drops keys for which it returns true.
func NewWatcher(r *Replica, filter func(key string) bool) *Watcher {
	return &Watcher{
		replica:         r,
		filter:          filter,
		ignore:          make(map[string]time.Time),
		pending:         make(map[string]notify.Event),
		timers:          make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
		done:            make(chan struct{}),
	}
}

func (w *Watcher) SetDebounceTimeout(d time.Duration) {
	w.debounceTimeout = d
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("watcher start", "dir", w.replica.Root)

	w.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	w.changes = make(chan Change, eventBufferSize)

	if err := notify.Watch(w.replica.Root+"/...", w.rawEvents, notify.Write, notify.Create, notify.Rename); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.loop(ctx)
	go w.cleanup(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.rawEvents != nil {
			notify.Stop(w.rawEvents)
		}
		w.wg.Wait()
		slog.Info("watcher stopped")
	})
}

// Changes is closed after Stop.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// IgnoreOnce suppresses the next change of key within DefaultIgnoreTimeout.
func (w *Watcher) IgnoreOnce(key string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[key] = time.Now().Add(DefaultIgnoreTimeout)
}

func (w *Watcher) consumeIgnore(key string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, ok := w.ignore[key]
	if !ok {
		return false
	}
	delete(w.ignore, key)
	return time.Now().Before(expiry)
}

func (w *Watcher) loop(ctx context.Context) {
	defer func() {
		w.debounceMu.Lock()
		for key, timer := range w.timers {
			timer.Stop()
			delete(w.timers, key)
		}
		w.closed = true
		close(w.changes)
		w.debounceMu.Unlock()
		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.rawEvents:
			if !ok {
				return
			}
			key, inside := w.replica.RelKey(ev.Path())
			if !inside {
				continue
			}
			if w.filter != nil && w.filter(key) {
				continue
			}
			// editors and copies produce bursts of writes; deliver one change per burst
			w.debounce(key, ev.Event())
		}
	}
}

func (w *Watcher) debounce(key string, ev notify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.timers[key]; ok {
		timer.Stop()
	}
	w.pending[key] = ev
	w.timers[key] = time.AfterFunc(w.debounceTimeout, func() { w.flush(key) })
}

func (w *Watcher) flush(key string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	ev, ok := w.pending[key]
	if !ok || w.closed {
		return
	}
	delete(w.pending, key)
	delete(w.timers, key)

	if w.consumeIgnore(key) {
		return
	}

	select {
	case w.changes <- Change{Key: key, Event: ev}:
		slog.Debug("watcher change", "event", ev, "key", key)
	default:
		slog.Warn("watcher dropped change", "reason", "channel full", "key", key)
	}
}

func (w *Watcher) cleanup(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			now := time.Now()
			w.ignoreMu.Lock()
			for key, expiry := range w.ignore {
				if now.After(expiry) {
					delete(w.ignore, key)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
