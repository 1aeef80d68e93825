package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/syftvolume/internal/blob"
)

const DefaultRefreshInterval = 15 * time.Second

// Indexer keeps the index in step with the blob store by listing it periodically
// and on demand.
type Indexer struct {
	store    blob.Store
	index    *Index
	interval time.Duration
	// lock is held exclusively for a whole list and apply cycle so that a listing
	// taken before a mutation is never applied after it.
	lock    *sync.RWMutex
	trigger chan struct{}
	onApply func(*ListingResult)
}

type IndexerOption func(*Indexer)

// WithRefreshLock makes each refresh hold lock exclusively.
func WithRefreshLock(lock *sync.RWMutex) IndexerOption {
	return func(i *Indexer) { i.lock = lock }
}

// WithApplyHook calls fn after every successful refresh.
func WithApplyHook(fn func(*ListingResult)) IndexerOption {
	return func(i *Indexer) { i.onApply = fn }
}

func NewIndexer(store blob.Store, index *Index, interval time.Duration, opts ...IndexerOption) *Indexer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	i := &Indexer{
		store:    store,
		index:    index,
		interval: interval,
		lock:     &sync.RWMutex{},
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start runs an initial refresh, then refreshes every interval or when triggered
// until ctx is done.
func (i *Indexer) Start(ctx context.Context) error {
	if _, err := i.Refresh(ctx); err != nil {
		return err
	}

	go func() {
		slog.Debug("indexer started", "interval", i.interval)
		ticker := time.NewTicker(i.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Debug("indexer stopped")
				return
			case <-ticker.C:
			case <-i.trigger:
			}
			if _, err := i.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Error("index refresh", "error", err)
			}
		}
	}()

	return nil
}

// Trigger schedules a refresh without waiting for it.
func (i *Indexer) Trigger() {
	select {
	case i.trigger <- struct{}{}:
	default:
	}
}

// Refresh lists the store and applies the listing to the index.
func (i *Indexer) Refresh(ctx context.Context) (*ListingResult, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	start := time.Now()
	objects, err := i.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	result, err := i.index.ApplyListing(ctx, objects)
	if err != nil {
		return nil, fmt.Errorf("apply listing: %w", err)
	}

	if result.Changed() {
		slog.Info("index refresh",
			"objects", len(objects),
			"added", result.Added,
			"updated", result.Updated,
			"deleted", result.Deleted,
			"conflicted", result.Conflicted,
			"took", time.Since(start))
	} else {
		slog.Debug("index refresh", "objects", len(objects), "took", time.Since(start))
	}

	if i.onApply != nil {
		i.onApply(result)
	}
	return result, nil
}
