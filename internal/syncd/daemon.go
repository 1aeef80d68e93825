// Package syncd is the sync daemon serving one container: it keeps the index
// mirror in step with the blob store, materializes items on request and pushes
// local writes back.
package syncd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/db"
	"github.com/openmined/syftvolume/internal/index"
	"github.com/openmined/syftvolume/internal/queue"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/replica"
	"github.com/openmined/syftvolume/internal/volerr"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWorkers    = 4
	defaultMaxRetries = 3
)

var ErrDaemonNotRunning = errors.New("sync daemon not running")

// Config wires a daemon to its container.
type Config struct {
	ContainerID     string
	Root            string
	Store           blob.Store
	IndexPath       string // defaults to the replica metadata dir; db.MemoryPath keeps it in memory
	JournalPath     string // same as IndexPath
	RefreshInterval time.Duration
	Workers         int
	Watch           bool // react to out of band writes under Root
	MaxRetries      int
}

// Daemon implements remote.Service on top of a blob store and a local replica.
type Daemon struct {
	cfg     Config
	store   blob.Store
	replica *replica.Replica
	journal *replica.Journal
	ignore  *replica.IgnoreList
	watcher *replica.Watcher
	index   *index.Index
	indexer *index.Indexer

	// refreshLock is held exclusively by index refreshes and shared by mutations,
	// so a listing never lands in the middle of a move or delete.
	refreshLock sync.RWMutex
	// commitMu serializes changes to local bytes and their index rows.
	commitMu sync.Mutex

	downloads *queue.PriorityQueue[string]
	uploads   *queue.PriorityQueue[string]
	flight    singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var _ remote.Service = (*Daemon)(nil)

func New(cfg Config) (*Daemon, error) {
	if cfg.ContainerID == "" {
		return nil, errors.New("container id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	r, err := replica.New(cfg.Root)
	if err != nil {
		return nil, err
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = r.IndexPath()
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = r.JournalPath()
	}

	d := &Daemon{
		cfg:       cfg,
		store:     cfg.Store,
		replica:   r,
		journal:   replica.NewJournal(cfg.JournalPath),
		ignore:    replica.NewIgnoreList(r.Root),
		downloads: queue.NewPriorityQueue[string](),
		uploads:   queue.NewPriorityQueue[string](),
	}
	return d, nil
}

// Replica exposes the local root served by the daemon.
func (d *Daemon) Replica() *replica.Replica {
	return d.replica
}

// Index exposes the index mirror.
func (d *Daemon) Index() *index.Index {
	return d.index
}

// Start takes the container lock, opens the index and journal, runs the first
// refresh and starts the worker pools. The daemon runs until Stop or ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("sync daemon already running")
	}

	if err := os.MkdirAll(d.replica.Root, 0o755); err != nil {
		return fmt.Errorf("create root %s: %w", d.replica.Root, err)
	}
	if err := d.replica.Lock(); err != nil {
		return fmt.Errorf("%w: %w", volerr.ErrContainerUnavailable, err)
	}

	success := false
	defer func() {
		if !success {
			d.closeStores()
		}
	}()

	if err := d.journal.Open(); err != nil {
		return err
	}
	conn, err := db.NewSqliteDB(db.WithPath(d.cfg.IndexPath))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	d.index, err = index.New(conn)
	if err != nil {
		conn.Close()
		return err
	}
	d.ignore.Load()

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.indexer = index.NewIndexer(d.store, d.index, d.cfg.RefreshInterval,
		index.WithRefreshLock(&d.refreshLock),
		index.WithApplyHook(d.onListingApplied),
	)
	if err := d.indexer.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("initial refresh: %w", err)
	}

	if err := d.recover(d.ctx); err != nil {
		slog.Warn("sync recover", "error", err)
	}

	for range d.cfg.Workers {
		d.wg.Add(2)
		go d.downloadWorker()
		go d.uploadWorker()
	}

	if d.cfg.Watch {
		d.watcher = replica.NewWatcher(d.replica, d.ignore.ShouldIgnore)
		if err := d.watcher.Start(d.ctx); err != nil {
			d.cancel()
			d.downloads.Close()
			d.uploads.Close()
			d.wg.Wait()
			return fmt.Errorf("start watcher: %w", err)
		}
		d.wg.Add(1)
		go d.watchLocalChanges()
	}

	d.running = true
	success = true
	slog.Info("sync daemon started", "container", d.cfg.ContainerID, "root", d.replica.Root, "workers", d.cfg.Workers)
	return nil
}

// Stop halts the workers, releases the lock and closes the index and journal.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	d.cancel()
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.downloads.Close()
	d.uploads.Close()
	d.wg.Wait()

	// a refresh in flight still holds the lock
	d.refreshLock.Lock()
	defer d.refreshLock.Unlock()

	slog.Info("sync daemon stopped", "container", d.cfg.ContainerID)
	return d.closeStores()
}

func (d *Daemon) closeStores() error {
	var errs []error
	if d.index != nil {
		errs = append(errs, d.index.Close())
		d.index = nil
	}
	if err := d.journal.Close(); err != nil && !errors.Is(err, replica.ErrJournalNotOpen) {
		errs = append(errs, err)
	}
	errs = append(errs, d.replica.Unlock())
	return errors.Join(errs...)
}

func (d *Daemon) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Refresh lists the blob store now instead of waiting for the next tick.
func (d *Daemon) Refresh(ctx context.Context) error {
	if !d.isRunning() {
		return ErrDaemonNotRunning
	}
	_, err := d.indexer.Refresh(ctx)
	return err
}

// ResolveContainer reports the container root, or ErrContainerUnavailable when
// the daemon is not serving it or the blob store cannot be reached.
func (d *Daemon) ResolveContainer(ctx context.Context) (remote.Container, error) {
	if !d.isRunning() {
		return remote.Container{}, fmt.Errorf("%w: %w", volerr.ErrContainerUnavailable, ErrDaemonNotRunning)
	}
	if !d.replica.Locked() {
		return remote.Container{}, fmt.Errorf("%w: replica lock not held", volerr.ErrContainerUnavailable)
	}
	if info, err := os.Stat(d.replica.Root); err != nil || !info.IsDir() {
		return remote.Container{}, fmt.Errorf("%w: root %s missing", volerr.ErrContainerUnavailable, d.replica.Root)
	}
	if err := d.store.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return remote.Container{}, ctx.Err()
		}
		return remote.Container{}, fmt.Errorf("%w: %w", volerr.ErrContainerUnavailable, err)
	}
	return remote.Container{ID: d.cfg.ContainerID, Root: d.replica.Root}, nil
}

// onListingApplied runs under the exclusive refresh lock.
func (d *Daemon) onListingApplied(result *index.ListingResult) {
	for _, key := range result.Stale {
		slog.Debug("sync stale", "path", key)
		d.enqueueDownload(key, 0)
	}

	if len(result.Removed) == 0 {
		return
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()
	for _, key := range result.Removed {
		d.downloads.Remove(key)
		d.ignoreOnce(key)
		if err := d.replica.Remove(key); err != nil {
			slog.Error("sync remove local", "path", key, "error", err)
			continue
		}
		if err := d.journal.Delete(key); err != nil {
			slog.Warn("sync journal delete", "path", key, "error", err)
		}
		slog.Info("sync", "op", "delete-local", "path", key)
	}
}

// recover queues pushes for writes that were pending when the daemon last
// stopped, and for journaled files edited while it was down.
func (d *Daemon) recover(ctx context.Context) error {
	records, err := d.index.Records(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, rec := range records {
		key := rec.Path.Key()
		switch {
		case rec.Dirty():
			d.enqueueUpload(key)
			pending++
		case rec.DownloadState == remote.Materializing:
			// the worker that owned this died with the last process
			if err := d.index.SetDownload(ctx, key, remote.NotMaterialized, nil, ""); err != nil {
				slog.Warn("sync reset download", "path", key, "error", err)
			}
		case rec.DownloadState == remote.Materialized && d.replica.Exists(key):
			etag, err := d.replica.ETag(key)
			if err != nil {
				continue
			}
			changed, err := d.journal.ContentsChanged(key, etag)
			if err != nil || !changed {
				continue
			}
			if err := d.markLocalWrite(ctx, key); err != nil {
				slog.Warn("sync recover local edit", "path", key, "error", err)
				continue
			}
			pending++
		}
	}

	if pending > 0 {
		slog.Info("sync recovered pending writes", "count", pending)
	}
	return nil
}

func (d *Daemon) ignoreOnce(key string) {
	if d.watcher != nil {
		d.watcher.IgnoreOnce(key)
	}
}
