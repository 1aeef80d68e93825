package syncd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/index"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/replica"
)

// RequestMaterialization queues a download of p and returns immediately. The
// outcome is observed through the index: download state, percent and error.
func (d *Daemon) RequestMaterialization(ctx context.Context, p itempath.ItemPath) error {
	if !d.isRunning() {
		return ErrDaemonNotRunning
	}

	key := p.Key()
	rec, err := d.index.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.IsDir {
		return fmt.Errorf("materialize %s: is a directory", key)
	}

	switch {
	case rec.Dirty():
		// local bytes are newer than anything remote
		return nil
	case rec.DownloadState == remote.Materialized && d.replica.Exists(key):
		return nil
	case rec.DownloadState == remote.Materializing && d.downloads.Contains(key):
		return nil
	}

	zero := 0.0
	if err := d.index.SetDownload(ctx, key, remote.Materializing, &zero, ""); err != nil {
		return err
	}

	// small files first, explicit requests ahead of background refreshes
	priority := 1
	if rec.Size != nil {
		priority += int(min(*rec.Size, 1<<40))
	}
	d.enqueueDownload(key, priority)
	return nil
}

func (d *Daemon) enqueueDownload(key string, priority int) {
	d.downloads.Enqueue(key, key, priority)
}

func (d *Daemon) downloadWorker() {
	defer d.wg.Done()
	for {
		item, err := d.downloads.Pop(d.ctx)
		if err != nil {
			return
		}
		// the same key may already be in flight on another worker after a re-request
		_, err, _ = d.flight.Do(item.Key, func() (any, error) {
			return nil, d.materialize(d.ctx, item.Key)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sync", "op", "materialize", "path", item.Key, "error", err)
		}
	}
}

func (d *Daemon) materialize(ctx context.Context, key string) error {
	rec, err := d.index.Get(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.IsDir || rec.Dirty() {
		return nil
	}
	if rec.DownloadState != remote.Materializing {
		zero := 0.0
		if err := d.index.SetDownload(ctx, key, remote.Materializing, &zero, ""); err != nil {
			return err
		}
	}

	start := time.Now()
	var (
		staged *replica.Staged
		info   blob.ObjectInfo
	)
	fetch := func() error {
		obj, err := d.store.Get(ctx, key, func(done, total int64) {
			d.reportDownload(ctx, key, done, total)
		})
		if err != nil {
			if blob.IsNotFound(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer obj.Body.Close()

		s, err := d.replica.Stage(obj.Body, key, obj.ETag)
		if err != nil {
			return err
		}
		staged, info = s, obj.ObjectInfo
		return nil
	}

	if err := d.retry(ctx, fetch); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.failDownload(key, err)
		return err
	}
	defer staged.Discard()

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	// the item may have been removed, moved or written locally meanwhile
	current, err := d.index.Get(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		slog.Debug("sync materialized item vanished", "path", key)
		return nil
	}
	if err != nil {
		return err
	}
	if current.Dirty() {
		return nil
	}

	d.ignoreOnce(key)
	if err := d.replica.Commit(staged, key); err != nil {
		d.failDownload(key, err)
		return err
	}

	modified := info.LastModified.UTC()
	if err := d.journal.Set(&replica.JournalEntry{
		Path:         key,
		ETag:         staged.ETag,
		Size:         staged.Size,
		LastModified: modified,
	}); err != nil {
		slog.Warn("sync journal set", "path", key, "error", err)
	}

	err = d.index.Update(ctx, key, func(r *index.Record) error {
		size := staged.Size
		full := 100.0
		r.Size = &size
		r.ETag = staged.ETag
		r.RemoteETag = staged.ETag
		if !modified.IsZero() {
			r.ContentChangedAt = &modified
			if r.CreatedAt == nil {
				r.CreatedAt = &modified
			}
		}
		r.DownloadState = remote.Materialized
		r.DownloadPercent = &full
		r.DownloadError = ""
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("sync", "op", "materialize", "path", key, "size", humanize.Bytes(uint64(staged.Size)), "took", time.Since(start))
	return nil
}

func (d *Daemon) reportDownload(ctx context.Context, key string, done, total int64) {
	if total <= 0 {
		return
	}
	percent := float64(done) / float64(total) * 100
	if err := d.index.SetDownload(ctx, key, remote.Materializing, &percent, ""); err != nil && ctx.Err() == nil {
		slog.Debug("sync download progress", "path", key, "error", err)
	}
}

func (d *Daemon) failDownload(key string, cause error) {
	// record the failure even when the worker context is ending
	ctx := context.WithoutCancel(d.ctx)
	if err := d.index.SetDownload(ctx, key, remote.NotMaterialized, nil, cause.Error()); err != nil && !errors.Is(err, index.ErrNotFound) {
		slog.Warn("sync record download failure", "path", key, "error", err)
	}
}

// retry runs op with exponential backoff, giving up after MaxRetries retries or
// on a permanent error.
func (d *Daemon) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxRetries)), ctx))
}

// QueuedDownloads reports how many materializations are waiting for a worker.
func (d *Daemon) QueuedDownloads() int {
	return d.downloads.Len()
}
