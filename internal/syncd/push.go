package syncd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/index"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/replica"
)

func (d *Daemon) enqueueUpload(key string) {
	d.uploads.Enqueue(key, key, 0)
}

func (d *Daemon) uploadWorker() {
	defer d.wg.Done()
	for {
		item, err := d.uploads.Pop(d.ctx)
		if err != nil {
			return
		}
		if err := d.push(d.ctx, item.Key); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sync", "op", "push", "path", item.Key, "error", err)
		}
	}
}

// push uploads the local bytes of key unless the remote object moved on from
// the version the local edit was based on, in which case the item is flagged
// as conflicted and nothing is overwritten.
func (d *Daemon) push(ctx context.Context, key string) error {
	rec, err := d.index.Get(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Dirty() || rec.HasUnresolvedConflict {
		return nil
	}

	localETag, err := d.replica.ETag(key)
	if err != nil {
		return d.failUpload(key, err)
	}
	rec.ETag = localETag

	head, err := d.store.Head(ctx, key)
	switch {
	case blob.IsNotFound(err):
		head = nil
	case err != nil:
		return d.failUpload(key, err)
	}

	if conflicted(rec, head) {
		if err := d.index.SetConflict(ctx, key, true); err != nil {
			return err
		}
		slog.Warn("sync", "op", "conflict", "path", key, "base", rec.RemoteETag, "remote", head.ETag)
		return nil
	}

	if head != nil && head.ETag == localETag {
		d.commitMu.Lock()
		defer d.commitMu.Unlock()
		return d.markUploaded(ctx, key, head, time.Now())
	}

	zero := 0.0
	if err := d.index.SetUpload(ctx, key, remote.Uploading, &zero, ""); err != nil {
		return err
	}

	start := time.Now()
	var info *blob.ObjectInfo
	upload := func() error {
		f, err := d.replica.Open(key)
		if err != nil {
			return err
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			return err
		}

		res, err := d.store.Put(ctx, &blob.PutParams{
			Key:  key,
			Body: f,
			Size: stat.Size(),
			Progress: func(done, total int64) {
				d.reportUpload(ctx, key, done, total)
			},
		})
		if err != nil {
			return err
		}
		info = res
		return nil
	}

	if err := d.retry(ctx, upload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.failUpload(key, err)
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	current, err := d.index.Get(ctx, key)
	if errors.Is(err, index.ErrNotFound) {
		// deleted or moved away while uploading; do not leave our copy behind
		if err := d.store.Delete(ctx, key); err != nil && !blob.IsNotFound(err) {
			slog.Warn("sync drop orphaned upload", "path", key, "error", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	nowETag, err := d.replica.ETag(key)
	if err != nil {
		nowETag = current.ETag
	}

	if nowETag != info.ETag {
		// written again while uploading; what we sent becomes the new base and
		// the newer bytes go out on the next push
		err = d.index.Update(ctx, key, func(r *index.Record) error {
			r.RemoteETag = info.ETag
			r.ETag = nowETag
			r.UploadState = remote.NotUploaded
			r.UploadPercent = nil
			return nil
		})
		if err == nil {
			d.enqueueUpload(key)
		}
		return err
	}

	return d.markUploaded(ctx, key, info, start)
}

// markUploaded records info as both the local and remote version of key.
// Callers hold commitMu.
func (d *Daemon) markUploaded(ctx context.Context, key string, info *blob.ObjectInfo, start time.Time) error {
	modified := info.LastModified.UTC()
	if err := d.journal.Set(&replica.JournalEntry{
		Path:         key,
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: modified,
	}); err != nil {
		slog.Warn("sync journal set", "path", key, "error", err)
	}

	err := d.index.Update(ctx, key, func(r *index.Record) error {
		full := 100.0
		size := info.Size
		r.Size = &size
		r.ETag = info.ETag
		r.RemoteETag = info.ETag
		r.ContentChangedAt = &modified
		r.UploadState = remote.Uploaded
		r.UploadPercent = &full
		r.UploadError = ""
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("sync", "op", "push", "path", key, "size", humanize.Bytes(uint64(info.Size)), "took", time.Since(start))
	return nil
}

// conflicted reports whether the remote object differs from both the version
// the local edit started from and the local bytes themselves.
func conflicted(rec *index.Record, head *blob.ObjectInfo) bool {
	if head == nil {
		// deleted remotely after we based an edit on it; recreating it is fine
		return false
	}
	return head.ETag != rec.RemoteETag && head.ETag != rec.ETag
}

func (d *Daemon) reportUpload(ctx context.Context, key string, done, total int64) {
	if total <= 0 {
		return
	}
	percent := float64(done) / float64(total) * 100
	if err := d.index.SetUpload(ctx, key, remote.Uploading, &percent, ""); err != nil && ctx.Err() == nil {
		slog.Debug("sync upload progress", "path", key, "error", err)
	}
}

func (d *Daemon) failUpload(key string, cause error) error {
	ctx := context.WithoutCancel(d.ctx)
	if err := d.index.SetUpload(ctx, key, remote.NotUploaded, nil, cause.Error()); err != nil && !errors.Is(err, index.ErrNotFound) {
		slog.Warn("sync record upload failure", "path", key, "error", err)
	}
	return fmt.Errorf("push %s: %w", key, cause)
}

// QueuedUploads reports how many pushes are waiting for a worker.
func (d *Daemon) QueuedUploads() int {
	return d.uploads.Len()
}
