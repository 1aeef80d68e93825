package syncd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/openmined/syftvolume/internal/index"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
)

// LocalStat describes the bytes on disk for p without consulting the index.
func (d *Daemon) LocalStat(ctx context.Context, p itempath.ItemPath) (*remote.Entry, error) {
	key := p.Key()
	if p.IsRoot() {
		return nil, fmt.Errorf("stat root: %w", fs.ErrInvalid)
	}
	info, err := d.replica.Stat(key)
	if err != nil {
		return nil, err
	}

	modified := info.ModTime
	entry := &remote.Entry{
		Path:             itempath.FromKey(key, info.IsDir),
		IsDir:            info.IsDir,
		ContentChangedAt: &modified,
		DownloadState:    remote.Materialized,
		UploadState:      remote.NotUploaded,
	}
	if info.IsDir {
		entry.ContentChangedAt = nil
		entry.UploadState = remote.Uploaded
		return entry, nil
	}

	size := info.Size
	entry.Size = &size
	if etag, err := d.replica.ETag(key); err == nil {
		entry.ETag = etag
		if changed, err := d.journal.ContentsChanged(key, etag); err == nil && !changed {
			entry.UploadState = remote.Uploaded
		}
	}
	return entry, nil
}

// OpenLocal opens the materialized bytes of p.
func (d *Daemon) OpenLocal(ctx context.Context, p itempath.ItemPath) (remote.ReadSeekCloser, error) {
	if p.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory", p)
	}
	f, err := d.replica.Open(p.Key())
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: is a directory", p)
	}
	return f, nil
}

func (d *Daemon) watchLocalChanges() {
	defer d.wg.Done()
	for change := range d.watcher.Changes() {
		if err := d.markLocalWrite(d.ctx, change.Key); err != nil && !errors.Is(err, fs.ErrNotExist) && d.ctx.Err() == nil {
			slog.Warn("sync local change", "path", change.Key, "error", err)
		}
	}
}

// markLocalWrite records the bytes on disk at key as a pending local write and
// queues a push. Unchanged bytes are ignored.
func (d *Daemon) markLocalWrite(ctx context.Context, key string) error {
	d.refreshLock.RLock()
	defer d.refreshLock.RUnlock()
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	info, err := d.replica.Stat(key)
	if err != nil {
		return err
	}
	if info.IsDir {
		return nil
	}
	etag, err := d.replica.ETag(key)
	if err != nil {
		return err
	}

	rec, err := d.index.Get(ctx, key)
	switch {
	case errors.Is(err, index.ErrNotFound):
		created := info.ModTime
		rec = &index.Record{Entry: remote.Entry{Path: itempath.FromKey(key, false), CreatedAt: &created}}
	case err != nil:
		return err
	case rec.IsDir:
		return fmt.Errorf("local file %s shadows a remote directory", key)
	case rec.ETag == etag && rec.DownloadState == remote.Materialized:
		return nil
	}

	size, modified := info.Size, info.ModTime
	rec.Size = &size
	rec.ETag = etag
	rec.ContentChangedAt = &modified
	rec.DownloadState = remote.Materialized
	rec.DownloadPercent = nil
	rec.DownloadError = ""
	rec.UploadState = remote.NotUploaded
	rec.UploadPercent = nil
	rec.UploadError = ""
	if err := d.index.Upsert(ctx, rec); err != nil {
		return err
	}

	// a pending download would overwrite the newer local bytes
	d.downloads.Remove(key)
	d.enqueueUpload(key)
	slog.Info("sync", "op", "local-write", "path", key)
	return nil
}
