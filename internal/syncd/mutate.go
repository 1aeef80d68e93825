package syncd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/index"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/replica"
)

// CoordinatedMutate applies m to the remote store, the local replica and the
// index. Mutations hold the refresh lock shared, so a listing is applied either
// before or after a mutation, never halfway through it.
func (d *Daemon) CoordinatedMutate(ctx context.Context, m remote.Mutation) error {
	if !d.isRunning() {
		return ErrDaemonNotRunning
	}

	switch m.Op {
	case remote.OpWrite:
		return d.write(ctx, m.Path, m.Body)
	case remote.OpDelete:
		return d.delete(ctx, m.Path)
	case remote.OpMove:
		return d.transfer(ctx, m.Path, m.Dest, true)
	case remote.OpCopy:
		return d.transfer(ctx, m.Path, m.Dest, false)
	default:
		return fmt.Errorf("unknown mutation %q: %w", m.Op, fs.ErrInvalid)
	}
}

// write replaces the bytes of p locally and queues a push.
func (d *Daemon) write(ctx context.Context, p itempath.ItemPath, body io.Reader) error {
	if p.IsRoot() || p.IsDir() {
		return fmt.Errorf("write %s: not a file path: %w", p, fs.ErrInvalid)
	}
	if body == nil {
		return fmt.Errorf("write %s: no content: %w", p, fs.ErrInvalid)
	}
	key := p.Key()

	staged, err := d.replica.Stage(body, key, "")
	if err != nil {
		return err
	}
	defer staged.Discard()

	d.refreshLock.RLock()
	defer d.refreshLock.RUnlock()
	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	now := time.Now().UTC()
	rec, err := d.index.Get(ctx, key)
	switch {
	case errors.Is(err, index.ErrNotFound):
		rec = &index.Record{Entry: remote.Entry{Path: p, CreatedAt: &now}}
	case err != nil:
		return err
	case rec.IsDir:
		return fmt.Errorf("write %s: is a directory: %w", key, fs.ErrInvalid)
	}

	d.ignoreOnce(key)
	if err := d.replica.Commit(staged, key); err != nil {
		return err
	}

	size := staged.Size
	rec.Size = &size
	rec.ETag = staged.ETag
	rec.ContentChangedAt = &now
	rec.DownloadState = remote.Materialized
	rec.DownloadPercent = nil
	rec.DownloadError = ""
	rec.UploadState = remote.NotUploaded
	rec.UploadPercent = nil
	rec.UploadError = ""
	if err := d.index.Upsert(ctx, rec); err != nil {
		return err
	}

	d.downloads.Remove(key)
	d.enqueueUpload(key)
	slog.Info("sync", "op", "write", "path", key, "etag", staged.ETag)
	return nil
}

// delete removes p and everything beneath it, remote objects first.
func (d *Daemon) delete(ctx context.Context, p itempath.ItemPath) error {
	if p.IsRoot() {
		return fmt.Errorf("delete root: %w", fs.ErrInvalid)
	}
	key := p.Key()

	d.refreshLock.RLock()
	defer d.refreshLock.RUnlock()

	if _, err := d.index.Get(ctx, key); err != nil {
		return err
	}
	records, err := d.index.Subtree(ctx, key)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.RemoteETag == "" {
			continue
		}
		if err := d.store.Delete(ctx, rec.Path.Key()); err != nil && !blob.IsNotFound(err) {
			return fmt.Errorf("delete remote %s: %w", rec.Path, err)
		}
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	if err := d.replica.Remove(key); err != nil {
		return err
	}
	if _, err := d.index.Remove(ctx, key); err != nil && !errors.Is(err, index.ErrNotFound) {
		return err
	}
	if err := d.journal.Delete(key); err != nil {
		slog.Warn("sync journal delete", "path", key, "error", err)
	}
	for _, rec := range records {
		d.downloads.Remove(rec.Path.Key())
		d.uploads.Remove(rec.Path.Key())
	}

	slog.Info("sync", "op", "delete", "path", key, "files", len(records))
	return nil
}

// transfer moves or copies from and everything beneath it to to, replacing
// whatever was at the destination. Remote objects are copied (and for a move,
// deleted) before anything local changes; the index rows change in one
// transaction.
func (d *Daemon) transfer(ctx context.Context, from, to itempath.ItemPath, move bool) error {
	op := "copy"
	if move {
		op = "move"
	}
	if from.IsRoot() || to.IsRoot() {
		return fmt.Errorf("%s %s to %s: %w", op, from, to, fs.ErrInvalid)
	}
	if from.Contains(to) || to.Contains(from) || from.Key() == to.Key() {
		return fmt.Errorf("%s %s to %s: paths overlap: %w", op, from, to, fs.ErrInvalid)
	}
	src, dst := from.Key(), to.Key()

	d.refreshLock.RLock()
	defer d.refreshLock.RUnlock()

	if _, err := d.index.Get(ctx, src); err != nil {
		return err
	}
	srcRecords, err := d.index.Subtree(ctx, src)
	if err != nil {
		return err
	}
	dstRecords, err := d.index.Subtree(ctx, dst)
	if err != nil {
		return err
	}

	rebase := func(key string) string { return dst + key[len(src):] }

	copied := make(map[string]*blob.ObjectInfo)
	for _, rec := range srcRecords {
		if rec.RemoteETag == "" {
			continue
		}
		target := rebase(rec.Path.Key())
		info, err := d.store.Copy(ctx, rec.Path.Key(), target)
		if blob.IsNotFound(err) {
			continue
		}
		if err != nil {
			d.rollbackCopies(ctx, copied)
			return fmt.Errorf("%s remote %s: %w", op, rec.Path, err)
		}
		copied[target] = info
	}

	for _, rec := range dstRecords {
		if _, replaced := copied[rec.Path.Key()]; replaced || rec.RemoteETag == "" {
			continue
		}
		if err := d.store.Delete(ctx, rec.Path.Key()); err != nil && !blob.IsNotFound(err) {
			return fmt.Errorf("%s replace remote %s: %w", op, rec.Path, err)
		}
	}

	if move {
		for _, rec := range srcRecords {
			if rec.RemoteETag == "" {
				continue
			}
			if err := d.store.Delete(ctx, rec.Path.Key()); err != nil && !blob.IsNotFound(err) {
				return fmt.Errorf("move remote %s: %w", rec.Path, err)
			}
		}
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	switch {
	case !d.replica.Exists(src):
		// a stub; nothing local to carry over
		if err := d.replica.Remove(dst); err != nil {
			return err
		}
	case move:
		if err := d.replica.Rename(src, dst); err != nil {
			return err
		}
	default:
		if err := d.replica.Copy(src, dst); err != nil {
			return err
		}
	}

	if move {
		if err := d.index.Move(ctx, src, dst); err != nil {
			return err
		}
		if err := d.journal.Rename(src, dst); err != nil {
			slog.Warn("sync journal rename", "from", src, "to", dst, "error", err)
		}
	} else {
		if err := d.index.Copy(ctx, src, dst); err != nil {
			return err
		}
		if err := d.journal.Delete(dst); err != nil {
			slog.Warn("sync journal delete", "path", dst, "error", err)
		}
	}

	for target, info := range copied {
		err := d.index.Update(ctx, target, func(r *index.Record) error {
			if !r.Dirty() {
				r.ETag = info.ETag
			}
			r.RemoteETag = info.ETag
			return nil
		})
		if err != nil {
			return err
		}
		if !move && d.replica.Exists(target) {
			if err := d.journal.Set(&replica.JournalEntry{
				Path:         target,
				ETag:         info.ETag,
				Size:         info.Size,
				LastModified: info.LastModified,
			}); err != nil {
				slog.Warn("sync journal set", "path", target, "error", err)
			}
		}
	}

	for _, rec := range dstRecords {
		d.downloads.Remove(rec.Path.Key())
		d.uploads.Remove(rec.Path.Key())
	}
	for _, rec := range srcRecords {
		key, target := rec.Path.Key(), rebase(rec.Path.Key())
		if move {
			d.downloads.Remove(key)
			d.uploads.Remove(key)
		}
		switch {
		case rec.Dirty():
			d.enqueueUpload(target)
		case rec.DownloadState == remote.Materializing:
			d.enqueueDownload(target, 0)
		}
	}

	slog.Info("sync", "op", op, "from", src, "to", dst, "files", len(srcRecords))
	return nil
}

func (d *Daemon) rollbackCopies(ctx context.Context, copied map[string]*blob.ObjectInfo) {
	for key := range copied {
		if err := d.store.Delete(ctx, key); err != nil && !blob.IsNotFound(err) {
			slog.Warn("sync rollback copy", "path", key, "error", err)
		}
	}
}
