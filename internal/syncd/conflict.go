package syncd

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/index"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/replica"
	"github.com/openmined/syftvolume/internal/volerr"
)

// Versions lists the local and remote candidates of p. Either may be missing.
func (d *Daemon) Versions(ctx context.Context, p itempath.ItemPath) ([]remote.Version, error) {
	if !d.isRunning() {
		return nil, ErrDaemonNotRunning
	}
	key := p.Key()
	if _, err := d.index.Get(ctx, key); err != nil {
		return nil, err
	}

	var versions []remote.Version
	if info, err := d.replica.Stat(key); err == nil && !info.IsDir {
		etag, err := d.replica.ETag(key)
		if err != nil {
			return nil, err
		}
		versions = append(versions, remote.Version{
			Source:     remote.VersionLocal,
			ETag:       etag,
			Size:       info.Size,
			ModifiedAt: info.ModTime,
		})
	}

	head, err := d.store.Head(ctx, key)
	switch {
	case err == nil:
		versions = append(versions, remote.Version{
			Source:     remote.VersionRemote,
			ETag:       head.ETag,
			Size:       head.Size,
			ModifiedAt: head.LastModified,
		})
	case !blob.IsNotFound(err):
		return nil, err
	}

	return versions, nil
}

// ResolveConflict keeps one candidate of a conflicted item. Keeping the remote
// version sets the local bytes aside under a conflict marker and materializes
// the remote ones; keeping the local version makes it the next upload.
func (d *Daemon) ResolveConflict(ctx context.Context, p itempath.ItemPath, keep remote.Version) error {
	if !d.isRunning() {
		return ErrDaemonNotRunning
	}
	key := p.Key()

	d.refreshLock.RLock()
	defer d.refreshLock.RUnlock()

	head, err := d.store.Head(ctx, key)
	if err != nil && !blob.IsNotFound(err) {
		return err
	}
	if blob.IsNotFound(err) {
		head = nil
	}

	d.commitMu.Lock()
	defer d.commitMu.Unlock()

	rec, err := d.index.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.IsDir {
		return fmt.Errorf("resolve %s: is a directory: %w", key, fs.ErrInvalid)
	}

	switch keep.Source {
	case remote.VersionRemote:
		if head == nil || head.ETag != keep.ETag {
			return fmt.Errorf("%w: remote version of %s changed", volerr.ErrConflict, key)
		}
		if d.replica.Exists(key) {
			marked, err := replica.SetConflictMarker(d.replica.AbsPath(key))
			if err != nil {
				return err
			}
			slog.Warn("sync", "op", "conflict-keep-remote", "path", key, "localMovedTo", marked)
		}
		if err := d.journal.Delete(key); err != nil {
			slog.Warn("sync journal delete", "path", key, "error", err)
		}

		err = d.index.Update(ctx, key, func(r *index.Record) error {
			size := head.Size
			modified := head.LastModified.UTC()
			r.Size = &size
			r.ContentChangedAt = &modified
			r.ETag = head.ETag
			r.RemoteETag = head.ETag
			r.HasUnresolvedConflict = false
			r.DownloadState = remote.NotMaterialized
			r.DownloadPercent = nil
			r.DownloadError = ""
			r.UploadState = remote.Uploaded
			r.UploadPercent = nil
			r.UploadError = ""
			return nil
		})
		if err != nil {
			return err
		}
		d.uploads.Remove(key)
		d.enqueueDownload(key, 0)

	case remote.VersionLocal:
		etag, err := d.replica.ETag(key)
		if err != nil {
			return err
		}
		if etag != keep.ETag {
			return fmt.Errorf("%w: local version of %s changed", volerr.ErrConflict, key)
		}
		base := ""
		if head != nil {
			base = head.ETag
		}
		err = d.index.Update(ctx, key, func(r *index.Record) error {
			r.ETag = etag
			// the local bytes now supersede whatever is remote
			r.RemoteETag = base
			r.HasUnresolvedConflict = false
			r.DownloadState = remote.Materialized
			r.UploadState = remote.NotUploaded
			r.UploadError = ""
			return nil
		})
		if err != nil {
			return err
		}
		d.downloads.Remove(key)
		d.enqueueUpload(key)
		slog.Warn("sync", "op", "conflict-keep-local", "path", key)

	default:
		return fmt.Errorf("resolve %s: unknown version source %q: %w", key, keep.Source, fs.ErrInvalid)
	}

	return nil
}
