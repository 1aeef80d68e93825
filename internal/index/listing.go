package index

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftvolume/internal/blob"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
)

// ListingResult summarizes one reconciliation of the index against a store listing.
type ListingResult struct {
	Added      int
	Updated    int
	Deleted    int
	Conflicted int

	// Stale holds keys whose local bytes were materialized but are now outdated.
	Stale []string
	// Removed holds keys deleted remotely that were materialized locally.
	Removed []string
}

func (r *ListingResult) Changed() bool {
	return r.Added+r.Updated+r.Deleted+r.Conflicted > 0
}

// ApplyListing reconciles the index with a full listing of the blob store.
//   - new remote objects become not-materialized entries
//   - remote changes to clean entries update attributes; materialized ones go stale
//   - remote changes to entries with pending local writes flag a conflict
//   - entries missing remotely are dropped unless they were never uploaded
//   - directory entries are synthesized from the surviving files
func (idx *Index) ApplyListing(ctx context.Context, objects []*blob.ObjectInfo) (*ListingResult, error) {
	result := &ListingResult{}

	err := idx.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		var rows []row
		if err := tx.SelectContext(ctx, &rows, "SELECT "+columns+" FROM entries"); err != nil {
			return false, fmt.Errorf("load entries: %w", err)
		}

		existing := make(map[string]*Record, len(rows))
		for i := range rows {
			existing[rows[i].Path] = rows[i].record()
		}

		seen := mapset.NewThreadUnsafeSetWithSize[string](len(objects))
		for _, obj := range objects {
			p, err := itempath.Parse(obj.Key)
			if err != nil || p.IsDir() {
				slog.Debug("index skip object", "key", obj.Key)
				continue
			}
			seen.Add(p.Key())

			rec, ok := existing[p.Key()]
			if !ok {
				rec = newRemoteRecord(p, obj)
				existing[p.Key()] = rec
				if err := putRecord(ctx, tx, rec); err != nil {
					return false, err
				}
				result.Added++
				continue
			}

			if reconcile(rec, obj, result) {
				if err := putRecord(ctx, tx, rec); err != nil {
					return false, err
				}
			}
		}

		files := mapset.NewThreadUnsafeSetWithSize[string](len(existing))
		for key, rec := range existing {
			if rec.IsDir {
				continue
			}
			if seen.Contains(key) || rec.RemoteETag == "" || rec.Dirty() {
				files.Add(key)
				continue
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ?", key); err != nil {
				return false, fmt.Errorf("delete %s: %w", key, err)
			}
			if rec.DownloadState == remote.Materialized {
				result.Removed = append(result.Removed, key)
			}
			result.Deleted++
		}

		if err := syncDirectories(ctx, tx, existing, files); err != nil {
			return false, err
		}

		return result.Changed(), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func newRemoteRecord(p itempath.ItemPath, obj *blob.ObjectInfo) *Record {
	size := obj.Size
	modified := obj.LastModified.UTC()
	created := modified
	return &Record{
		Entry: remote.Entry{
			Path:             p,
			Size:             &size,
			CreatedAt:        &created,
			ContentChangedAt: &modified,
			ETag:             obj.ETag,
			DownloadState:    remote.NotMaterialized,
			UploadState:      remote.Uploaded,
		},
		RemoteETag: obj.ETag,
	}
}

// reconcile folds one remote object into an existing record.
func reconcile(rec *Record, obj *blob.ObjectInfo, result *ListingResult) bool {
	if rec.IsDir {
		slog.Warn("index remote file shadows directory", "path", rec.Path)
		return false
	}

	if obj.ETag == rec.RemoteETag {
		return false
	}

	// local bytes already match the remote object
	if obj.ETag == rec.ETag {
		rec.RemoteETag = obj.ETag
		rec.UploadState = remote.Uploaded
		rec.UploadPercent = nil
		rec.UploadError = ""
		result.Updated++
		return true
	}

	if rec.Dirty() {
		if rec.HasUnresolvedConflict {
			return false
		}
		rec.HasUnresolvedConflict = true
		result.Conflicted++
		return true
	}

	size := obj.Size
	modified := obj.LastModified.UTC()
	rec.Size = &size
	rec.ContentChangedAt = &modified
	if rec.CreatedAt == nil {
		rec.CreatedAt = &modified
	}
	rec.ETag = obj.ETag
	rec.RemoteETag = obj.ETag
	if rec.DownloadState != remote.NotMaterialized {
		if rec.DownloadState == remote.Materialized {
			result.Stale = append(result.Stale, rec.Path.Key())
		}
		rec.DownloadState = remote.NotMaterialized
		rec.DownloadPercent = nil
	}
	result.Updated++
	return true
}

func putRecord(ctx context.Context, tx *sqlx.Tx, rec *Record) error {
	if _, err := tx.NamedExecContext(ctx, upsertSQL, rowFrom(rec)); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Path, err)
	}
	return nil
}

// syncDirectories inserts missing directory rows for files and drops directory rows with no files below.
func syncDirectories(ctx context.Context, tx *sqlx.Tx, existing map[string]*Record, files mapset.Set[string]) error {
	dirs := mapset.NewThreadUnsafeSet[string]()
	for key := range files.Iter() {
		dirs.Append(parentKeys(key)...)
	}

	for key, rec := range existing {
		if !rec.IsDir || dirs.Contains(key) {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ? AND is_dir = 1", key); err != nil {
			return fmt.Errorf("drop directory %s: %w", key, err)
		}
	}

	for _, key := range dirs.ToSlice() {
		if rec, ok := existing[key]; ok && rec.IsDir {
			continue
		}
		if rec, ok := existing[key]; ok && !rec.IsDir {
			slog.Warn("index directory shadows file", "path", key)
			continue
		}
		if err := insertDir(ctx, tx, key); err != nil {
			return err
		}
	}
	return nil
}
