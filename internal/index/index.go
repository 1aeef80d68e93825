package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
	path TEXT PRIMARY KEY,
	is_dir INTEGER NOT NULL DEFAULT 0,
	size INTEGER,
	created_at INTEGER,
	content_changed_at INTEGER,
	etag TEXT NOT NULL DEFAULT '',
	remote_etag TEXT NOT NULL DEFAULT '',
	download_state TEXT NOT NULL,
	upload_state TEXT NOT NULL,
	has_conflict INTEGER NOT NULL DEFAULT 0,
	download_percent REAL,
	upload_percent REAL,
	download_error TEXT NOT NULL DEFAULT '',
	upload_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entries_upload_state ON entries(upload_state);
CREATE INDEX IF NOT EXISTS idx_entries_has_conflict ON entries(has_conflict);
`

const columns = `path, is_dir, size, created_at, content_changed_at, etag, remote_etag, download_state,
	upload_state, has_conflict, download_percent, upload_percent, download_error, upload_error`

const upsertSQL = `INSERT OR REPLACE INTO entries (` + columns + `) VALUES (:path, :is_dir, :size, :created_at,
	:content_changed_at, :etag, :remote_etag, :download_state, :upload_state, :has_conflict, :download_percent,
	:upload_percent, :download_error, :upload_error)`

// ErrNotFound is returned when no entry exists for a path.
var ErrNotFound = fmt.Errorf("index: %w", fs.ErrNotExist)

// Record is an index row: the public entry plus the ETag of the remote version
// the local state was last reconciled against.
type Record struct {
	remote.Entry
	RemoteETag string
}

// Dirty reports whether local bytes have not reached the remote store.
func (r *Record) Dirty() bool {
	return !r.IsDir && r.UploadState != remote.Uploaded
}

type row struct {
	Path             string   `db:"path"`
	IsDir            bool     `db:"is_dir"`
	Size             *int64   `db:"size"`
	CreatedAt        *int64   `db:"created_at"`
	ContentChangedAt *int64   `db:"content_changed_at"`
	ETag             string   `db:"etag"`
	RemoteETag       string   `db:"remote_etag"`
	DownloadState    string   `db:"download_state"`
	UploadState      string   `db:"upload_state"`
	HasConflict      bool     `db:"has_conflict"`
	DownloadPercent  *float64 `db:"download_percent"`
	UploadPercent    *float64 `db:"upload_percent"`
	DownloadError    string   `db:"download_error"`
	UploadError      string   `db:"upload_error"`
}

func (r *row) record() *Record {
	return &Record{
		Entry: remote.Entry{
			Path:                  itempath.FromKey(r.Path, r.IsDir),
			IsDir:                 r.IsDir,
			Size:                  r.Size,
			CreatedAt:             fromNanos(r.CreatedAt),
			ContentChangedAt:      fromNanos(r.ContentChangedAt),
			ETag:                  r.ETag,
			DownloadState:         remote.DownloadState(r.DownloadState),
			UploadState:           remote.UploadState(r.UploadState),
			HasUnresolvedConflict: r.HasConflict,
			DownloadPercent:       r.DownloadPercent,
			UploadPercent:         r.UploadPercent,
			DownloadError:         r.DownloadError,
			UploadError:           r.UploadError,
		},
		RemoteETag: r.RemoteETag,
	}
}

func rowFrom(rec *Record) *row {
	return &row{
		Path:             rec.Path.Key(),
		IsDir:            rec.IsDir,
		Size:             rec.Size,
		CreatedAt:        toNanos(rec.CreatedAt),
		ContentChangedAt: toNanos(rec.ContentChangedAt),
		ETag:             rec.ETag,
		RemoteETag:       rec.RemoteETag,
		DownloadState:    string(rec.DownloadState),
		UploadState:      string(rec.UploadState),
		HasConflict:      rec.HasUnresolvedConflict,
		DownloadPercent:  rec.DownloadPercent,
		UploadPercent:    rec.UploadPercent,
		DownloadError:    rec.DownloadError,
		UploadError:      rec.UploadError,
	}
}

func toNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixNano()
	return &v
}

func fromNanos(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(0, *v).UTC()
	return &t
}

// Index is the local mirror of the remote index, stored in SQLite.
type Index struct {
	db       *sqlx.DB
	notifier *Notifier
}

func New(db *sqlx.DB) (*Index, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}
	return &Index{db: db, notifier: NewNotifier()}, nil
}

func (idx *Index) Close() error {
	return idx.db.Close()
}

// Notifier signals after every committed change.
func (idx *Index) Notifier() *Notifier {
	return idx.notifier
}

// withTx runs fn in a transaction and notifies subscribers if fn reports a change.
func (idx *Index) withTx(ctx context.Context, fn func(tx *sqlx.Tx) (bool, error)) error {
	tx, err := idx.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	changed, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if changed {
		idx.notifier.Notify()
	}
	return nil
}

// subtreeRange returns the half open key range [lo, hi) of everything beneath key.
func subtreeRange(key string) (string, string) {
	// '0' sorts right after '/'
	return key + "/", key + "0"
}

func getRow(ctx context.Context, q sqlx.QueryerContext, key string) (*row, error) {
	var r row
	err := sqlx.GetContext(ctx, q, &r, "SELECT "+columns+" FROM entries WHERE path = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", key, err)
	}
	return &r, nil
}

// Get returns the record for key.
func (idx *Index) Get(ctx context.Context, key string) (*Record, error) {
	r, err := getRow(ctx, idx.db, key)
	if err != nil {
		return nil, err
	}
	return r.record(), nil
}

// Query returns the entries matching pred within domains, ordered by path.
func (idx *Index) Query(ctx context.Context, pred remote.Predicate, domains []remote.Domain) ([]remote.Entry, error) {
	var (
		rows []row
		err  error
	)

	key := pred.Path.Key()
	switch {
	case pred.Kind == remote.MatchExact:
		if pred.Path.IsRoot() {
			return nil, nil
		}
		err = idx.db.SelectContext(ctx, &rows, "SELECT "+columns+" FROM entries WHERE path = ?", key)
	case pred.Path.IsRoot():
		err = idx.db.SelectContext(ctx, &rows, "SELECT "+columns+" FROM entries ORDER BY path")
	default:
		lo, hi := subtreeRange(key)
		err = idx.db.SelectContext(ctx, &rows,
			"SELECT "+columns+" FROM entries WHERE path >= ? AND path < ? ORDER BY path", lo, hi)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pred, err)
	}

	entries := make([]remote.Entry, 0, len(rows))
	for i := range rows {
		if !remote.InDomains(rows[i].Path, domains) {
			continue
		}
		entries = append(entries, rows[i].record().Entry)
	}
	return entries, nil
}

// Records returns every file record, ordered by path.
func (idx *Index) Records(ctx context.Context) ([]*Record, error) {
	var rows []row
	if err := idx.db.SelectContext(ctx, &rows, "SELECT "+columns+" FROM entries WHERE is_dir = 0 ORDER BY path"); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*Record, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}

// Subtree returns the file records at key and beneath it, ordered by path.
func (idx *Index) Subtree(ctx context.Context, key string) ([]*Record, error) {
	rows, err := subtreeRows(ctx, idx.db, key)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for i := range rows {
		if !rows[i].IsDir {
			out = append(out, rows[i].record())
		}
	}
	return out, nil
}

func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries")
	return n, err
}

// Upsert stores rec and makes sure its ancestor directories exist.
func (idx *Index) Upsert(ctx context.Context, rec *Record) error {
	return idx.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		if err := ensureParents(ctx, tx, rec.Path.Key()); err != nil {
			return false, err
		}
		if _, err := tx.NamedExecContext(ctx, upsertSQL, rowFrom(rec)); err != nil {
			return false, fmt.Errorf("upsert %s: %w", rec.Path, err)
		}
		return true, nil
	})
}

// Update applies fn to the record for key inside one transaction.
func (idx *Index) Update(ctx context.Context, key string, fn func(rec *Record) error) error {
	return idx.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		r, err := getRow(ctx, tx, key)
		if err != nil {
			return false, err
		}
		rec := r.record()
		if err := fn(rec); err != nil {
			return false, err
		}
		if rec.Path.Key() != key {
			return false, fmt.Errorf("update %s: path is immutable", key)
		}
		if _, err := tx.NamedExecContext(ctx, upsertSQL, rowFrom(rec)); err != nil {
			return false, fmt.Errorf("update %s: %w", key, err)
		}
		return true, nil
	})
}

// SetDownload records download state, progress and error of an item.
func (idx *Index) SetDownload(ctx context.Context, key string, state remote.DownloadState, percent *float64, errMsg string) error {
	return idx.Update(ctx, key, func(rec *Record) error {
		rec.DownloadState = state
		rec.DownloadPercent = percent
		rec.DownloadError = errMsg
		return nil
	})
}

// SetUpload records upload state, progress and error of an item.
func (idx *Index) SetUpload(ctx context.Context, key string, state remote.UploadState, percent *float64, errMsg string) error {
	return idx.Update(ctx, key, func(rec *Record) error {
		rec.UploadState = state
		rec.UploadPercent = percent
		rec.UploadError = errMsg
		return nil
	})
}

func (idx *Index) SetConflict(ctx context.Context, key string, conflicted bool) error {
	return idx.Update(ctx, key, func(rec *Record) error {
		rec.HasUnresolvedConflict = conflicted
		return nil
	})
}

// Remove deletes key and everything beneath it, then prunes empty ancestors.
// Returns the removed file records.
func (idx *Index) Remove(ctx context.Context, key string) ([]*Record, error) {
	var removed []*Record
	err := idx.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		rows, err := subtreeRows(ctx, tx, key)
		if err != nil {
			return false, err
		}
		if len(rows) == 0 {
			return false, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		for i := range rows {
			if !rows[i].IsDir {
				removed = append(removed, rows[i].record())
			}
		}
		if err := deleteSubtree(ctx, tx, key); err != nil {
			return false, err
		}
		return true, pruneEmptyParents(ctx, tx, key)
	})
	return removed, err
}

// Move renames from and everything beneath it to to, replacing whatever was
// at the destination. It is applied in a single transaction.
func (idx *Index) Move(ctx context.Context, from, to string) error {
	if err := checkDisjoint(from, to); err != nil {
		return err
	}

	return idx.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		if _, err := getRow(ctx, tx, from); err != nil {
			return false, err
		}
		if err := deleteSubtree(ctx, tx, to); err != nil {
			return false, err
		}

		// substr counts characters, not bytes
		lo, hi := subtreeRange(from)
		_, err := tx.ExecContext(ctx,
			`UPDATE entries SET path = ? || substr(path, ?) WHERE path = ? OR (path >= ? AND path < ?)`,
			to, utf8.RuneCountInString(from)+1, from, lo, hi)
		if err != nil {
			return false, fmt.Errorf("move %s to %s: %w", from, to, err)
		}

		if err := ensureParents(ctx, tx, to); err != nil {
			return false, err
		}
		return true, pruneEmptyParents(ctx, tx, from)
	})
}

// Copy duplicates from and everything beneath it at to, replacing whatever was
// at the destination. Transfer progress, errors and conflict flags are not copied.
func (idx *Index) Copy(ctx context.Context, from, to string) error {
	if err := checkDisjoint(from, to); err != nil {
		return err
	}

	return idx.withTx(ctx, func(tx *sqlx.Tx) (bool, error) {
		if _, err := getRow(ctx, tx, from); err != nil {
			return false, err
		}
		if err := deleteSubtree(ctx, tx, to); err != nil {
			return false, err
		}

		lo, hi := subtreeRange(from)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entries (`+columns+`)
			SELECT ? || substr(path, ?), is_dir, size, created_at, content_changed_at, etag, remote_etag,
				download_state, upload_state, 0, NULL, NULL, '', ''
			FROM entries WHERE path = ? OR (path >= ? AND path < ?)`,
			to, utf8.RuneCountInString(from)+1, from, lo, hi)
		if err != nil {
			return false, fmt.Errorf("copy %s to %s: %w", from, to, err)
		}
		return true, ensureParents(ctx, tx, to)
	})
}

func checkDisjoint(from, to string) error {
	if from == to {
		return fmt.Errorf("source and destination are the same: %s", from)
	}
	if strings.HasPrefix(to, from+"/") || strings.HasPrefix(from, to+"/") {
		return fmt.Errorf("%s and %s overlap", from, to)
	}
	return nil
}

func subtreeRows(ctx context.Context, q sqlx.QueryerContext, key string) ([]row, error) {
	var rows []row
	lo, hi := subtreeRange(key)
	err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT "+columns+" FROM entries WHERE path = ? OR (path >= ? AND path < ?) ORDER BY path", key, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("select subtree %s: %w", key, err)
	}
	return rows, nil
}

func deleteSubtree(ctx context.Context, tx *sqlx.Tx, key string) error {
	lo, hi := subtreeRange(key)
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ? OR (path >= ? AND path < ?)", key, lo, hi); err != nil {
		return fmt.Errorf("delete subtree %s: %w", key, err)
	}
	return nil
}

func parentKeys(key string) []string {
	var parents []string
	for i := strings.LastIndex(key, "/"); i > 0; i = strings.LastIndex(key[:i], "/") {
		parents = append(parents, key[:i])
	}
	return parents
}

func ensureParents(ctx context.Context, tx *sqlx.Tx, key string) error {
	for _, parent := range parentKeys(key) {
		if err := insertDir(ctx, tx, parent); err != nil {
			return err
		}
	}
	return nil
}

// insertDir adds a directory row with no size or timestamps, if none exists.
func insertDir(ctx context.Context, tx *sqlx.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO entries (path, is_dir, download_state, upload_state)
		VALUES (?, 1, ?, ?)`, key, remote.Materialized, remote.Uploaded)
	if err != nil {
		return fmt.Errorf("ensure directory %s: %w", key, err)
	}
	return nil
}

// pruneEmptyParents removes directory rows above key that no longer have children.
func pruneEmptyParents(ctx context.Context, tx *sqlx.Tx, key string) error {
	for _, parent := range parentKeys(key) {
		lo, hi := subtreeRange(parent)
		var n int
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries WHERE path >= ? AND path < ?", lo, hi); err != nil {
			return fmt.Errorf("count children of %s: %w", parent, err)
		}
		if n > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ? AND is_dir = 1", parent); err != nil {
			return fmt.Errorf("prune %s: %w", parent, err)
		}
	}
	return nil
}
