package replica

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftvolume/internal/db"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sync_journal (
	path TEXT PRIMARY KEY,
	etag TEXT NOT NULL,
	size INTEGER NOT NULL,
	last_modified TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_etag ON sync_journal(etag);
`

var ErrJournalNotOpen = errors.New("sync journal not open")

// JournalEntry is the last version of an item that was in sync on both sides.
type JournalEntry struct {
	Path         string
	ETag         string
	Size         int64
	LastModified time.Time
}

type journalRow struct {
	Path         string `db:"path"`
	ETag         string `db:"etag"`
	Size         int64  `db:"size"`
	LastModified string `db:"last_modified"`
}

func (r *journalRow) entry() (*JournalEntry, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.LastModified)
	if err != nil {
		return nil, fmt.Errorf("parse stored timestamp for %s: %w", r.Path, err)
	}
	return &JournalEntry{Path: r.Path, ETag: r.ETag, Size: r.Size, LastModified: ts}, nil
}

// Journal persists the last synced version of every materialized item, so that
// local edits made while the daemon was down can be told apart from stale bytes.
type Journal struct {
	db     *sqlx.DB
	dbPath string
}

// NewJournal prepares a journal at dbPath. Use db.MemoryPath for an ephemeral one.
func NewJournal(dbPath string) *Journal {
	return &Journal{dbPath: dbPath}
}

func (j *Journal) Open() error {
	if j.db != nil {
		return errors.New("sync journal already open")
	}

	conn, err := db.NewSqliteDB(
		db.WithPath(j.dbPath),
		db.WithMaxOpenConns(1),
		db.WithSchema(journalSchema),
	)
	if err != nil {
		return fmt.Errorf("open sync journal: %w", err)
	}
	j.db = conn
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return ErrJournalNotOpen
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Get returns nil without error when path is not journaled.
func (j *Journal) Get(path string) (*JournalEntry, error) {
	if j.db == nil {
		return nil, ErrJournalNotOpen
	}

	var row journalRow
	err := j.db.Get(&row, "SELECT path, etag, size, last_modified FROM sync_journal WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query path %s: %w", path, err)
	}
	return row.entry()
}

func (j *Journal) Set(entry *JournalEntry) error {
	if j.db == nil {
		return ErrJournalNotOpen
	}
	if entry == nil {
		return errors.New("cannot set nil entry")
	}

	_, err := j.db.NamedExec(`INSERT OR REPLACE INTO sync_journal (path, etag, size, last_modified)
		VALUES (:path, :etag, :size, :last_modified)`, journalRow{
		Path:         entry.Path,
		ETag:         entry.ETag,
		Size:         entry.Size,
		LastModified: entry.LastModified.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("set journal entry %s: %w", entry.Path, err)
	}
	slog.Debug("sync journal set", "path", entry.Path, "etag", entry.ETag)
	return nil
}

// ContentsChanged reports whether etag differs from the journaled version of path.
func (j *Journal) ContentsChanged(path, etag string) (bool, error) {
	entry, err := j.Get(path)
	if err != nil {
		return false, err
	}
	return entry == nil || entry.ETag != etag, nil
}

// Delete removes path and every journaled path beneath it.
func (j *Journal) Delete(path string) error {
	if j.db == nil {
		return ErrJournalNotOpen
	}
	_, err := j.db.Exec("DELETE FROM sync_journal WHERE path = ? OR (path >= ? AND path < ?)", path, path+"/", path+"0")
	if err != nil {
		return fmt.Errorf("delete path %s: %w", path, err)
	}
	return nil
}

// Rename moves the journal rows of from (and beneath it) to to.
func (j *Journal) Rename(from, to string) error {
	if j.db == nil {
		return ErrJournalNotOpen
	}

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rows []journalRow
	if err := tx.Select(&rows, "SELECT path, etag, size, last_modified FROM sync_journal WHERE path = ? OR (path >= ? AND path < ?)",
		from, from+"/", from+"0"); err != nil {
		return fmt.Errorf("select %s: %w", from, err)
	}
	if _, err := tx.Exec("DELETE FROM sync_journal WHERE path = ? OR (path >= ? AND path < ?)", from, from+"/", from+"0"); err != nil {
		return fmt.Errorf("delete %s: %w", from, err)
	}
	if _, err := tx.Exec("DELETE FROM sync_journal WHERE path = ? OR (path >= ? AND path < ?)", to, to+"/", to+"0"); err != nil {
		return fmt.Errorf("delete %s: %w", to, err)
	}
	for _, r := range rows {
		r.Path = to + r.Path[len(from):]
		if _, err := tx.NamedExec(`INSERT INTO sync_journal (path, etag, size, last_modified)
			VALUES (:path, :etag, :size, :last_modified)`, r); err != nil {
			return fmt.Errorf("insert %s: %w", r.Path, err)
		}
	}
	return tx.Commit()
}

// Paths returns every journaled path.
func (j *Journal) Paths() ([]string, error) {
	if j.db == nil {
		return nil, ErrJournalNotOpen
	}
	var paths []string
	if err := j.db.Select(&paths, "SELECT path FROM sync_journal ORDER BY path"); err != nil {
		return nil, fmt.Errorf("query paths: %w", err)
	}
	return paths, nil
}

func (j *Journal) Count() (int, error) {
	if j.db == nil {
		return 0, ErrJournalNotOpen
	}
	var n int
	if err := j.db.Get(&n, "SELECT COUNT(*) FROM sync_journal"); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}
