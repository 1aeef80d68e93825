// Package replica manages the partial, lazily materialized local copy of a container.
package replica

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/syftvolume/internal/utils"
)

const (
	metadataDir = ".data"
	tmpDir      = "tmp"
	lockFile    = "syftvolume.lock"
	journalFile = "journal.db"
	indexFile   = "index.db"
)

var (
	ErrLocked         = errors.New("replica locked by another process")
	ErrIntegrityCheck = errors.New("integrity check failed")
)

// FileInfo describes local bytes of an item.
type FileInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Replica is the on-disk root of a container. Item keys are slash separated
// paths relative to Root.
type Replica struct {
	Root        string
	MetadataDir string

	flock *flock.Flock
}

func New(root string) (*Replica, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve replica root %s: %w", root, err)
	}
	// watcher events carry the resolved path
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	meta := filepath.Join(abs, metadataDir)
	return &Replica{
		Root:        abs,
		MetadataDir: meta,
		flock:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

// JournalPath is where the sync journal lives.
func (r *Replica) JournalPath() string { return filepath.Join(r.MetadataDir, journalFile) }

// IndexPath is where the index mirror lives.
func (r *Replica) IndexPath() string { return filepath.Join(r.MetadataDir, indexFile) }

// Lock takes the container lock so that only one coordinator serves this root.
func (r *Replica) Lock() error {
	if err := utils.EnsureDir(r.MetadataDir); err != nil {
		return fmt.Errorf("create %s: %w", r.MetadataDir, err)
	}

	locked, err := r.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock replica: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

func (r *Replica) Locked() bool {
	return r.flock.Locked()
}

func (r *Replica) Unlock() error {
	if !r.flock.Locked() {
		return nil
	}
	if err := r.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock replica: %w", err)
	}
	return os.Remove(r.flock.Path())
}

// AbsPath maps an item key onto the filesystem.
func (r *Replica) AbsPath(key string) string {
	return filepath.Join(r.Root, filepath.FromSlash(key))
}

// RelKey maps an absolute path back to an item key. ok is false outside the root
// or inside the metadata directory.
func (r *Replica) RelKey(abs string) (string, bool) {
	rel, err := filepath.Rel(r.Root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	key := filepath.ToSlash(rel)
	if key == metadataDir || strings.HasPrefix(key, metadataDir+"/") {
		return "", false
	}
	return key, true
}

func (r *Replica) Stat(key string) (*FileInfo, error) {
	info, err := os.Stat(r.AbsPath(key))
	if err != nil {
		return nil, err
	}
	return &FileInfo{Key: key, Size: info.Size(), ModTime: info.ModTime().UTC(), IsDir: info.IsDir()}, nil
}

func (r *Replica) Exists(key string) bool {
	_, err := os.Stat(r.AbsPath(key))
	return err == nil
}

// ETag hashes the local bytes of key the same way the blob store does.
func (r *Replica) ETag(key string) (string, error) {
	return utils.FileHash(r.AbsPath(key))
}

func (r *Replica) Open(key string) (*os.File, error) {
	return os.Open(r.AbsPath(key))
}

// Staged is a verified temp file waiting to be committed over an item.
type Staged struct {
	ETag string
	Size int64
	path string
}

// Discard removes an uncommitted staged file.
func (s *Staged) Discard() {
	if s != nil && s.path != "" {
		os.Remove(s.path)
		s.path = ""
	}
}

// Stage streams body into a temp file and verifies it against expectedETag when
// one is given. Nothing under the root changes until Commit.
func (r *Replica) Stage(body io.Reader, name, expectedETag string) (*Staged, error) {
	tmp := filepath.Join(r.MetadataDir, tmpDir)
	if err := utils.EnsureDir(tmp); err != nil {
		return nil, fmt.Errorf("ensure temp directory: %w", err)
	}
	tempFile, err := os.CreateTemp(tmp, filepath.Base(name)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	hasher := md5.New()
	n, err := io.Copy(io.MultiWriter(tempFile, hasher), body)
	if err != nil {
		return nil, fmt.Errorf("write temp file: %w", err)
	}

	etag := hex.EncodeToString(hasher.Sum(nil))
	if expectedETag != "" && !strings.EqualFold(expectedETag, etag) {
		return nil, fmt.Errorf("%w: expected %q got %q", ErrIntegrityCheck, expectedETag, etag)
	}

	if err := tempFile.Sync(); err != nil {
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	success = true
	return &Staged{ETag: etag, Size: n, path: tempPath}, nil
}

// Commit renames a staged file over key.
func (r *Replica) Commit(s *Staged, key string) error {
	if s == nil || s.path == "" {
		return errors.New("nothing staged")
	}
	path := r.AbsPath(key)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("commit %s: is a directory", key)
	}
	if err := utils.EnsureParent(path); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}
	if err := os.Rename(s.path, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	s.path = ""
	return nil
}

// WriteAtomic stages body and commits it over key in one step. Returns the ETag
// and size written.
func (r *Replica) WriteAtomic(key string, body io.Reader, expectedETag string) (string, int64, error) {
	staged, err := r.Stage(body, key, expectedETag)
	if err != nil {
		return "", 0, err
	}
	if err := r.Commit(staged, key); err != nil {
		staged.Discard()
		return "", 0, err
	}
	return staged.ETag, staged.Size, nil
}

// Remove deletes key and anything beneath it. Missing keys are not an error.
func (r *Replica) Remove(key string) error {
	err := os.RemoveAll(r.AbsPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	r.pruneEmptyParents(key)
	return nil
}

// Rename moves from to to, replacing anything at the destination.
func (r *Replica) Rename(from, to string) error {
	src, dst := r.AbsPath(from), r.AbsPath(to)
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	r.pruneEmptyParents(from)
	return nil
}

// Copy duplicates a file or a whole directory tree.
func (r *Replica) Copy(from, to string) error {
	src, dst := r.AbsPath(from), r.AbsPath(to)
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if !info.IsDir() {
		return utils.CopyFile(src, dst)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return utils.EnsureDir(target)
		}
		return utils.CopyFile(path, target)
	})
}

// pruneEmptyParents removes now empty directories above key, stopping at the root.
func (r *Replica) pruneEmptyParents(key string) {
	dir := filepath.Dir(r.AbsPath(key))
	for dir != r.Root && strings.HasPrefix(dir, r.Root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
