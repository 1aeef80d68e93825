package index

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/syftvolume/internal/db"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	database, err := db.NewSqliteDB()
	require.NoError(t, err)
	idx, err := New(database)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func fileRecord(key string, size int64, etag string) *Record {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		Entry: remote.Entry{
			Path:             itempath.MustParse(key),
			Size:             &size,
			CreatedAt:        &ts,
			ContentChangedAt: &ts,
			ETag:             etag,
			DownloadState:    remote.Materialized,
			UploadState:      remote.Uploaded,
		},
		RemoteETag: etag,
	}
}

func keys(entries []remote.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path.String()
	}
	return out
}

func TestUpsertCreatesParentsAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.Upsert(ctx, fileRecord("a/b/c.txt", 42, "e1")))

	rec, err := idx.Get(ctx, "a/b/c.txt")
	require.NoError(t, err)
	require.NotNil(t, rec.Size)
	assert.Equal(t, int64(42), *rec.Size)
	assert.Equal(t, "e1", rec.ETag)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), *rec.ContentChangedAt)
	assert.Nil(t, rec.DownloadPercent)

	dir, err := idx.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.True(t, dir.IsDir)
	assert.True(t, dir.Path.IsDir())
	assert.Nil(t, dir.Size)
	assert.Nil(t, dir.CreatedAt)
}

func TestGetMissing(t *testing.T) {
	_, err := newTestIndex(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryPredicatesAndDomains(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	for _, k := range []string{"Documents/report.pdf", "photos/a.jpg", "photos/b.jpg", "photosets/c.jpg"} {
		require.NoError(t, idx.Upsert(ctx, fileRecord(k, 1, "e")))
	}

	got, err := idx.Query(ctx, remote.Prefix(itempath.MustParse("photos/")), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/a.jpg", "photos/b.jpg"}, keys(got))

	got, err = idx.Query(ctx, remote.Exact(itempath.MustParse("photos/a.jpg")), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/a.jpg"}, keys(got))

	got, err = idx.Query(ctx, remote.Exact(itempath.MustParse("photos/zzz.jpg")), nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = idx.Query(ctx, remote.Prefix(itempath.Root), []remote.Domain{remote.DomainDocuments})
	require.NoError(t, err)
	assert.Equal(t, []string{"Documents/", "Documents/report.pdf"}, keys(got))

	got, err = idx.Query(ctx, remote.Prefix(itempath.Root), []remote.Domain{remote.DomainData})
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/", "photos/a.jpg", "photos/b.jpg", "photosets/", "photosets/c.jpg"}, keys(got))
}

func TestMoveSubtreeIsAtomic(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Upsert(ctx, fileRecord("src/one.txt", 1, "e1")))
	require.NoError(t, idx.Upsert(ctx, fileRecord("src/deep/two.txt", 2, "e2")))
	require.NoError(t, idx.Upsert(ctx, fileRecord("dst/old.txt", 3, "e3")))

	require.NoError(t, idx.Move(ctx, "src", "dst"))

	all, err := idx.Query(ctx, remote.Prefix(itempath.Root), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst/", "dst/deep/", "dst/deep/two.txt", "dst/one.txt"}, keys(all))
}

func TestMoveFileAcrossDirectoriesPrunesSource(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Upsert(ctx, fileRecord("a/x.txt", 1, "e1")))

	require.NoError(t, idx.Move(ctx, "a/x.txt", "b/c/x.txt"))

	all, err := idx.Query(ctx, remote.Prefix(itempath.Root), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/", "b/c/", "b/c/x.txt"}, keys(all))
}

func TestMoveRejectsOverlapAndMissing(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Upsert(ctx, fileRecord("a/x.txt", 1, "e1")))

	assert.Error(t, idx.Move(ctx, "a", "a/b"))
	assert.Error(t, idx.Move(ctx, "a/x.txt", "a/x.txt"))
	assert.ErrorIs(t, idx.Move(ctx, "missing", "other"), ErrNotFound)

	_, err := idx.Get(ctx, "a/x.txt")
	assert.NoError(t, err)
}

func TestCopyResetsTransferState(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	rec := fileRecord("a/x.txt", 5, "e1")
	pct := 40.0
	rec.DownloadPercent = &pct
	rec.HasUnresolvedConflict = true
	require.NoError(t, idx.Upsert(ctx, rec))

	require.NoError(t, idx.Copy(ctx, "a", "b"))

	src, err := idx.Get(ctx, "a/x.txt")
	require.NoError(t, err)
	assert.True(t, src.HasUnresolvedConflict)

	dst, err := idx.Get(ctx, "b/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "e1", dst.ETag)
	assert.False(t, dst.HasUnresolvedConflict)
	assert.Nil(t, dst.DownloadPercent)
}

func TestRemoveSubtreeReturnsFiles(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Upsert(ctx, fileRecord("a/b/x.txt", 1, "e1")))
	require.NoError(t, idx.Upsert(ctx, fileRecord("a/b/y.txt", 1, "e2")))

	removed, err := idx.Remove(ctx, "a/b")
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "empty ancestors are pruned")

	_, err = idx.Remove(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetTransferState(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	require.NoError(t, idx.Upsert(ctx, fileRecord("f.txt", 1, "e1")))

	pct := 55.0
	require.NoError(t, idx.SetDownload(ctx, "f.txt", remote.Materializing, &pct, ""))
	require.NoError(t, idx.SetUpload(ctx, "f.txt", remote.NotUploaded, nil, "boom"))
	require.NoError(t, idx.SetConflict(ctx, "f.txt", true))

	rec, err := idx.Get(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, remote.Materializing, rec.DownloadState)
	assert.Equal(t, 55.0, *rec.DownloadPercent)
	assert.Equal(t, "boom", rec.UploadError)
	assert.True(t, rec.HasUnresolvedConflict)
	assert.True(t, rec.Dirty())

	assert.ErrorIs(t, idx.SetConflict(ctx, "missing", true), ErrNotFound)
}

func TestMutationsNotify(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	ch, cancel := idx.Notifier().Subscribe()
	defer cancel()

	require.NoError(t, idx.Upsert(ctx, fileRecord("f.txt", 1, "e1")))
	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal")
	}

	// failed mutations do not signal
	_ = idx.SetConflict(ctx, "missing", true)
	select {
	case <-ch:
		t.Fatal("unexpected change signal")
	default:
	}
}
