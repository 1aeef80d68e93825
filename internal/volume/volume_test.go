package volume

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// materializeOnRequest scripts the service to fetch an item in two steps.
func materializeOnRequest(svc *fakeService, data map[string][]byte) {
	svc.onRequest = func(p itempath.ItemPath) {
		go func() {
			key := p.Key()
			e := fileEntry(key, remote.Materializing)
			e.DownloadPercent = percent(40)
			svc.set(e)

			svc.setLocal(key, data[key])
			e.DownloadState = remote.Materialized
			e.DownloadPercent = percent(100)
			svc.set(e)
		}()
	}
}

func TestCoordinatedReadMaterializesStub(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("notes.txt", remote.NotMaterialized))
	materializeOnRequest(svc, map[string][]byte{"notes.txt": []byte("hello")})
	v := newTestVolume(t, svc, Options{})

	data, err := v.CoordinatedRead(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 1, svc.requestCount())
	assert.Empty(t, v.Operations())
	assert.Equal(t, 0, svc.openSubs())
}

func TestCoordinatedReadSkipsMaterializedItems(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("notes.txt", remote.Materialized))
	svc.setLocal("notes.txt", []byte("cached"))
	v := newTestVolume(t, svc, Options{})

	data, err := v.CoordinatedRead(context.Background(), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "cached", string(data))
	assert.Equal(t, 0, svc.requestCount())
}

func TestCoordinatedReadErrors(t *testing.T) {
	svc := newFakeService()
	svc.set(dirEntry("folder"))
	v := newTestVolume(t, svc, Options{})

	_, err := v.CoordinatedRead(context.Background(), "missing.txt")
	requireKind(t, err, volerr.KindNotFound)
	_, err = v.CoordinatedRead(context.Background(), "folder")
	requireKind(t, err, volerr.KindInvalidArgument)
}

func TestBeginDownloadStreamsProgress(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("movie.bin", remote.NotMaterialized))
	materializeOnRequest(svc, map[string][]byte{"movie.bin": []byte("frames")})
	v := newTestVolume(t, svc, Options{})

	var sink bytes.Buffer
	op, err := v.BeginDownload(context.Background(), "movie.bin", &sink)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, DirectionDownload, op.Direction)

	events := drain(t, op)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Kind)
	prev := -1.0
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, EventProgress, ev.Kind)
		assert.Greater(t, ev.Percent, prev)
		prev = ev.Percent
	}
	assert.Equal(t, "frames", sink.String())
	assert.Equal(t, StateDone, op.State())
}

func TestBeginDownloadErrorIsAnEvent(t *testing.T) {
	svc := newFakeService()
	v := newTestVolume(t, svc, Options{})

	op, err := v.BeginDownload(context.Background(), "missing.bin", io.Discard)
	require.NoError(t, err)

	events := drain(t, op)
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, volerr.KindNotFound, events[0].Err.Kind)
}

func TestCancelOperation(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("stalled.bin", remote.NotMaterialized))
	v := newTestVolume(t, svc, Options{})

	op, err := v.BeginDownload(context.Background(), "stalled.bin", io.Discard)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.openSubs() == 1 }, time.Second, time.Millisecond)

	ops := v.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)

	require.NoError(t, v.CancelOperation(op.ID))
	events := drain(t, op)
	require.Len(t, events, 1)
	assert.Equal(t, volerr.KindCanceled, events[0].Err.Kind)

	require.Eventually(t, func() bool { return svc.openSubs() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, v.Operations())

	// already ended: canceling again is not an error
	require.NoError(t, v.CancelOperation(op.ID))
	op.Cancel()
	assert.Equal(t, StateCanceled, op.State())

	requireKind(t, v.CancelOperation("no-such-operation"), volerr.KindNotFound)
}

func TestCancelAfterTerminalEvent(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("done.bin", remote.Materialized))
	svc.setLocal("done.bin", []byte("bytes"))
	v := newTestVolume(t, svc, Options{})

	op, err := v.BeginDownload(context.Background(), "done.bin", io.Discard)
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))
	drain(t, op)

	require.NoError(t, v.CancelOperation(op.ID))
	assert.Equal(t, StateDone, op.State())
	assert.NoError(t, op.Err())
}

func TestBeginUploadWaitsForPush(t *testing.T) {
	svc := newFakeService()
	var written []byte
	svc.onMutate = func(m remote.Mutation) error {
		data, _ := io.ReadAll(m.Body)
		written = data
		e := fileEntry(m.Path.Key(), remote.Materialized)
		e.UploadState = remote.NotUploaded
		svc.set(e)
		go func() {
			e.UploadState = remote.Uploading
			e.UploadPercent = percent(50)
			svc.set(e)
			e.UploadState = remote.Uploaded
			e.UploadPercent = percent(100)
			svc.set(e)
		}()
		return nil
	}
	v := newTestVolume(t, svc, Options{})

	op, err := v.BeginUpload(context.Background(), strings.NewReader("payload"), "up/file.txt")
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))
	assert.Equal(t, "payload", string(written))
	assert.Equal(t, 100.0, op.Percent())
}

func TestBeginUploadReportsUploadFailure(t *testing.T) {
	svc := newFakeService()
	svc.onMutate = func(m remote.Mutation) error {
		e := fileEntry(m.Path.Key(), remote.Materialized)
		e.UploadState = remote.NotUploaded
		e.UploadError = "access denied"
		svc.set(e)
		return nil
	}
	v := newTestVolume(t, svc, Options{})

	op, err := v.BeginUpload(context.Background(), strings.NewReader("x"), "file.txt")
	require.NoError(t, err)
	requireKind(t, op.Wait(context.Background()), volerr.KindTransport)
}

func TestCoordinatedWriteSurfacesConflict(t *testing.T) {
	svc := newFakeService()
	svc.versions = []remote.Version{
		{Source: remote.VersionLocal, ETag: "l", ModifiedAt: testStart.Add(time.Hour)},
		{Source: remote.VersionRemote, ETag: "r", ModifiedAt: testStart},
	}
	svc.onMutate = func(m remote.Mutation) error {
		e := fileEntry(m.Path.Key(), remote.Materialized)
		e.HasUnresolvedConflict = true
		svc.set(e)
		return nil
	}

	t.Run("deferred", func(t *testing.T) {
		v := newTestVolume(t, svc, Options{})
		err := v.CoordinatedWrite(context.Background(), "shared.txt", []byte("mine"))
		requireKind(t, err, volerr.KindConflict)
	})

	t.Run("most recent", func(t *testing.T) {
		v := newTestVolume(t, svc, Options{Resolver: MostRecent{}})
		require.NoError(t, v.CoordinatedWrite(context.Background(), "shared.txt", []byte("mine")))
		svc.mu.Lock()
		defer svc.mu.Unlock()
		require.NotEmpty(t, svc.resolved)
		assert.Equal(t, remote.VersionLocal, svc.resolved[len(svc.resolved)-1].Source)
	})
}

func TestMostRecentResolver(t *testing.T) {
	older := remote.Version{Source: remote.VersionLocal, ModifiedAt: testStart}
	newer := remote.Version{Source: remote.VersionRemote, ModifiedAt: testStart.Add(time.Minute)}
	p := itempath.MustParse("a.txt")

	got, err := MostRecent{}.Resolve(context.Background(), p, []remote.Version{older, newer})
	require.NoError(t, err)
	assert.Equal(t, remote.VersionRemote, got.Source)

	tie := remote.Version{Source: remote.VersionLocal, ModifiedAt: newer.ModifiedAt}
	got, err = MostRecent{}.Resolve(context.Background(), p, []remote.Version{newer, tie})
	require.NoError(t, err)
	assert.Equal(t, remote.VersionRemote, got.Source)

	_, err = MostRecent{}.Resolve(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrDeferred)
	_, err = DeferToCaller{}.Resolve(context.Background(), p, []remote.Version{older})
	assert.ErrorIs(t, err, ErrDeferred)
}

func TestCoordinatedUpdateCreatesAndMerges(t *testing.T) {
	svc := newFakeService()
	svc.onMutate = func(m remote.Mutation) error {
		data, _ := io.ReadAll(m.Body)
		svc.setLocal(m.Path.Key(), data)
		svc.set(fileEntry(m.Path.Key(), remote.Materialized))
		return nil
	}
	v := newTestVolume(t, svc, Options{})
	ctx := context.Background()

	appendLine := func(current []byte) ([]byte, error) {
		return append(current, []byte("line\n")...), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.CoordinatedUpdate(ctx, "log.txt", appendLine))
		}()
	}
	wg.Wait()

	data, err := v.CoordinatedRead(ctx, "log.txt")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("line\n", 5), string(data))
}

func TestMoveAndCopyMutations(t *testing.T) {
	svc := newFakeService()
	v := newTestVolume(t, svc, Options{})
	ctx := context.Background()

	require.NoError(t, v.Move(ctx, "a/x.txt", "b/x.txt"))
	require.NoError(t, v.Copy(ctx, "dir/", "backup/"))
	require.NoError(t, v.Delete(ctx, "old/"))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.mutations, 3)
	assert.Equal(t, remote.OpMove, svc.mutations[0].Op)
	assert.Equal(t, "b/x.txt", svc.mutations[0].Dest.String())
	assert.Equal(t, remote.OpCopy, svc.mutations[1].Op)
	assert.Equal(t, remote.OpDelete, svc.mutations[2].Op)
	assert.Equal(t, "old/", svc.mutations[2].Path.String())
}

func TestMutationErrorsAreClassified(t *testing.T) {
	svc := newFakeService()
	svc.onMutate = func(m remote.Mutation) error {
		return volerr.New(volerr.KindNotFound, "", "", "source missing")
	}
	v := newTestVolume(t, svc, Options{})

	requireKind(t, v.Move(context.Background(), "a.txt", "b.txt"), volerr.KindNotFound)
}

func TestCloseCancelsRunningOperations(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("stalled.bin", remote.NotMaterialized))
	v, err := New(svc, Options{})
	require.NoError(t, err)

	op, err := v.BeginDownload(context.Background(), "stalled.bin", io.Discard)
	require.NoError(t, err)
	require.NoError(t, v.Close())
	assert.Equal(t, StateCanceled, op.State())

	_, err = v.BeginDownload(context.Background(), "stalled.bin", io.Discard)
	requireKind(t, err, volerr.KindCanceled)
}
