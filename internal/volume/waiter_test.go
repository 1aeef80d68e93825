package volume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmined/syftvolume/internal/clock"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type waitResult struct {
	entry remote.Entry
	err   error
}

func runWaiter(w *DownloadWaiter) <-chan waitResult {
	done := make(chan waitResult, 1)
	go func() {
		entry, err := w.Run(context.Background())
		done <- waitResult{entry, err}
	}()
	return done
}

func TestWatchdogRestartSchedule(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("big.bin", remote.NotMaterialized))
	clk := clock.Fake(testStart)
	v := newTestVolume(t, svc, Options{Clock: clk})

	w := v.NewDownloadWaiter(itempath.MustParse("big.bin"), nil)
	done := runWaiter(w)

	// idle window, then backoff, for every attempt but the last
	steps := []time.Duration{60 * time.Second, 2 * time.Second, 90 * time.Second, 4 * time.Second, 180 * time.Second}
	for _, d := range steps {
		waitTimers(t, clk, 1)
		select {
		case r := <-done:
			t.Fatalf("waiter ended early after %s: %v", clk.Now().Sub(testStart), r.err)
		default:
		}
		clk.Advance(d)
	}

	r := <-done
	requireKind(t, r.err, volerr.KindTimeout)
	assert.Equal(t, 336*time.Second, clk.Now().Sub(testStart))
	assert.Equal(t, 2, w.Restarts())
	assert.Equal(t, 3, svc.observeCount())
	assert.Equal(t, 3, svc.requestCount())
	assert.Equal(t, WaiterTimedOut, w.State())
	assert.Equal(t, 0, svc.openSubs())
	assert.True(t, clock.Idle(clk, 50*time.Millisecond), "timers left pending")

	assert.Equal(t, []WaiterState{
		WaiterRequested, WaiterWaiting,
		WaiterRequested, WaiterWaiting,
		WaiterRequested, WaiterWaiting,
		WaiterTimedOut,
	}, w.History())
}

func TestWatchdogResetsOnProgress(t *testing.T) {
	svc := newFakeService()
	p := itempath.MustParse("big.bin")
	svc.set(fileEntry("big.bin", remote.Materializing))
	clk := clock.Fake(testStart)
	v := newTestVolume(t, svc, Options{Clock: clk})

	var mu sync.Mutex
	var seen []float64
	w := v.NewDownloadWaiter(p, func(pct float64) {
		mu.Lock()
		seen = append(seen, pct)
		mu.Unlock()
	})
	done := runWaiter(w)
	waitTimers(t, clk, 1)

	// progress inside the first window moves to the 90s window
	clk.Advance(50 * time.Second)
	e := fileEntry("big.bin", remote.Materializing)
	e.DownloadPercent = percent(30)
	svc.set(e)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
	waitTimers(t, clk, 1)

	// the old 60s deadline passes without effect
	clk.Advance(80 * time.Second)
	select {
	case r := <-done:
		t.Fatalf("watchdog fired despite progress: %v", r.err)
	case <-time.After(20 * time.Millisecond):
	}

	// a stale, lower percent is not progress
	e.DownloadPercent = percent(10)
	svc.set(e)

	e.DownloadState = remote.Materialized
	e.DownloadPercent = percent(100)
	svc.set(e)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, remote.Materialized, r.entry.DownloadState)
	assert.Equal(t, 0, w.Restarts())
	mu.Lock()
	assert.Equal(t, []float64{30, 100}, seen)
	mu.Unlock()
	assert.Equal(t, 0, svc.openSubs())
}

func TestWaiterFailsOnDownloadError(t *testing.T) {
	svc := newFakeService()
	p := itempath.MustParse("broken.bin")
	svc.set(fileEntry("broken.bin", remote.NotMaterialized))
	svc.onRequest = func(itempath.ItemPath) {
		go func() {
			e := fileEntry("broken.bin", remote.NotMaterialized)
			e.DownloadError = "checksum mismatch"
			svc.set(e)
		}()
	}
	v := newTestVolume(t, svc, Options{Clock: clock.Fake(testStart)})

	w := v.NewDownloadWaiter(p, nil)
	r := <-runWaiter(w)
	requireKind(t, r.err, volerr.KindTransport)
	assert.Contains(t, r.err.Error(), "checksum mismatch")
	assert.Equal(t, WaiterFailed, w.State())
	assert.Equal(t, 1, svc.requestCount())
}

func TestWaiterShortCircuitsNotFound(t *testing.T) {
	svc := newFakeService()
	svc.requestErr = volerr.New(volerr.KindNotFound, "materialize", "gone.bin", "no such item")
	v := newTestVolume(t, svc, Options{Clock: clock.Fake(testStart)})

	w := v.NewDownloadWaiter(itempath.MustParse("gone.bin"), nil)
	r := <-runWaiter(w)
	requireKind(t, r.err, volerr.KindNotFound)
	assert.Equal(t, 0, svc.observeCount())
	assert.Equal(t, []WaiterState{WaiterRequested, WaiterFailed}, w.History())
}

func TestWaiterFallsBackToLocalAttributes(t *testing.T) {
	svc := newFakeService()
	// just moved: not in the index yet, but the bytes are on disk
	svc.setLocal("moved.txt", []byte("hello"))
	v := newTestVolume(t, svc, Options{Clock: clock.Fake(testStart)})

	w := v.NewDownloadWaiter(itempath.MustParse("moved.txt"), nil)
	r := <-runWaiter(w)
	require.NoError(t, r.err)
	assert.Equal(t, remote.Materialized, r.entry.DownloadState)
	assert.Equal(t, int64(5), *r.entry.Size)
	assert.Equal(t, WaiterReady, w.State())
}

func TestWaiterCancelDisposesEverything(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("slow.bin", remote.NotMaterialized))
	clk := clock.Fake(testStart)
	v := newTestVolume(t, svc, Options{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	w := v.NewDownloadWaiter(itempath.MustParse("slow.bin"), nil)
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(ctx)
		done <- err
	}()
	waitTimers(t, clk, 1)
	cancel()

	requireKind(t, <-done, volerr.KindCanceled)
	assert.Equal(t, WaiterCanceled, w.State())
	assert.Equal(t, 0, svc.openSubs())
	assert.True(t, clock.Idle(clk, 50*time.Millisecond), "timers left pending")
}

func TestWaiterRunsOnce(t *testing.T) {
	svc := newFakeService()
	svc.set(fileEntry("a.txt", remote.Materialized))
	v := newTestVolume(t, svc, Options{Clock: clock.Fake(testStart)})

	w := v.NewDownloadWaiter(itempath.MustParse("a.txt"), nil)
	r := <-runWaiter(w)
	require.NoError(t, r.err)

	_, err := w.Run(context.Background())
	requireKind(t, err, volerr.KindInvalidArgument)
}
