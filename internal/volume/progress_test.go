package volume

import (
	"context"
	"testing"
	"time"

	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOp(t *testing.T) *TransferOperation {
	t.Helper()
	_, cancel := context.WithCancel(context.Background())
	return newTransferOperation(itempath.MustParse("a/x.txt"), DirectionDownload, testStart, cancel)
}

// drain collects events until the stream closes.
func drain(t *testing.T, op *TransferOperation) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-op.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func TestProgressSuppressesRegression(t *testing.T) {
	op := newOp(t)

	assert.True(t, op.Progress(10))
	assert.False(t, op.Progress(5))
	assert.True(t, op.Progress(20))
	assert.False(t, op.Progress(20))
	op.Complete()

	events := drain(t, op)
	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: EventProgress, Percent: 10}, events[0])
	assert.Equal(t, Event{Kind: EventProgress, Percent: 20}, events[1])
	assert.Equal(t, EventDone, events[2].Kind)
}

func TestReportFeedsProgressSinks(t *testing.T) {
	op := newOp(t)
	var sink func(float64) = op.report
	sink(25)
	sink(10)
	sink(60)
	op.Complete()

	events := drain(t, op)
	require.Len(t, events, 3)
	assert.Equal(t, 25.0, events[0].Percent)
	assert.Equal(t, 60.0, events[1].Percent)
	assert.Equal(t, EventDone, events[2].Kind)
}

func TestProgressClamps(t *testing.T) {
	op := newOp(t)
	op.Progress(-3)
	op.Progress(250)
	op.Complete()

	events := drain(t, op)
	require.Len(t, events, 3)
	assert.Equal(t, 0.0, events[0].Percent)
	assert.Equal(t, 100.0, events[1].Percent)
	assert.Equal(t, 100.0, op.Percent())
}

func TestSingleTerminalEvent(t *testing.T) {
	op := newOp(t)
	op.Progress(40)

	assert.True(t, op.Fail(volerr.New(volerr.KindTransport, "download", "a/x.txt", "connection reset")))
	assert.False(t, op.Complete())
	assert.False(t, op.Fail(volerr.New(volerr.KindTimeout, "download", "a/x.txt", "late")))
	assert.False(t, op.Progress(90))
	op.Cancel()

	events := drain(t, op)
	require.Len(t, events, 2)
	assert.Equal(t, EventProgress, events[0].Kind)
	require.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, volerr.KindTransport, events[1].Err.Kind)
	assert.Equal(t, StateFailed, op.State())
}

func TestCancelEmitsCanceledOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := newTransferOperation(itempath.MustParse("a.txt"), DirectionUpload, testStart, cancel)

	op.Cancel()
	op.Cancel()

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	events := drain(t, op)
	require.Len(t, events, 1)
	assert.Equal(t, volerr.KindCanceled, events[0].Err.Kind)
	assert.Equal(t, StateCanceled, op.State())

	err := op.Wait(context.Background())
	requireKind(t, err, volerr.KindCanceled)
}

func TestEventsBeforeListenerAreKept(t *testing.T) {
	op := newOp(t)
	for _, p := range []float64{1, 2, 3, 4, 5} {
		op.Progress(p)
	}
	op.Complete()
	require.NoError(t, op.Wait(context.Background()))

	events := drain(t, op)
	require.Len(t, events, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, float64(i+1), events[i].Percent)
	}
	assert.True(t, events[5].Terminal())
}

func TestRegistryTearsDownFinishedOperations(t *testing.T) {
	r := NewRegistry()
	a, b := newOp(t), newOp(t)
	require.True(t, r.Register(a))
	require.True(t, r.Register(b))
	assert.Equal(t, 2, r.Len())

	a.Complete()
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get(a.ID)
	assert.False(t, ok)

	require.NoError(t, r.Cancel(b.ID))
	assert.Equal(t, StateCanceled, b.State())
	assert.Equal(t, 0, r.Len())

	// canceling again, or something already gone, is harmless
	assert.NoError(t, r.Cancel(b.ID))
	assert.NoError(t, r.Cancel(a.ID))
	assert.Equal(t, StateDone, a.State())
	b.Cancel()

	assert.ErrorIs(t, r.Cancel("never-issued"), ErrOperationNotFound)
}

func TestRegistryRegisterFinishedOperation(t *testing.T) {
	r := NewRegistry()
	op := newOp(t)
	op.Complete()

	r.Register(op)
	assert.Equal(t, 0, r.Len())
	assert.NoError(t, r.Cancel(op.ID))
}

func TestWaitReportsDeadlineAsTimeout(t *testing.T) {
	op := newOp(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	err := op.Wait(ctx)
	require.Error(t, err)
	assert.True(t, volerr.Is(err, volerr.KindTimeout), err)
	assert.Equal(t, StateRunning, op.State())

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	assert.True(t, volerr.Is(op.Wait(ctx), volerr.KindCanceled))
}

func TestRegistryCloseCancelsAll(t *testing.T) {
	r := NewRegistry()
	ops := []*TransferOperation{newOp(t), newOp(t), newOp(t)}
	for _, op := range ops {
		r.Register(op)
	}
	assert.Len(t, r.List(), 3)

	r.Close()
	for _, op := range ops {
		assert.Equal(t, StateCanceled, op.State())
	}
	late := newOp(t)
	assert.False(t, r.Register(late))
	assert.Equal(t, StateCanceled, late.State())
}

func TestWatchdogPolicy(t *testing.T) {
	p := DefaultWatchdogPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 3, p.Attempts())

	assert.Equal(t, 60*time.Second, p.TimeoutFor(0))
	assert.Equal(t, 180*time.Second, p.TimeoutFor(2))
	assert.Equal(t, 180*time.Second, p.TimeoutFor(7))
	assert.Equal(t, 2*time.Second, p.BackoffFor(0))
	assert.Equal(t, 4*time.Second, p.BackoffFor(1))
	assert.Equal(t, 4*time.Second, p.BackoffFor(5))

	assert.ErrorIs(t, WatchdogPolicy{}.Validate(), ErrEmptyTimeouts)
	assert.ErrorIs(t, WatchdogPolicy{
		Timeouts: []time.Duration{time.Second},
		Backoffs: []time.Duration{time.Second, time.Second},
	}.Validate(), ErrTooManyBackoffs)
	assert.ErrorIs(t, WatchdogPolicy{Timeouts: []time.Duration{0}}.Validate(), ErrNonPositive)
	assert.Equal(t, time.Duration(0), WatchdogPolicy{Timeouts: []time.Duration{time.Second}}.BackoffFor(0))
}
