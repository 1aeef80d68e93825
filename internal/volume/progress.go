package volume

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/volerr"
)

// Direction says what a TransferOperation moves.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionRead     Direction = "read"
	DirectionWrite    Direction = "write"
)

// OperationState is the lifecycle state of a TransferOperation.
type OperationState string

const (
	StateRunning  OperationState = "running"
	StateDone     OperationState = "done"
	StateFailed   OperationState = "failed"
	StateCanceled OperationState = "canceled"
)

// EventKind tags an Event on a progress stream.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is one value on a progress stream. Percent is set for progress events
// and Err for error events.
type Event struct {
	Kind    EventKind
	Percent float64
	Err     *volerr.Error
}

// Terminal reports whether no event can follow e.
func (e Event) Terminal() bool {
	return e.Kind != EventProgress
}

// TransferOperation relays a transfer as one ordered stream: progress events with
// non-decreasing percent, then exactly one done or error event. Events are queued
// in order and delivered by a single pump goroutine, so a slow listener never
// blocks the producer.
type TransferOperation struct {
	ID        string
	Path      itempath.ItemPath
	Direction Direction
	StartedAt time.Time

	cancel context.CancelFunc

	mu          sync.Mutex
	state       OperationState
	lastPercent float64
	emitted     bool // at least one progress event
	err         *volerr.Error
	pending     []Event
	onTerminal  []func(*TransferOperation)

	pumpOnce sync.Once
	signal   chan struct{}
	out      chan Event
	done     chan struct{}
}

func newTransferOperation(p itempath.ItemPath, dir Direction, now time.Time, cancel context.CancelFunc) *TransferOperation {
	op := &TransferOperation{
		ID:        uuid.NewString(),
		Path:      p,
		Direction: dir,
		StartedAt: now,
		cancel:    cancel,
		state:     StateRunning,
		signal:    make(chan struct{}, 1),
		out:       make(chan Event),
		done:      make(chan struct{}),
	}
	return op
}

// Events is the ordered stream of the operation, closed after the terminal
// event. Delivery starts on the first call; callers that only Wait never hold
// a pump goroutine.
func (op *TransferOperation) Events() <-chan Event {
	op.pumpOnce.Do(func() { go op.pump() })
	return op.out
}

// Done is closed once the operation has reached a terminal state.
func (op *TransferOperation) Done() <-chan struct{} {
	return op.done
}

// State returns the current state.
func (op *TransferOperation) State() OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Percent returns the last emitted percent.
func (op *TransferOperation) Percent() float64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.lastPercent
}

// Err returns the terminal error, nil while running or after success.
func (op *TransferOperation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.err == nil {
		return nil
	}
	return op.err
}

// Wait blocks until the operation is terminal and returns its error.
func (op *TransferOperation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return volerr.Wrap("", "wait", op.Path.String(), ctx.Err())
	}
}

// Cancel ends the operation with a Canceled error. Canceling a finished
// operation does nothing.
func (op *TransferOperation) Cancel() {
	op.Fail(volerr.New(volerr.KindCanceled, string(op.Direction), op.Path.String(), "canceled by caller"))
}

// Progress records percent. Values are clamped to [0,100]; a value lower than
// or equal to the last emitted one is dropped.
func (op *TransferOperation) Progress(percent float64) bool {
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != StateRunning {
		return false
	}
	if op.emitted && percent <= op.lastPercent {
		return false
	}
	op.emitted = true
	op.lastPercent = percent
	op.enqueueLocked(Event{Kind: EventProgress, Percent: percent})
	return true
}

// report is Progress as a plain progress sink.
func (op *TransferOperation) report(percent float64) {
	op.Progress(percent)
}

// Complete ends the operation successfully.
func (op *TransferOperation) Complete() bool {
	return op.finish(StateDone, nil)
}

// Fail ends the operation with err, classified into the volume taxonomy.
func (op *TransferOperation) Fail(err error) bool {
	ve := volerr.Wrap("", string(op.Direction), op.Path.String(), err)
	if ve == nil {
		return op.Complete()
	}
	state := StateFailed
	if ve.Kind == volerr.KindCanceled {
		state = StateCanceled
	}
	return op.finish(state, ve)
}

func (op *TransferOperation) finish(state OperationState, err *volerr.Error) bool {
	op.mu.Lock()
	if op.state != StateRunning {
		op.mu.Unlock()
		return false
	}
	op.state = state
	op.err = err
	if err != nil {
		op.enqueueLocked(Event{Kind: EventError, Err: err})
	} else {
		op.enqueueLocked(Event{Kind: EventDone})
	}
	hooks := op.onTerminal
	op.onTerminal = nil
	close(op.done)
	op.mu.Unlock()

	if op.cancel != nil {
		op.cancel()
	}
	for _, fn := range hooks {
		fn(op)
	}
	return true
}

// whenTerminal runs fn once the operation is terminal, immediately if it already is.
func (op *TransferOperation) whenTerminal(fn func(*TransferOperation)) {
	op.mu.Lock()
	if op.state == StateRunning {
		op.onTerminal = append(op.onTerminal, fn)
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()
	fn(op)
}

func (op *TransferOperation) enqueueLocked(ev Event) {
	op.pending = append(op.pending, ev)
	select {
	case op.signal <- struct{}{}:
	default:
	}
}

func (op *TransferOperation) pump() {
	defer close(op.out)
	// events queued before the first Events call
	select {
	case op.signal <- struct{}{}:
	default:
	}
	for range op.signal {
		for {
			op.mu.Lock()
			if len(op.pending) == 0 {
				op.mu.Unlock()
				break
			}
			ev := op.pending[0]
			op.pending = op.pending[1:]
			op.mu.Unlock()

			op.out <- ev
			if ev.Terminal() {
				return
			}
		}
	}
}

// OperationInfo is a point in time view of a TransferOperation.
type OperationInfo struct {
	ID        string
	Path      itempath.ItemPath
	Direction Direction
	State     OperationState
	Percent   float64
	StartedAt time.Time
}

func (op *TransferOperation) Info() OperationInfo {
	op.mu.Lock()
	defer op.mu.Unlock()
	return OperationInfo{
		ID:        op.ID,
		Path:      op.Path,
		Direction: op.Direction,
		State:     op.state,
		Percent:   op.lastPercent,
		StartedAt: op.StartedAt,
	}
}
