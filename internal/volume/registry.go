package volume

import (
	"errors"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrOperationNotFound = errors.New("operation not found")

// finishedCapacity bounds how many ended operation ids are remembered.
const finishedCapacity = 4096

// Registry tracks running operations by id. An operation leaves the registry
// when it reaches a terminal state; its id is remembered so a late Cancel
// stays a no-op instead of an error.
type Registry struct {
	ops      map[string]*TransferOperation
	finished *lru.Cache[string, OperationState]
	closed   bool
	mu       sync.Mutex
}

func NewRegistry() *Registry {
	// only fails for a non-positive size
	finished, _ := lru.New[string, OperationState](finishedCapacity)
	return &Registry{
		ops:      make(map[string]*TransferOperation),
		finished: finished,
	}
}

// Register adds op. It returns false, and cancels op, when the registry is closed.
// An op that is already terminal is never added.
func (r *Registry) Register(op *TransferOperation) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		op.Cancel()
		return false
	}
	r.ops[op.ID] = op
	r.mu.Unlock()

	op.whenTerminal(r.remove)
	return true
}

func (r *Registry) remove(op *TransferOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops[op.ID] == op {
		delete(r.ops, op.ID)
	}
	r.finished.Add(op.ID, op.State())
}

// Get returns the running operation with id.
func (r *Registry) Get(id string) (*TransferOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	return op, ok
}

// Cancel cancels the running operation with id. Canceling an operation that
// already ended does nothing; only ids never registered are not found.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	op, ok := r.ops[id]
	ended := !ok && r.finished.Contains(id)
	r.mu.Unlock()

	switch {
	case ended:
		return nil
	case !ok:
		return ErrOperationNotFound
	}
	op.Cancel()
	return nil
}

// List returns the running operations, oldest first.
func (r *Registry) List() []OperationInfo {
	r.mu.Lock()
	ops := make([]*TransferOperation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	infos := make([]OperationInfo, 0, len(ops))
	for _, op := range ops {
		infos = append(infos, op.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Close cancels every running operation and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ops := make([]*TransferOperation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}
