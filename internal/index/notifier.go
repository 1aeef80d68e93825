package index

import "sync"

// Notifier fans out a change signal to subscribers. Each subscriber owns a
// one slot channel, so bursts of changes coalesce into a single wakeup.
type Notifier struct {
	mu   sync.Mutex
	subs map[uint64]chan struct{}
	next uint64
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[uint64]chan struct{})}
}

// Subscribe returns the signal channel and a cancel func. Cancel is idempotent.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Notify wakes every subscriber without blocking.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of live subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
