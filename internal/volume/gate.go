package volume

import (
	"context"
	"sort"
	"sync"

	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/volerr"
	"golang.org/x/sync/semaphore"
)

// AccessMode is the kind of access requested from the Gate.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWriteReplace
	AccessWriteMerge
	AccessDelete
	AccessMove
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWriteReplace:
		return "write-replace"
	case AccessWriteMerge:
		return "write-merge"
	case AccessDelete:
		return "delete"
	default:
		return "move"
	}
}

func (m AccessMode) exclusive() bool {
	return m != AccessRead
}

// gateCapacity is the weight of an exclusive hold; a read weighs 1.
const gateCapacity = 1 << 20

type gateSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// Gate coordinates access to item paths. A path is held shared by reads and
// exclusively by every other mode. Holding a path also holds its ancestors
// shared, so a directory move waits for writes beneath it and the other way
// around. Paths are always acquired in sorted order.
type Gate struct {
	mu    sync.Mutex
	slots map[string]*gateSlot
}

func NewGate() *Gate {
	return &Gate{slots: make(map[string]*gateSlot)}
}

type gateClaim struct {
	key    string
	weight int64
}

// PathAccess pairs a path with the access wanted on it.
type PathAccess struct {
	Path itempath.ItemPath
	Mode AccessMode
}

// Acquire holds every path in paths for mode, waiting as long as ctx allows.
// The returned release is idempotent.
func (g *Gate) Acquire(ctx context.Context, mode AccessMode, paths ...itempath.ItemPath) (func(), error) {
	accesses := make([]PathAccess, len(paths))
	for i, p := range paths {
		accesses[i] = PathAccess{Path: p, Mode: mode}
	}
	return g.AcquireEach(ctx, accesses...)
}

// AcquireEach holds each path for its own mode. Either all are held or none.
func (g *Gate) AcquireEach(ctx context.Context, accesses ...PathAccess) (func(), error) {
	claims := g.plan(accesses)

	var held []gateClaim
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			g.put(held[i])
		}
		held = nil
	}

	for _, c := range claims {
		slot := g.get(c.key)
		if err := slot.sem.Acquire(ctx, c.weight); err != nil {
			g.unref(c.key)
			release()
			return nil, volerr.Wrap("", "acquire", c.key, err)
		}
		held = append(held, c)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Do runs body while holding paths for mode.
func (g *Gate) Do(ctx context.Context, mode AccessMode, paths []itempath.ItemPath, body func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx, mode, paths...)
	if err != nil {
		return err
	}
	defer release()
	return body(ctx)
}

// plan expands accesses into sorted claims: each path at the weight of its
// mode and each of its ancestors shared. A key claimed twice keeps the heavier
// weight.
func (g *Gate) plan(accesses []PathAccess) []gateClaim {
	byKey := make(map[string]int64)
	claim := func(key string, w int64) {
		if w > byKey[key] {
			byKey[key] = w
		}
	}
	for _, a := range accesses {
		weight := int64(1)
		if a.Mode.exclusive() {
			weight = gateCapacity
		}
		claim(a.Path.Key(), weight)
		for parent := a.Path.Parent(); !parent.IsRoot(); parent = parent.Parent() {
			claim(parent.Key(), 1)
		}
	}

	claims := make([]gateClaim, 0, len(byKey))
	for key, w := range byKey {
		claims = append(claims, gateClaim{key: key, weight: w})
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].key < claims[j].key })
	return claims
}

func (g *Gate) get(key string) *gateSlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.slots[key]
	if !ok {
		slot = &gateSlot{sem: semaphore.NewWeighted(gateCapacity)}
		g.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (g *Gate) put(c gateClaim) {
	g.mu.Lock()
	slot := g.slots[c.key]
	g.mu.Unlock()
	slot.sem.Release(c.weight)
	g.unref(c.key)
}

func (g *Gate) unref(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot := g.slots[key]
	slot.refs--
	if slot.refs == 0 {
		delete(g.slots, key)
	}
}

// Held reports how many paths currently have a slot, held or awaited.
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
