package volume

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openmined/syftvolume/internal/clock"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
	"github.com/stretchr/testify/require"
)

// fakeService is a scriptable remote.Service. Every subscription delivers on
// its own goroutine, in order, and may keep delivering briefly after Stop.
type fakeService struct {
	mu sync.Mutex

	container  remote.Container
	resolveErr error
	silent     bool // never answer observations

	entries map[string]remote.Entry
	local   map[string][]byte
	subs    map[*fakeSub]struct{}

	versions   []remote.Version
	resolved   []remote.Version
	mutations  []remote.Mutation
	requests   []string
	calls      int // every method except ResolveContainer
	observes   int
	requestErr error

	onRequest func(p itempath.ItemPath)
	onMutate  func(m remote.Mutation) error
}

type fakeSub struct {
	svc     *fakeService
	pred    remote.Predicate
	domains []remote.Domain
	fn      func(remote.Event)
	ch      chan remote.Event
	done    chan struct{}
	once    sync.Once
}

func newFakeService() *fakeService {
	return &fakeService{
		container: remote.Container{ID: "test", Root: "/tmp/test"},
		entries:   make(map[string]remote.Entry),
		local:     make(map[string][]byte),
		subs:      make(map[*fakeSub]struct{}),
	}
}

func (s *fakeService) ResolveContainer(ctx context.Context) (remote.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveErr != nil {
		return remote.Container{}, s.resolveErr
	}
	return s.container, nil
}

func (s *fakeService) Observe(ctx context.Context, pred remote.Predicate, domains []remote.Domain, fn func(remote.Event)) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.observes++

	sub := &fakeSub{
		svc:     s,
		pred:    pred,
		domains: domains,
		fn:      fn,
		ch:      make(chan remote.Event, 256),
		done:    make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	go sub.loop()

	if !s.silent {
		sub.ch <- remote.Event{Kind: remote.GatheringFinished, Snapshot: s.snapshotLocked(pred, domains)}
	}
	return sub, nil
}

func (sub *fakeSub) loop() {
	for {
		select {
		case ev := <-sub.ch:
			sub.fn(ev)
		case <-sub.done:
			return
		}
	}
}

func (sub *fakeSub) Stop() {
	sub.once.Do(func() {
		close(sub.done)
		sub.svc.mu.Lock()
		delete(sub.svc.subs, sub)
		sub.svc.mu.Unlock()
	})
}

func (s *fakeService) snapshotLocked(pred remote.Predicate, domains []remote.Domain) []remote.Entry {
	out := []remote.Entry{}
	for key, e := range s.entries {
		if pred.Matches(key) && remote.InDomains(key, domains) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Key() < out[j].Path.Key() })
	return out
}

// set stores e and notifies matching subscriptions.
func (s *fakeService) set(e remote.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Path.Key()] = e
	s.notifyLocked()
}

func (s *fakeService) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	s.notifyLocked()
}

func (s *fakeService) notifyLocked() {
	for sub := range s.subs {
		select {
		case sub.ch <- remote.Event{Kind: remote.IndexUpdated, Snapshot: s.snapshotLocked(sub.pred, sub.domains)}:
		default:
		}
	}
}

// emit pushes a raw event to every subscription.
func (s *fakeService) emit(ev remote.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.ch <- ev
	}
}

func (s *fakeService) openSubs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *fakeService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeService) observeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observes
}

func (s *fakeService) RequestMaterialization(ctx context.Context, p itempath.ItemPath) error {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, p.Key())
	err := s.requestErr
	hook := s.onRequest
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(p)
	}
	return nil
}

func (s *fakeService) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeService) CoordinatedMutate(ctx context.Context, m remote.Mutation) error {
	if m.Body != nil {
		data, err := io.ReadAll(m.Body)
		if err != nil {
			return err
		}
		m.Body = bytes.NewReader(data)
	}

	s.mu.Lock()
	s.calls++
	s.mutations = append(s.mutations, m)
	hook := s.onMutate
	s.mu.Unlock()

	if hook != nil {
		return hook(m)
	}
	return nil
}

func (s *fakeService) LocalStat(ctx context.Context, p itempath.ItemPath) (*remote.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	data, ok := s.local[p.Key()]
	if !ok {
		return nil, fs.ErrNotExist
	}
	size := int64(len(data))
	return &remote.Entry{
		Path:          p,
		Size:          &size,
		DownloadState: remote.Materialized,
		UploadState:   remote.Uploaded,
	}, nil
}

func (s *fakeService) OpenLocal(ctx context.Context, p itempath.ItemPath) (remote.ReadSeekCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	data, ok := s.local[p.Key()]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, fs.ErrNotExist)
	}
	return nopCloser{bytes.NewReader(data)}, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

func (s *fakeService) Versions(ctx context.Context, p itempath.ItemPath) ([]remote.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]remote.Version(nil), s.versions...), nil
}

func (s *fakeService) ResolveConflict(ctx context.Context, p itempath.ItemPath, keep remote.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.resolved = append(s.resolved, keep)
	if e, ok := s.entries[p.Key()]; ok {
		e.HasUnresolvedConflict = false
		if keep.Source == remote.VersionLocal {
			e.UploadState = remote.Uploaded
		}
		s.entries[p.Key()] = e
		s.notifyLocked()
	}
	return nil
}

func (s *fakeService) setLocal(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[key] = data
}

func fileEntry(raw string, state remote.DownloadState) remote.Entry {
	size := int64(5)
	changed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return remote.Entry{
		Path:             itempath.MustParse(raw),
		Size:             &size,
		CreatedAt:        &changed,
		ContentChangedAt: &changed,
		ETag:             "etag-" + raw,
		DownloadState:    state,
		UploadState:      remote.Uploaded,
	}
}

func dirEntry(raw string) remote.Entry {
	return remote.Entry{
		Path:          itempath.MustParse(raw).AsDir(),
		IsDir:         true,
		DownloadState: remote.Materialized,
		UploadState:   remote.Uploaded,
	}
}

func percent(v float64) *float64 { return &v }

var testStart = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func newTestVolume(t *testing.T, svc remote.Service, opts Options) *Volume {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	v, err := New(svc, opts)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func waitTimers(t *testing.T, clk *clock.FakeClock, n int) {
	t.Helper()
	require.NoError(t, clock.WaitForTimers(clk, n, 5*time.Second), "expected %d pending timers", n)
}

func requireKind(t *testing.T, err error, kind volerr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, volerr.Classify(err), "error: %v", err)
}
