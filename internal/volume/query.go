package volume

import (
	"context"
	"log/slog"

	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
)

// QueryStatus is the outcome of a one shot index query.
type QueryStatus int

const (
	QueryFound QueryStatus = iota
	QueryNotFound
	QueryTimedOut
)

func (s QueryStatus) String() string {
	switch s {
	case QueryFound:
		return "found"
	case QueryNotFound:
		return "not-found"
	default:
		return "timed-out"
	}
}

// QueryResult carries the entry when Status is QueryFound.
type QueryResult struct {
	Status QueryStatus
	Entry  remote.Entry
}

// QueryOne answers whether p exists in the remote index as an item accepted by
// mode. It resolves on the first snapshot; the observation is stopped on every
// exit path. A query still pending after the advisory threshold is logged, and
// one pending after the timeout resolves QueryTimedOut.
func (v *Volume) QueryOne(ctx context.Context, p itempath.ItemPath, mode itempath.Mode) (QueryResult, error) {
	first := make(chan remote.Event, 1)
	h, err := v.observe(ctx, remote.Exact(p), nil, func(ev remote.Event) {
		select {
		case first <- ev:
		default:
		}
	})
	if err != nil {
		return QueryResult{}, err
	}
	defer h.Stop()

	return v.awaitFirst(ctx, "query", p, first, func(ev remote.Event) QueryResult {
		entry, ok := findEntry(ev.Snapshot, p)
		if !ok || !mode.Matches(entry.IsDir) {
			return QueryResult{Status: QueryNotFound}
		}
		return QueryResult{Status: QueryFound, Entry: entry}
	})
}

// awaitFirst waits for the first event on ch under the query budget.
func (v *Volume) awaitFirst(ctx context.Context, op string, p itempath.ItemPath, ch <-chan remote.Event, resolve func(remote.Event) QueryResult) (QueryResult, error) {
	advisoryTimer := v.clock.NewTimer(v.opts.QueryAdvisory)
	defer advisoryTimer.Stop()
	timeoutTimer := v.clock.NewTimer(v.opts.QueryTimeout)
	defer timeoutTimer.Stop()
	advisory, timeout := advisoryTimer.Chan(), timeoutTimer.Chan()
	start := v.clock.Now()

	for {
		select {
		case ev := <-ch:
			return resolve(ev), nil
		case <-advisory:
			advisory = nil
			slog.Warn("volume query still pending", "op", op, "path", p.String(), "waited", v.clock.Now().Sub(start))
		case <-timeout:
			slog.Warn("volume query timed out", "op", op, "path", p.String(), "budget", v.opts.QueryTimeout)
			return QueryResult{Status: QueryTimedOut}, nil
		case <-ctx.Done():
			return QueryResult{}, volerr.Wrap("", op, p.String(), ctx.Err())
		}
	}
}

func findEntry(snapshot []remote.Entry, p itempath.ItemPath) (remote.Entry, bool) {
	for _, e := range snapshot {
		if e.Path.Key() == p.Key() {
			return e, true
		}
	}
	return remote.Entry{}, false
}

// QueryExists reports whether raw names an item of the given mode. A remote
// only stub exists just as much as a materialized item.
func (v *Volume) QueryExists(ctx context.Context, raw string, mode itempath.Mode) (bool, error) {
	p, err := itempath.ParseFor(raw, mode)
	if err != nil {
		return false, err
	}
	res, err := v.QueryOne(ctx, p, mode)
	if err != nil {
		return false, err
	}
	switch res.Status {
	case QueryFound:
		return true, nil
	case QueryNotFound:
		return false, nil
	default:
		return false, volerr.New(volerr.KindTimeout, "exists", p.String(), "remote index did not answer in time")
	}
}

// QueryMetadata returns the index entry of raw.
func (v *Volume) QueryMetadata(ctx context.Context, raw string) (remote.Entry, error) {
	p, err := itempath.Parse(raw)
	if err != nil {
		return remote.Entry{}, err
	}
	res, err := v.QueryOne(ctx, p, itempath.ModeEither)
	if err != nil {
		return remote.Entry{}, err
	}
	switch res.Status {
	case QueryFound:
		return res.Entry, nil
	case QueryNotFound:
		return remote.Entry{}, volerr.New(volerr.KindNotFound, "metadata", p.String(), "no such item")
	default:
		return remote.Entry{}, volerr.New(volerr.KindTimeout, "metadata", p.String(), "remote index did not answer in time")
	}
}

// List returns the entries beneath prefix in the given domains, all domains
// when none are given.
func (v *Volume) List(ctx context.Context, raw string, domains ...remote.Domain) ([]remote.Entry, error) {
	prefix := itempath.Root
	if raw != "" {
		p, err := itempath.ParseFor(raw, itempath.ModeEither)
		if err != nil {
			return nil, err
		}
		prefix = p.AsDir()
	}

	first := make(chan remote.Event, 1)
	h, err := v.observe(ctx, remote.Prefix(prefix), domains, func(ev remote.Event) {
		select {
		case first <- ev:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer h.Stop()

	var entries []remote.Entry
	res, err := v.awaitFirst(ctx, "list", prefix, first, func(ev remote.Event) QueryResult {
		entries = ev.Snapshot
		return QueryResult{Status: QueryFound}
	})
	if err != nil {
		return nil, err
	}
	if res.Status == QueryTimedOut {
		return nil, volerr.New(volerr.KindTimeout, "list", prefix.String(), "remote index did not answer in time")
	}
	if entries == nil {
		entries = []remote.Entry{}
	}
	return entries, nil
}

// Watch delivers every snapshot beneath prefix to fn until the handle is
// stopped or ctx ends.
func (v *Volume) Watch(ctx context.Context, raw string, fn func(remote.Event), domains ...remote.Domain) (*ObservationHandle, error) {
	prefix := itempath.Root
	if raw != "" {
		p, err := itempath.ParseFor(raw, itempath.ModeEither)
		if err != nil {
			return nil, err
		}
		prefix = p.AsDir()
	}
	h, err := v.observe(ctx, remote.Prefix(prefix), domains, fn)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, h.Stop)
	return h, nil
}
