// Package volume coordinates application access to a remote backed container:
// existence and metadata queries over the remote index, on demand
// materialization with an idle watchdog, progress streams with a single
// terminal event and per path access coordination.
package volume

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/syftvolume/internal/clock"
	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
	"github.com/openmined/syftvolume/internal/volerr"
)

const (
	DefaultQueryTimeout  = 30 * time.Second
	DefaultQueryAdvisory = 10 * time.Second
)

// Options configure a Volume. Zero values take the defaults.
type Options struct {
	// ContainerID, when set, must match the container the service resolves.
	ContainerID   string
	QueryTimeout  time.Duration
	QueryAdvisory time.Duration
	Watchdog      WatchdogPolicy
	Resolver      ConflictResolver
	Clock         clock.Clock
}

func DefaultOptions() Options {
	return Options{
		QueryTimeout:  DefaultQueryTimeout,
		QueryAdvisory: DefaultQueryAdvisory,
		Watchdog:      DefaultWatchdogPolicy(),
		Resolver:      DeferToCaller{},
		Clock:         clock.Real(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = def.QueryTimeout
	}
	if o.QueryAdvisory <= 0 {
		o.QueryAdvisory = def.QueryAdvisory
	}
	if len(o.Watchdog.Timeouts) == 0 {
		o.Watchdog = def.Watchdog
	}
	if o.Resolver == nil {
		o.Resolver = def.Resolver
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

// Volume is the entry point for application code.
type Volume struct {
	svc         remote.Service
	clock       clock.Clock
	opts        Options
	containerID string

	gate     *Gate
	registry *Registry

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // running operations
}

// New returns a Volume served by svc.
func New(svc remote.Service, opts Options) (*Volume, error) {
	if svc == nil {
		return nil, errors.New("volume: nil service")
	}
	opts = opts.withDefaults()
	if err := opts.Watchdog.Validate(); err != nil {
		return nil, err
	}
	return &Volume{
		svc:         svc,
		clock:       opts.Clock,
		opts:        opts,
		containerID: opts.ContainerID,
		gate:        NewGate(),
		registry:    NewRegistry(),
	}, nil
}

// Close cancels running operations and waits for them to end.
func (v *Volume) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()

	v.registry.Close()
	v.wg.Wait()
	return nil
}

// Operations lists running transfers.
func (v *Volume) Operations() []OperationInfo {
	return v.registry.List()
}

// CancelOperation cancels the transfer with id. Operations that already
// ended are left alone; an id that was never issued is NotFound.
func (v *Volume) CancelOperation(id string) error {
	if err := v.registry.Cancel(id); err != nil {
		return volerr.Wrap(volerr.KindNotFound, "cancel", id, err)
	}
	return nil
}

// start registers a new operation whose context ends with ctx or on
// cancellation. Callers call v.wg.Done once the operation is settled.
func (v *Volume) start(ctx context.Context, p itempath.ItemPath, dir Direction) (*TransferOperation, context.Context, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, nil, volerr.New(volerr.KindCanceled, string(dir), p.String(), "volume closed")
	}
	v.wg.Add(1)
	v.mu.Unlock()

	opCtx, cancel := context.WithCancel(ctx)
	op := newTransferOperation(p, dir, v.clock.Now(), cancel)
	if !v.registry.Register(op) {
		v.wg.Done()
		return nil, nil, volerr.New(volerr.KindCanceled, string(dir), p.String(), "volume closed")
	}
	return op, opCtx, nil
}

func settle(op *TransferOperation, err error) {
	if err != nil {
		op.Fail(err)
		return
	}
	op.Complete()
}

// runAsync drives fn for op on its own goroutine.
func (v *Volume) runAsync(ctx context.Context, op *TransferOperation, fn func(ctx context.Context) error) {
	go func() {
		defer v.wg.Done()
		settle(op, fn(ctx))
	}()
}

// runSync drives fn for a registered operation on the caller's goroutine.
func (v *Volume) runSync(ctx context.Context, p itempath.ItemPath, dir Direction, fn func(ctx context.Context, op *TransferOperation) error) error {
	op, opCtx, err := v.start(ctx, p, dir)
	if err != nil {
		return err
	}
	defer v.wg.Done()
	settle(op, fn(opCtx, op))
	return op.Err()
}

// BeginUpload writes src to p and follows the push to the remote store. The
// stream completes once the remote holds the bytes.
func (v *Volume) BeginUpload(ctx context.Context, src io.Reader, raw string) (*TransferOperation, error) {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, volerr.New(volerr.KindInvalidArgument, "upload", p.String(), "no source")
	}
	op, opCtx, err := v.start(ctx, p, DirectionUpload)
	if err != nil {
		return nil, err
	}

	v.runAsync(opCtx, op, func(ctx context.Context) error {
		err := v.gate.Do(ctx, AccessWriteReplace, []itempath.ItemPath{p}, func(ctx context.Context) error {
			return v.mutate(ctx, remote.Mutation{Op: remote.OpWrite, Path: p, Body: src})
		})
		if err != nil {
			return err
		}
		return v.awaitUpload(ctx, p, op)
	})
	return op, nil
}

// awaitUpload follows the push of p. A conflict goes to the resolver; keeping
// the local version waits for the next push.
func (v *Volume) awaitUpload(ctx context.Context, p itempath.ItemPath, op *TransferOperation) error {
	_, err := v.newUploadWaiter(p, op.report).Run(ctx)
	if !volerr.Is(err, volerr.KindConflict) {
		return err
	}
	kept, err := v.resolveConflict(ctx, p)
	if err != nil {
		return err
	}
	if kept.Source != remote.VersionLocal {
		return volerr.New(volerr.KindConflict, "upload", p.String(), "remote version kept over the upload")
	}
	_, err = v.newUploadWaiter(p, op.report).Run(ctx)
	return err
}

// BeginDownload materializes p if needed and copies its bytes to sink.
func (v *Volume) BeginDownload(ctx context.Context, raw string, sink io.Writer) (*TransferOperation, error) {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, volerr.New(volerr.KindInvalidArgument, "download", p.String(), "no sink")
	}
	op, opCtx, err := v.start(ctx, p, DirectionDownload)
	if err != nil {
		return nil, err
	}

	v.runAsync(opCtx, op, func(ctx context.Context) error {
		if _, err := v.ensureLocal(ctx, p, op.report); err != nil {
			return err
		}
		err := v.gate.Do(ctx, AccessRead, []itempath.ItemPath{p}, func(ctx context.Context) error {
			return v.copyLocal(ctx, p, sink)
		})
		if err != nil {
			return err
		}
		return v.checkConflict(ctx, p)
	})
	return op, nil
}

// CoordinatedRead returns the bytes of p, materializing them first when the
// item is only a remote stub.
func (v *Volume) CoordinatedRead(ctx context.Context, raw string) ([]byte, error) {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = v.runSync(ctx, p, DirectionRead, func(ctx context.Context, op *TransferOperation) error {
		if _, err := v.ensureLocal(ctx, p, op.report); err != nil {
			return err
		}
		err := v.gate.Do(ctx, AccessRead, []itempath.ItemPath{p}, func(ctx context.Context) error {
			return v.copyLocal(ctx, p, &buf)
		})
		if err != nil {
			return err
		}
		return v.checkConflict(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CoordinatedWrite replaces the bytes of p. The push to the remote store
// happens in the background.
func (v *Volume) CoordinatedWrite(ctx context.Context, raw string, data []byte) error {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return err
	}

	return v.runSync(ctx, p, DirectionWrite, func(ctx context.Context, op *TransferOperation) error {
		err := v.gate.Do(ctx, AccessWriteReplace, []itempath.ItemPath{p}, func(ctx context.Context) error {
			return v.mutate(ctx, remote.Mutation{Op: remote.OpWrite, Path: p, Body: bytes.NewReader(data)})
		})
		if err != nil {
			return err
		}
		return v.checkConflict(ctx, p)
	})
}

// CoordinatedUpdate reads p, passes its bytes to fn and writes the result,
// with no other coordinated access to p in between. fn receives nil when p
// does not exist yet.
func (v *Volume) CoordinatedUpdate(ctx context.Context, raw string, fn func(current []byte) ([]byte, error)) error {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return err
	}
	if fn == nil {
		return volerr.New(volerr.KindInvalidArgument, "update", p.String(), "no update function")
	}

	return v.runSync(ctx, p, DirectionWrite, func(ctx context.Context, op *TransferOperation) error {
		for {
			if _, err := v.ensureLocal(ctx, p, op.report); err != nil && !volerr.Is(err, volerr.KindNotFound) {
				return err
			}

			stale := false
			err := v.gate.Do(ctx, AccessWriteMerge, []itempath.ItemPath{p}, func(ctx context.Context) error {
				// the item may have appeared or changed while we waited for the gate
				res, err := v.QueryOne(ctx, p, itempath.ModeEither)
				if err != nil {
					return err
				}
				var current []byte
				switch res.Status {
				case QueryTimedOut:
					return volerr.New(volerr.KindTimeout, "update", p.String(), "remote index did not answer in time")
				case QueryFound:
					if res.Entry.IsDir {
						return volerr.New(volerr.KindInvalidArgument, "update", p.String(), "is a directory")
					}
					if res.Entry.DownloadState != remote.Materialized {
						stale = true
						return nil
					}
					var buf bytes.Buffer
					if err := v.copyLocal(ctx, p, &buf); err != nil {
						return err
					}
					current = buf.Bytes()
				}

				next, err := fn(current)
				if err != nil {
					return volerr.Wrap("", "update", p.String(), err)
				}
				return v.mutate(ctx, remote.Mutation{Op: remote.OpWrite, Path: p, Body: bytes.NewReader(next)})
			})
			if err != nil {
				return err
			}
			if !stale {
				return v.checkConflict(ctx, p)
			}
		}
	})
}

// Move moves from to to, replacing anything at to. Directories move with
// everything beneath them.
func (v *Volume) Move(ctx context.Context, rawFrom, rawTo string) error {
	return v.transfer(ctx, rawFrom, rawTo, remote.OpMove)
}

// Copy copies from to to, replacing anything at to.
func (v *Volume) Copy(ctx context.Context, rawFrom, rawTo string) error {
	return v.transfer(ctx, rawFrom, rawTo, remote.OpCopy)
}

func (v *Volume) transfer(ctx context.Context, rawFrom, rawTo string, op remote.MutationOp) error {
	from, err := itempath.ParseFor(rawFrom, itempath.ModeEither)
	if err != nil {
		return err
	}
	to, err := itempath.ParseFor(rawTo, itempath.ModeEither)
	if err != nil {
		return err
	}
	if from.Contains(to) || to.Contains(from) {
		return volerr.Newf(volerr.KindInvalidArgument, string(op), from.String(), "cannot %s onto %s", op, to)
	}

	source := AccessMove
	if op == remote.OpCopy {
		source = AccessRead
	}
	release, err := v.gate.AcquireEach(ctx,
		PathAccess{Path: from, Mode: source},
		PathAccess{Path: to, Mode: AccessWriteReplace},
	)
	if err != nil {
		return err
	}
	err = v.mutate(ctx, remote.Mutation{Op: op, Path: from, Dest: to})
	release()
	if err != nil {
		return err
	}

	slog.Info("volume", "op", string(op), "from", from.String(), "to", to.String())
	return v.checkConflict(ctx, to)
}

// Delete removes p and, for a directory, everything beneath it.
func (v *Volume) Delete(ctx context.Context, raw string) error {
	p, err := itempath.ParseFor(raw, itempath.ModeEither)
	if err != nil {
		return err
	}
	err = v.gate.Do(ctx, AccessDelete, []itempath.ItemPath{p}, func(ctx context.Context) error {
		return v.mutate(ctx, remote.Mutation{Op: remote.OpDelete, Path: p})
	})
	if err != nil {
		return err
	}
	slog.Info("volume", "op", "delete", "path", p.String())
	return nil
}

// Versions lists the candidates of a conflicted item.
func (v *Volume) Versions(ctx context.Context, raw string) ([]remote.Version, error) {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return nil, err
	}
	if err := v.resolveContainer(ctx); err != nil {
		return nil, err
	}
	versions, err := v.svc.Versions(ctx, p)
	if err != nil {
		return nil, volerr.Wrap("", "versions", p.String(), err)
	}
	return versions, nil
}

// ResolveConflict keeps the candidate of p that comes from source.
func (v *Volume) ResolveConflict(ctx context.Context, raw string, source remote.VersionSource) error {
	p, err := itempath.ParseFor(raw, itempath.ModeFile)
	if err != nil {
		return err
	}
	_, err = v.resolveWith(ctx, p, ResolverFunc(func(_ context.Context, _ itempath.ItemPath, candidates []remote.Version) (remote.Version, error) {
		for _, c := range candidates {
			if c.Source == source {
				return c, nil
			}
		}
		return remote.Version{}, volerr.Newf(volerr.KindNotFound, "resolve", p.String(), "no %s version", source)
	}))
	return err
}

// ensureLocal returns the entry of p once its bytes are local.
func (v *Volume) ensureLocal(ctx context.Context, p itempath.ItemPath, onProgress func(float64)) (remote.Entry, error) {
	res, err := v.QueryOne(ctx, p, itempath.ModeEither)
	if err != nil {
		return remote.Entry{}, err
	}
	switch res.Status {
	case QueryNotFound:
		return remote.Entry{}, volerr.New(volerr.KindNotFound, "materialize", p.String(), "no such item")
	case QueryTimedOut:
		return remote.Entry{}, volerr.New(volerr.KindTimeout, "materialize", p.String(), "remote index did not answer in time")
	}
	if res.Entry.IsDir {
		return remote.Entry{}, volerr.New(volerr.KindInvalidArgument, "materialize", p.String(), "is a directory")
	}
	if res.Entry.DownloadState == remote.Materialized {
		return res.Entry, nil
	}
	return v.NewDownloadWaiter(p, onProgress).Run(ctx)
}

func (v *Volume) copyLocal(ctx context.Context, p itempath.ItemPath, dst io.Writer) error {
	f, err := v.svc.OpenLocal(ctx, p)
	if err != nil {
		return volerr.Wrap("", "open", p.String(), err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return volerr.Wrap(volerr.KindTransport, "read", p.String(), err)
	}
	return nil
}

func (v *Volume) mutate(ctx context.Context, m remote.Mutation) error {
	if err := v.resolveContainer(ctx); err != nil {
		return err
	}
	if err := v.svc.CoordinatedMutate(ctx, m); err != nil {
		return volerr.Wrap("", string(m.Op), m.Path.String(), err)
	}
	return nil
}

// checkConflict hands a conflicted p to the resolver. A deferred or failed
// resolution is a Conflict error.
func (v *Volume) checkConflict(ctx context.Context, p itempath.ItemPath) error {
	res, err := v.QueryOne(ctx, p, itempath.ModeEither)
	if err != nil {
		return err
	}
	if res.Status != QueryFound || !res.Entry.HasUnresolvedConflict {
		return nil
	}
	_, err = v.resolveConflict(ctx, p)
	return err
}

func (v *Volume) resolveConflict(ctx context.Context, p itempath.ItemPath) (remote.Version, error) {
	return v.resolveWith(ctx, p, v.opts.Resolver)
}

func (v *Volume) resolveWith(ctx context.Context, p itempath.ItemPath, r ConflictResolver) (remote.Version, error) {
	candidates, err := v.svc.Versions(ctx, p)
	if err != nil {
		return remote.Version{}, volerr.Wrap("", "resolve", p.String(), err)
	}
	chosen, err := r.Resolve(ctx, p, candidates)
	switch {
	case errors.Is(err, ErrDeferred):
		return remote.Version{}, volerr.New(volerr.KindConflict, "resolve", p.String(), "unresolved conflict between local and remote versions")
	case err != nil:
		return remote.Version{}, volerr.Wrap(volerr.KindConflict, "resolve", p.String(), err)
	}

	if err := v.svc.ResolveConflict(ctx, p, chosen); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return remote.Version{}, volerr.Wrap("", "resolve", p.String(), err)
		}
		return remote.Version{}, volerr.Wrap(volerr.KindConflict, "resolve", p.String(), err)
	}
	slog.Info("volume conflict resolved", "path", p.String(), "kept", chosen.Source, "etag", chosen.ETag)
	return chosen, nil
}
