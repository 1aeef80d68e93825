package volume

import (
	"context"
	"errors"

	"github.com/openmined/syftvolume/internal/itempath"
	"github.com/openmined/syftvolume/internal/remote"
)

// ErrDeferred is returned by a resolver that leaves the choice to the caller.
var ErrDeferred = errors.New("conflict resolution deferred to caller")

// ConflictResolver picks the version of a conflicted item to keep.
type ConflictResolver interface {
	Resolve(ctx context.Context, p itempath.ItemPath, candidates []remote.Version) (remote.Version, error)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, p itempath.ItemPath, candidates []remote.Version) (remote.Version, error)

func (f ResolverFunc) Resolve(ctx context.Context, p itempath.ItemPath, candidates []remote.Version) (remote.Version, error) {
	return f(ctx, p, candidates)
}

// MostRecent keeps the most recently modified candidate. Ties go to the remote version.
type MostRecent struct{}

func (MostRecent) Resolve(_ context.Context, _ itempath.ItemPath, candidates []remote.Version) (remote.Version, error) {
	if len(candidates) == 0 {
		return remote.Version{}, ErrDeferred
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.ModifiedAt.After(best.ModifiedAt):
			best = c
		case c.ModifiedAt.Equal(best.ModifiedAt) && c.Source == remote.VersionRemote:
			best = c
		}
	}
	return best, nil
}

// DeferToCaller never picks; the conflict is reported to the caller.
type DeferToCaller struct{}

func (DeferToCaller) Resolve(context.Context, itempath.ItemPath, []remote.Version) (remote.Version, error) {
	return remote.Version{}, ErrDeferred
}
