package remote

import (
	"context"

	"github.com/openmined/syftvolume/internal/itempath"
)

// Subscription is a live observation opened on a Service. Stop is idempotent.
type Subscription interface {
	Stop()
}

// Service is the remote index and blob store as seen by the coordination layer.
// None of its methods may be assumed to complete synchronously with respect to the
// state they trigger: a materialization request returns before bytes arrive, and
// index updates are observed through Observe.
type Service interface {
	// ResolveContainer returns the container root or an error classifying as
	// ContainerUnavailable. Observations must not be opened before this succeeds.
	ResolveContainer(ctx context.Context) (Container, error)

	// Observe opens a predicate scoped observation. fn receives a GatheringFinished
	// event first, then zero or more IndexUpdated events, serially and in order.
	Observe(ctx context.Context, pred Predicate, domains []Domain, fn func(Event)) (Subscription, error)

	// RequestMaterialization asks the service to fetch an item's bytes.
	RequestMaterialization(ctx context.Context, p itempath.ItemPath) error

	// CoordinatedMutate applies a mutation to the local replica, the remote store
	// and the index.
	CoordinatedMutate(ctx context.Context, m Mutation) error

	// LocalStat reports attributes of the item's local bytes, bypassing the index.
	// Returns an fs.ErrNotExist compatible error when nothing is on disk.
	LocalStat(ctx context.Context, p itempath.ItemPath) (*Entry, error)

	// OpenLocal opens the materialized bytes of an item for reading.
	OpenLocal(ctx context.Context, p itempath.ItemPath) (ReadSeekCloser, error)

	// Versions lists the candidates of a conflicted item.
	Versions(ctx context.Context, p itempath.ItemPath) ([]Version, error)

	// ResolveConflict keeps one candidate and clears the conflict flag.
	ResolveConflict(ctx context.Context, p itempath.ItemPath, keep Version) error
}

// ReadSeekCloser is the handle returned by OpenLocal.
type ReadSeekCloser interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}
