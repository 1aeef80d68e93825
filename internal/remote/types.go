package remote

import (
	"io"
	"strings"
	"time"

	"github.com/openmined/syftvolume/internal/itempath"
)

// DownloadState is the materialization state of an item's bytes on this device.
type DownloadState string

const (
	NotMaterialized DownloadState = "not-materialized"
	Materializing   DownloadState = "materializing"
	Materialized    DownloadState = "materialized"
)

// UploadState tracks whether local bytes have reached the remote store.
type UploadState string

const (
	NotUploaded UploadState = "not-uploaded"
	Uploading   UploadState = "uploading"
	Uploaded    UploadState = "uploaded"
)

// Entry is the remote index's view of one item. Optional attributes are pointers:
// nil means the index has no value, which is distinct from a known zero.
type Entry struct {
	Path                  itempath.ItemPath
	IsDir                 bool
	Size                  *int64
	CreatedAt             *time.Time
	ContentChangedAt      *time.Time
	ETag                  string
	DownloadState         DownloadState
	UploadState           UploadState
	HasUnresolvedConflict bool

	// transfer attributes, populated while a transfer is in flight
	DownloadPercent *float64
	UploadPercent   *float64
	DownloadError   string
	UploadError     string
}

// Clone returns a deep copy so callers never share pointers with the index.
func (e Entry) Clone() Entry {
	out := e
	if e.Size != nil {
		v := *e.Size
		out.Size = &v
	}
	if e.CreatedAt != nil {
		v := *e.CreatedAt
		out.CreatedAt = &v
	}
	if e.ContentChangedAt != nil {
		v := *e.ContentChangedAt
		out.ContentChangedAt = &v
	}
	if e.DownloadPercent != nil {
		v := *e.DownloadPercent
		out.DownloadPercent = &v
	}
	if e.UploadPercent != nil {
		v := *e.UploadPercent
		out.UploadPercent = &v
	}
	return out
}

// PredicateKind selects how an observation matches paths.
type PredicateKind int

const (
	MatchExact PredicateKind = iota
	MatchPrefix
)

// Predicate scopes an observation to one item or to a subtree.
type Predicate struct {
	Kind PredicateKind
	Path itempath.ItemPath
}

// Exact matches a single item.
func Exact(p itempath.ItemPath) Predicate { return Predicate{Kind: MatchExact, Path: p} }

// Prefix matches every item beneath p (excluding p itself).
func Prefix(p itempath.ItemPath) Predicate { return Predicate{Kind: MatchPrefix, Path: p} }

// Matches reports whether the index key satisfies the predicate.
func (p Predicate) Matches(key string) bool {
	switch p.Kind {
	case MatchExact:
		return key == p.Path.Key()
	case MatchPrefix:
		if p.Path.IsRoot() {
			return key != ""
		}
		return strings.HasPrefix(key, p.Path.Key()+itempath.Separator)
	}
	return false
}

func (p Predicate) String() string {
	if p.Kind == MatchPrefix {
		return "prefix(" + p.Path.String() + ")"
	}
	return "exact(" + p.Path.String() + ")"
}

// Domain is a search scope inside the container.
type Domain string

const (
	// DomainDocuments covers items beneath the top level Documents directory.
	DomainDocuments Domain = "documents"
	// DomainData covers every other item.
	DomainData Domain = "data"
)

// DocumentsDir is the top level directory owned by DomainDocuments.
const DocumentsDir = "Documents"

// AllDomains is the default search scope.
var AllDomains = []Domain{DomainDocuments, DomainData}

// DomainOf returns the domain an index key belongs to.
func DomainOf(key string) Domain {
	if key == DocumentsDir || strings.HasPrefix(key, DocumentsDir+itempath.Separator) {
		return DomainDocuments
	}
	return DomainData
}

// InDomains reports whether key falls in any of domains. An empty list means all.
func InDomains(key string, domains []Domain) bool {
	if len(domains) == 0 {
		return true
	}
	d := DomainOf(key)
	for _, want := range domains {
		if want == d {
			return true
		}
	}
	return false
}

// EventKind distinguishes the initial snapshot from later updates.
type EventKind int

const (
	GatheringFinished EventKind = iota
	IndexUpdated
)

func (k EventKind) String() string {
	if k == GatheringFinished {
		return "gathering-finished"
	}
	return "index-updated"
}

// Event carries the full result set matching a predicate at the time it was emitted.
type Event struct {
	Kind     EventKind
	Snapshot []Entry
}

// Container identifies a resolved container and its local root.
type Container struct {
	ID   string
	Root string
}

// MutationOp is the kind of coordinated mutation requested from the service.
type MutationOp string

const (
	OpWrite  MutationOp = "write"
	OpDelete MutationOp = "delete"
	OpMove   MutationOp = "move"
	OpCopy   MutationOp = "copy"
)

// Mutation describes one coordinated change to the container.
type Mutation struct {
	Op   MutationOp
	Path itempath.ItemPath
	Dest itempath.ItemPath // move and copy
	Body io.Reader         // write
}

// VersionSource says where a conflict candidate lives.
type VersionSource string

const (
	VersionLocal  VersionSource = "local"
	VersionRemote VersionSource = "remote"
)

// Version is one candidate offered to a conflict resolver.
type Version struct {
	Source     VersionSource
	ETag       string
	Size       int64
	ModifiedAt time.Time
}
