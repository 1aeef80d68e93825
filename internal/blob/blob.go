package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = fmt.Errorf("blob: %w", fs.ErrNotExist)

// ProgressFunc is called as bytes move. total is -1 when unknown.
type ProgressFunc func(done int64, total int64)

// ObjectInfo describes one stored object. ETag is the hex MD5 of the content without quotes.
type ObjectInfo struct {
	Key          string    `json:"key"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Object is an open object body with its attributes.
type Object struct {
	ObjectInfo
	Body io.ReadCloser
}

type PutParams struct {
	Key      string
	Body     io.Reader
	Size     int64
	Progress ProgressFunc
}

// Store is the remote blob store holding the authoritative bytes of a container.
type Store interface {
	Ping(ctx context.Context) error
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Get(ctx context.Context, key string, progress ProgressFunc) (*Object, error)
	Put(ctx context.Context, params *PutParams) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, srcKey, dstKey string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]*ObjectInfo, error)
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// ETagOf returns the store ETag of data.
func ETagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func normalizeETag(etag string) string {
	return strings.ToLower(strings.ReplaceAll(etag, "\"", ""))
}
