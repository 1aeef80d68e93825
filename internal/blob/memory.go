package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// FaultFunc lets tests fail a store call. op is one of ping, head, get, put, delete, copy, list.
type FaultFunc func(op, key string) error

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// MemoryStore is an in-process Store used by tests and the memory backend.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	fault   FaultFunc
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetFault installs fn; nil removes it.
func (m *MemoryStore) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// SetNow replaces the timestamp source.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed stores data under key directly, bypassing faults.
func (m *MemoryStore) Seed(key string, data []byte) *ObjectInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(key, data)
}

func (m *MemoryStore) checkFault(op, key string) error {
	m.mu.RLock()
	fn := m.fault
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op, key)
}

func (m *MemoryStore) storeLocked(key string, data []byte) *ObjectInfo {
	obj := &memObject{data: data, etag: ETagOf(data), modified: m.now()}
	m.objects[key] = obj
	return obj.info(key)
}

func (o *memObject) info(key string) *ObjectInfo {
	return &ObjectInfo{Key: key, ETag: o.etag, Size: int64(len(o.data)), LastModified: o.modified}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.checkFault("ping", "")
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkFault("head", key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return obj.info(key), nil
}

func (m *MemoryStore) Get(ctx context.Context, key string, progress ProgressFunc) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkFault("get", key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	body := io.NopCloser(bytes.NewReader(obj.data))
	return &Object{
		ObjectInfo: *obj.info(key),
		Body:       withProgress(body, int64(len(obj.data)), progress),
	}, nil
}

func (m *MemoryStore) Put(ctx context.Context, params *PutParams) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkFault("put", params.Key); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(newProgressReader(params.Body, params.Size, params.Progress))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(params.Key, data), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.checkFault("delete", key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) Copy(ctx context.Context, srcKey, dstKey string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkFault("copy", srcKey); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.objects[srcKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, srcKey)
	}
	return m.storeLocked(dstKey, bytes.Clone(src.data)), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkFault("list", prefix); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ObjectInfo, 0, len(m.objects))
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
