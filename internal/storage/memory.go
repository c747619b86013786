package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps every object in process memory. It backs tests and
// throwaway deployments, and can mimic backends that lack append or range
// support.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	caps    Capabilities
	faults  map[string][]error
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// MemoryOption tweaks a MemoryStorage
type MemoryOption func(*MemoryStorage)

// WithoutAppend makes Append return ErrUnsupported
func WithoutAppend() MemoryOption {
	return func(m *MemoryStorage) { m.caps.Append = false }
}

// WithoutRange makes Read ignore byte ranges
func WithoutRange() MemoryOption {
	return func(m *MemoryStorage) { m.caps.Range = false }
}

// NewMemoryStorage creates an empty in-memory backend
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		objects: make(map[string]memoryObject),
		caps:    Capabilities{Append: true, Range: true},
		faults:  make(map[string][]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext queues err to be returned by the next call of op ("write",
// "append", "read", "stat", "delete", "commit", "list"). The error is wrapped
// as an IOError.
func (m *MemoryStorage) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// fault pops a queued failure; callers hold mu.
func (m *MemoryStorage) fault(op, key string) error {
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	m.faults[op] = queue[1:]
	return ioError(op, key, queue[0])
}

// Capabilities implements Backend
func (m *MemoryStorage) Capabilities() Capabilities {
	return m.caps
}

// Write implements Backend
func (m *MemoryStorage) Write(ctx context.Context, key string, content io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Buffer outside the lock; the object only becomes visible once complete.
	data, err := io.ReadAll(content)
	if err != nil {
		return 0, ioError("write", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("write", key); err != nil {
		return 0, err
	}
	m.objects[key] = memoryObject{data: data, modTime: time.Now()}
	return int64(len(data)), nil
}

// Append implements Backend
func (m *MemoryStorage) Append(ctx context.Context, key string, content io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.caps.Append {
		return 0, ErrUnsupported
	}

	chunk, err := io.ReadAll(content)
	if err != nil {
		return 0, ioError("append", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("append", key); err != nil {
		return 0, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return 0, notFound(key)
	}

	data := make([]byte, 0, len(obj.data)+len(chunk))
	data = append(data, obj.data...)
	data = append(data, chunk...)
	m.objects[key] = memoryObject{data: data, modTime: time.Now()}
	return int64(len(chunk)), nil
}

// Read implements Backend
func (m *MemoryStorage) Read(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("read", key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, notFound(key)
	}

	data := obj.data
	if rng != nil && m.caps.Range {
		start, length, err := rng.resolve(int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start : start+length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat implements Backend
func (m *MemoryStorage) Stat(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("stat", key); err != nil {
		return Info{}, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return Info{}, notFound(key)
	}
	return Info{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

// Exists implements Backend
func (m *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[key]
	return ok, nil
}

// Delete implements Backend
func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("delete", key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

// CommitRename implements Backend
func (m *MemoryStorage) CommitRename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("commit", dst); err != nil {
		return err
	}
	obj, ok := m.objects[src]
	if !ok {
		return notFound(src)
	}
	if _, exists := m.objects[dst]; exists {
		return alreadyExists(dst)
	}

	m.objects[dst] = obj
	delete(m.objects, src)
	return nil
}

// List implements Backend
func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("list", prefix); err != nil {
		return nil, err
	}

	var infos []Info
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, Info{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Keys returns every stored key in sorted order
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
