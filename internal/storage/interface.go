package storage

import (
	"context"
	"io"
	"time"
)

// Backend is the key/value byte store every registry component is built on.
// Keys are slash separated and relative to the backend root.
type Backend interface {
	// Write creates or replaces the object at key. Readers never observe a
	// partially written object.
	Write(ctx context.Context, key string, content io.Reader) (int64, error)

	// Append extends an existing object. On failure the object is left at its
	// previous length. Returns ErrUnsupported when the backend cannot append.
	Append(ctx context.Context, key string, content io.Reader) (int64, error)

	// Read opens the object at key. Backends without range support ignore rng
	// and return the whole object; use ReadRange to get uniform behaviour.
	Read(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)

	// Stat returns size and modification time
	Stat(ctx context.Context, key string) (Info, error)

	// Exists checks if content exists at the given key
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes content at the given key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// CommitRename moves src to dst atomically with respect to readers of dst.
	// Returns ErrAlreadyExists, leaving src in place, when dst is present.
	CommitRename(ctx context.Context, src, dst string) error

	// List returns every object under prefix
	List(ctx context.Context, prefix string) ([]Info, error)

	// Capabilities describes the optional operations this backend supports
	Capabilities() Capabilities
}

// Info describes a stored object
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Capabilities lists optional backend features
type Capabilities struct {
	Append bool
	Range  bool
}
