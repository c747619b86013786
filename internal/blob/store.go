// Package blob is the content-addressed blob namespace. Blobs are immutable
// and shared by every repository in the backend.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/storage"
)

// ErrBlobUnknown is returned when no blob exists for a digest
var ErrBlobUnknown = errors.New("blob unknown to registry")

// Descriptor identifies a committed blob
type Descriptor struct {
	Digest digest.Digest
	Size   int64
}

// ExistenceCache remembers digests known to be committed. Blobs are never
// removed by the registry itself, so a positive entry stays valid until the
// backend proves otherwise.
type ExistenceCache interface {
	Contains(ctx context.Context, d digest.Digest) (bool, error)
	// Size reports the cached size; ok is false on a miss
	Size(ctx context.Context, d digest.Digest) (size int64, ok bool, err error)
	Add(ctx context.Context, d digest.Digest, size int64) error
	Forget(ctx context.Context, d digest.Digest) error
}

// Recorder is notified after each successful commit
type Recorder interface {
	BlobCommitted(ctx context.Context, desc Descriptor, deduplicated bool)
}

// Store maps digests to immutable objects on a storage backend
type Store struct {
	backend  storage.Backend
	cache    ExistenceCache
	recorder Recorder
}

// Option configures a Store
type Option func(*Store)

// WithCache puts an existence cache in front of Has and Stat
func WithCache(cache ExistenceCache) Option {
	return func(s *Store) { s.cache = cache }
}

// WithRecorder registers a commit observer
func WithRecorder(recorder Recorder) Option {
	return func(s *Store) { s.recorder = recorder }
}

// NewStore creates a blob store on backend
func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{backend: backend}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the canonical storage key for d, sharded by the first two hex
// characters: blobs/<alg>/<hex[0:2]>/<hex>/data
func Key(d digest.Digest) string {
	hex := digest.Hex(d)
	return path.Join("blobs", string(digest.AlgorithmOf(d)), hex[:2], hex, "data")
}

func validate(d digest.Digest) error {
	_, err := digest.Parse(d.String())
	return err
}

// Has reports whether a blob for d is committed
func (s *Store) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if err := validate(d); err != nil {
		return false, err
	}

	if s.cache != nil {
		if ok, err := s.cache.Contains(ctx, d); err != nil {
			log.Warn().Err(err).Str("digest", d.String()).Msg("blob cache lookup failed")
		} else if ok {
			return true, nil
		}
	}

	info, err := s.backend.Stat(ctx, Key(d))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	s.remember(ctx, Descriptor{Digest: d, Size: info.Size})
	return true, nil
}

// Stat returns the descriptor of a committed blob
func (s *Store) Stat(ctx context.Context, d digest.Digest) (Descriptor, error) {
	if err := validate(d); err != nil {
		return Descriptor{}, err
	}

	if s.cache != nil {
		if size, ok, err := s.cache.Size(ctx, d); err != nil {
			log.Warn().Err(err).Str("digest", d.String()).Msg("blob cache lookup failed")
		} else if ok {
			return Descriptor{Digest: d, Size: size}, nil
		}
	}

	info, err := s.backend.Stat(ctx, Key(d))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrBlobUnknown, d)
		}
		return Descriptor{}, err
	}

	desc := Descriptor{Digest: d, Size: info.Size}
	s.remember(ctx, desc)
	return desc, nil
}

// Open streams a committed blob, optionally restricted to rng
func (s *Store) Open(ctx context.Context, d digest.Digest, rng *storage.ByteRange) (io.ReadCloser, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	rc, err := storage.ReadRange(ctx, s.backend, Key(d), rng)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.forget(ctx, d)
			return nil, fmt.Errorf("%w: %s", ErrBlobUnknown, d)
		}
		return nil, err
	}
	return rc, nil
}

// Commit moves a verified staged object into place under d. When the blob is
// already present the staged object is discarded and the commit still
// succeeds. The content is not re-hashed.
func (s *Store) Commit(ctx context.Context, tmpKey string, d digest.Digest) (Descriptor, error) {
	startTime := time.Now()

	if err := validate(d); err != nil {
		return Descriptor{}, err
	}

	key := Key(d)
	deduplicated := false

	// Size comes from the staged object so nothing fallible runs after the
	// rename has published the blob.
	staged, err := s.backend.Stat(ctx, tmpKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return Descriptor{}, err
		}
		// A previous attempt may have published the blob and then failed
		committed, statErr := s.backend.Stat(ctx, key)
		if statErr != nil {
			return Descriptor{}, err
		}
		staged = committed
		deduplicated = true
	} else {
		err = s.backend.CommitRename(ctx, tmpKey, key)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrAlreadyExists):
			deduplicated = true
			if delErr := s.backend.Delete(ctx, tmpKey); delErr != nil {
				log.Warn().Err(delErr).Str("key", tmpKey).Msg("failed to discard duplicate staged blob")
			}
		default:
			log.Error().Err(err).Str("digest", d.String()).Str("staged_key", tmpKey).Msg("failed to commit blob")
			return Descriptor{}, err
		}
	}

	desc := Descriptor{Digest: d, Size: staged.Size}

	s.remember(ctx, desc)
	if s.recorder != nil {
		s.recorder.BlobCommitted(ctx, desc, deduplicated)
	}

	log.Info().
		Str("digest", d.String()).
		Int64("size", desc.Size).
		Bool("deduplicated", deduplicated).
		Dur("duration", time.Since(startTime)).
		Msg("blob committed")

	return desc, nil
}

func (s *Store) remember(ctx context.Context, desc Descriptor) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Add(ctx, desc.Digest, desc.Size); err != nil {
		log.Warn().Err(err).Str("digest", desc.Digest.String()).Msg("failed to cache blob existence")
	}
}

func (s *Store) forget(ctx context.Context, d digest.Digest) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Forget(ctx, d); err != nil {
		log.Warn().Err(err).Str("digest", d.String()).Msg("failed to drop stale blob cache entry")
	}
}
