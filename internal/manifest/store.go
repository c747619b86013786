// Package manifest stores manifest documents per repository and refuses any
// document whose references do not resolve.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/storage"
	"github.com/lgulliver/keystone/pkg/utils"
)

// referenceCheckConcurrency caps parallel existence checks per put
const referenceCheckConcurrency = 8

// Store keeps manifest revisions and tag pointers on a storage backend
type Store struct {
	backend  storage.Backend
	blobs    *blob.Store
	maxSize  int64
	recorder Recorder
}

// Option configures a Store
type Option func(*Store)

// WithMaxSize overrides DefaultMaxSize
func WithMaxSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithRecorder registers a push and delete observer
func WithRecorder(recorder Recorder) Option {
	return func(s *Store) { s.recorder = recorder }
}

// NewStore creates a manifest store. blobs answers reference checks.
func NewStore(backend storage.Backend, blobs *blob.Store, opts ...Option) *Store {
	s := &Store{backend: backend, blobs: blobs, maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxSize is the largest document Put accepts
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

func manifestsDir(repository string) string {
	return path.Join("repositories", repository, "_manifests")
}

// RevisionKey is where the document for d lives in repository
func RevisionKey(repository string, d digest.Digest) string {
	return path.Join(manifestsDir(repository), "revisions", string(digest.AlgorithmOf(d)), digest.Hex(d), "data")
}

func mediaTypeKey(repository string, d digest.Digest) string {
	return path.Join(path.Dir(RevisionKey(repository, d)), "mediatype")
}

// TagKey is the link file holding the digest a tag points at
func TagKey(repository, tag string) string {
	return path.Join(manifestsDir(repository), "tags", tag, "current", "link")
}

// Put validates content and stores it under reference. Nothing is written
// unless every referenced blob and child manifest already exists.
func (s *Store) Put(ctx context.Context, repository, reference string, content []byte, mediaType string) (*Manifest, error) {
	if err := utils.ValidateRepositoryName(repository); err != nil {
		return nil, err
	}
	if int64(len(content)) > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrManifestInvalid, len(content), s.maxSize)
	}

	refs, err := parse(content, mediaType)
	if err != nil {
		return nil, err
	}

	var d digest.Digest
	if digest.IsDigest(reference) {
		expected, err := digest.Parse(reference)
		if err != nil {
			return nil, err
		}
		actual, err := digest.FromBytes(digest.AlgorithmOf(expected), content)
		if err != nil {
			return nil, err
		}
		if !digest.Verify(expected, actual) {
			return nil, fmt.Errorf("%w: reference %s, content %s", ErrManifestDigestMismatch, expected, actual)
		}
		d = expected
	} else {
		if err := utils.ValidateTag(reference); err != nil {
			return nil, err
		}
		if d, err = digest.FromBytes(digest.Canonical, content); err != nil {
			return nil, err
		}
	}

	if err := s.checkReferences(ctx, repository, refs); err != nil {
		log.Warn().
			Err(err).
			Str("repository", repository).
			Str("reference", reference).
			Msg("rejected manifest with unresolved references")
		return nil, err
	}

	if err := s.storeRevision(ctx, repository, d, content, &refs); err != nil {
		return nil, err
	}
	if !digest.IsDigest(reference) {
		if _, err := s.backend.Write(ctx, TagKey(repository, reference), strings.NewReader(d.String())); err != nil {
			return nil, fmt.Errorf("failed to update tag: %w", err)
		}
	}

	m := &Manifest{
		Repository: repository,
		Reference:  reference,
		Digest:     d,
		MediaType:  refs.mediaType,
		Content:    content,
		Blobs:      refs.blobs,
		Children:   refs.children,
		Subject:    refs.subject,
	}

	log.Info().
		Str("repository", repository).
		Str("reference", reference).
		Str("digest", d.String()).
		Str("media_type", refs.mediaType).
		Int("references", len(refs.blobs)+len(refs.children)).
		Msg("stored manifest")

	if s.recorder != nil {
		s.recorder.ManifestPushed(ctx, m)
	}
	return m, nil
}

// storeRevision writes the revision and then its media type. An existing
// revision keeps the media type it was first pushed with, and refs is
// updated to match.
func (s *Store) storeRevision(ctx context.Context, repository string, d digest.Digest, content []byte, refs *references) error {
	exists, err := s.backend.Exists(ctx, RevisionKey(repository, d))
	if err != nil {
		return err
	}
	if !exists {
		if _, err := s.backend.Write(ctx, RevisionKey(repository, d), bytes.NewReader(content)); err != nil {
			return fmt.Errorf("failed to store manifest: %w", err)
		}
	} else {
		stored, err := s.readSmall(ctx, mediaTypeKey(repository, d))
		switch {
		case err == nil:
			if string(stored) != refs.mediaType {
				log.Debug().
					Str("repository", repository).
					Str("digest", d.String()).
					Str("stored", string(stored)).
					Str("declared", refs.mediaType).
					Msg("keeping media type of existing revision")
			}
			refs.mediaType = string(stored)
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	if _, err := s.backend.Write(ctx, mediaTypeKey(repository, d), strings.NewReader(refs.mediaType)); err != nil {
		return fmt.Errorf("failed to store manifest media type: %w", err)
	}
	return nil
}

// checkReferences resolves every blob and child manifest concurrently and
// returns the first miss
func (s *Store) checkReferences(ctx context.Context, repository string, refs references) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(referenceCheckConcurrency)

	for _, d := range refs.blobs {
		d := d
		g.Go(func() error {
			has, err := s.blobs.Has(gctx, d)
			if err != nil {
				return err
			}
			if !has {
				return &BlobUnknownError{Digest: d}
			}
			return nil
		})
	}
	for _, d := range refs.children {
		d := d
		g.Go(func() error {
			has, err := s.backend.Exists(gctx, RevisionKey(repository, d))
			if err != nil {
				return err
			}
			if !has {
				return &BlobUnknownError{Digest: d, Manifest: true}
			}
			return nil
		})
	}

	return g.Wait()
}

// resolve turns a reference into a revision digest
func (s *Store) resolve(ctx context.Context, repository, reference string) (digest.Digest, error) {
	if err := utils.ValidateRepositoryName(repository); err != nil {
		return "", err
	}

	if digest.IsDigest(reference) {
		return digest.Parse(reference)
	}
	if err := utils.ValidateTag(reference); err != nil {
		return "", err
	}

	rc, err := s.backend.Read(ctx, TagKey(repository, reference), nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s:%s", ErrManifestUnknown, repository, reference)
		}
		return "", err
	}
	defer rc.Close()

	link, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read tag link: %w", err)
	}
	d, err := digest.Parse(strings.TrimSpace(string(link)))
	if err != nil {
		return "", fmt.Errorf("corrupt tag link for %s:%s: %w", repository, reference, err)
	}
	return d, nil
}

func (s *Store) readSmall(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.backend.Read(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, s.maxSize+1))
}

// Get returns the manifest stored under reference
func (s *Store) Get(ctx context.Context, repository, reference string) (*Manifest, error) {
	d, err := s.resolve(ctx, repository, reference)
	if err != nil {
		return nil, err
	}

	content, err := s.readSmall(ctx, RevisionKey(repository, d))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", ErrManifestUnknown, repository, d)
		}
		return nil, err
	}

	mediaType, err := s.readSmall(ctx, mediaTypeKey(repository, d))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	refs, err := parse(content, string(mediaType))
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("repository", repository).
		Str("reference", reference).
		Str("digest", d.String()).
		Msg("resolved manifest")

	return &Manifest{
		Repository: repository,
		Reference:  reference,
		Digest:     d,
		MediaType:  refs.mediaType,
		Content:    content,
		Blobs:      refs.blobs,
		Children:   refs.children,
		Subject:    refs.subject,
	}, nil
}

// Stat answers HEAD requests without reading the document
func (s *Store) Stat(ctx context.Context, repository, reference string) (Info, error) {
	d, err := s.resolve(ctx, repository, reference)
	if err != nil {
		return Info{}, err
	}

	info, err := s.backend.Stat(ctx, RevisionKey(repository, d))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Info{}, fmt.Errorf("%w: %s@%s", ErrManifestUnknown, repository, d)
		}
		return Info{}, err
	}

	mediaType, err := s.readSmall(ctx, mediaTypeKey(repository, d))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Info{}, err
	}

	return Info{Digest: d, Size: info.Size, MediaType: string(mediaType)}, nil
}

// Delete removes a tag pointer, or a revision when reference is a digest.
// Tags still pointing at a deleted revision resolve to ErrManifestUnknown.
func (s *Store) Delete(ctx context.Context, repository, reference string) error {
	if err := utils.ValidateRepositoryName(repository); err != nil {
		return err
	}

	var keys []string
	if digest.IsDigest(reference) {
		d, err := digest.Parse(reference)
		if err != nil {
			return err
		}
		keys = []string{RevisionKey(repository, d), mediaTypeKey(repository, d)}
	} else {
		if err := utils.ValidateTag(reference); err != nil {
			return err
		}
		keys = []string{TagKey(repository, reference)}
	}

	exists, err := s.backend.Exists(ctx, keys[0])
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s:%s", ErrManifestUnknown, repository, reference)
	}

	for _, key := range keys {
		if err := s.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete manifest: %w", err)
		}
	}

	log.Info().Str("repository", repository).Str("reference", reference).Msg("deleted manifest")

	if s.recorder != nil {
		s.recorder.ManifestDeleted(ctx, repository, reference)
	}
	return nil
}
