package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/lgulliver/keystone/internal/digest"
)

// DefaultMaxSize bounds accepted manifest documents
const DefaultMaxSize = 4 << 20

var (
	ErrManifestInvalid        = errors.New("manifest invalid")
	ErrManifestUnknown        = errors.New("manifest unknown")
	ErrManifestDigestMismatch = errors.New("manifest content does not match the digest reference")
	ErrManifestBlobUnknown    = errors.New("manifest references an unknown blob")
)

// BlobUnknownError names the first reference that failed to resolve
type BlobUnknownError struct {
	Digest digest.Digest
	// Manifest is set when the missing reference is a child manifest
	Manifest bool
}

func (e *BlobUnknownError) Error() string {
	if e.Manifest {
		return fmt.Sprintf("%v: child manifest %s", ErrManifestBlobUnknown, e.Digest)
	}
	return fmt.Sprintf("%v: %s", ErrManifestBlobUnknown, e.Digest)
}

func (e *BlobUnknownError) Is(target error) bool {
	return target == ErrManifestBlobUnknown
}

// Manifest is a stored manifest document and the references parsed from it
type Manifest struct {
	Repository string
	Reference  string
	Digest     digest.Digest
	MediaType  string
	Content    []byte

	// Blobs are config, layer and artifact blob digests
	Blobs []digest.Digest
	// Children are manifests listed by an index
	Children []digest.Digest
	// Subject is the manifest this one refers to, if any
	Subject digest.Digest
}

// Size returns the length of the manifest document
func (m *Manifest) Size() int64 {
	return int64(len(m.Content))
}

// Info is what Stat returns
type Info struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// Recorder observes successful manifest writes and deletes
type Recorder interface {
	ManifestPushed(ctx context.Context, m *Manifest)
	ManifestDeleted(ctx context.Context, repository, reference string)
}
