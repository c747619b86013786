package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/lgulliver/keystone/internal/digest"
)

// document covers image manifests, image indexes and artifact manifests.
// Only the descriptor fields matter for reference checks.
type document struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType,omitempty"`
	Config        *ocispec.Descriptor  `json:"config,omitempty"`
	Layers        []ocispec.Descriptor `json:"layers,omitempty"`
	Blobs         []ocispec.Descriptor `json:"blobs,omitempty"`
	Manifests     []ocispec.Descriptor `json:"manifests,omitempty"`
	Subject       *ocispec.Descriptor  `json:"subject,omitempty"`
}

type references struct {
	mediaType string
	blobs     []digest.Digest
	children  []digest.Digest
	subject   digest.Digest
}

// parse extracts every digest content refers to. declared is the media type
// supplied with the upload and may be empty.
func parse(content []byte, declared string) (references, error) {
	if trimmed := bytes.TrimSpace(content); len(trimmed) == 0 || trimmed[0] != '{' {
		return references{}, fmt.Errorf("%w: not a JSON object", ErrManifestInvalid)
	}

	var doc document
	if err := json.Unmarshal(content, &doc); err != nil {
		return references{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}

	if declared != "" && doc.MediaType != "" && declared != doc.MediaType {
		return references{}, fmt.Errorf("%w: media type %q does not match document media type %q",
			ErrManifestInvalid, declared, doc.MediaType)
	}

	refs := references{mediaType: declared}
	if refs.mediaType == "" {
		refs.mediaType = doc.MediaType
	}
	if refs.mediaType == "" {
		refs.mediaType = guessMediaType(doc)
	}

	seen := make(map[digest.Digest]bool)
	add := func(list *[]digest.Digest, desc ocispec.Descriptor, field string) error {
		if _, err := digest.Parse(desc.Digest.String()); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrManifestInvalid, field, err)
		}
		if !seen[desc.Digest] {
			seen[desc.Digest] = true
			*list = append(*list, desc.Digest)
		}
		return nil
	}

	if doc.Config != nil {
		if err := add(&refs.blobs, *doc.Config, "config"); err != nil {
			return references{}, err
		}
	}
	for _, desc := range doc.Layers {
		if err := add(&refs.blobs, desc, "layers"); err != nil {
			return references{}, err
		}
	}
	for _, desc := range doc.Blobs {
		if err := add(&refs.blobs, desc, "blobs"); err != nil {
			return references{}, err
		}
	}
	for _, desc := range doc.Manifests {
		if err := add(&refs.children, desc, "manifests"); err != nil {
			return references{}, err
		}
	}
	if doc.Subject != nil {
		if _, err := digest.Parse(doc.Subject.Digest.String()); err != nil {
			return references{}, fmt.Errorf("%w: subject: %v", ErrManifestInvalid, err)
		}
		refs.subject = doc.Subject.Digest
	}

	return refs, nil
}

func guessMediaType(doc document) string {
	switch {
	case len(doc.Manifests) > 0:
		return ocispec.MediaTypeImageIndex
	default:
		return ocispec.MediaTypeImageManifest
	}
}
