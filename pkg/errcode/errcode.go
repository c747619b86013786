// Package errcode translates registry errors into distribution API error
// codes and HTTP statuses.
package errcode

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/manifest"
	"github.com/lgulliver/keystone/internal/storage"
	"github.com/lgulliver/keystone/internal/upload"
	"github.com/lgulliver/keystone/pkg/utils"
)

// Error codes defined by the OCI distribution specification
const (
	// CodeBlobUnknown indicates blob is unknown to the registry
	CodeBlobUnknown = "BLOB_UNKNOWN"
	// CodeBlobUploadInvalid indicates blob upload is invalid
	CodeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	// CodeBlobUploadUnknown indicates blob upload session is unknown
	CodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	// CodeDigestInvalid indicates provided digest did not match uploaded content
	CodeDigestInvalid = "DIGEST_INVALID"
	// CodeManifestBlobUnknown indicates a manifest references an unknown blob
	CodeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	// CodeManifestInvalid indicates manifest is invalid
	CodeManifestInvalid = "MANIFEST_INVALID"
	// CodeManifestUnknown indicates manifest is unknown
	CodeManifestUnknown = "MANIFEST_UNKNOWN"
	// CodeNameInvalid indicates invalid repository name
	CodeNameInvalid = "NAME_INVALID"
	// CodeTagInvalid indicates an invalid manifest tag
	CodeTagInvalid = "TAG_INVALID"
	// CodeSizeInvalid indicates provided length did not match content length
	CodeSizeInvalid = "SIZE_INVALID"
	// CodeRangeInvalid indicates a chunk or read range that cannot be served
	CodeRangeInvalid = "RANGE_INVALID"
	// CodeUnsupported indicates operation is unsupported
	CodeUnsupported = "UNSUPPORTED"
	// CodeUnknown is used for failures the client cannot act on
	CodeUnknown = "UNKNOWN"
)

// Descriptor is a single entry of an error response
type Descriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// Error implements the error interface
func (d Descriptor) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Message)
}

// Response is the JSON body of every failed API call
type Response struct {
	Errors []Descriptor `json:"errors"`
}

// New builds a single-error response
func New(code, message string, detail any) Response {
	return Response{Errors: []Descriptor{{Code: code, Message: message, Detail: detail}}}
}

type mapping struct {
	target error
	status int
	code   string
}

// Order matters: typed errors match several sentinels, the first wins.
var mappings = []mapping{
	{upload.ErrRangeMismatch, http.StatusRequestedRangeNotSatisfiable, CodeRangeInvalid},
	{upload.ErrDigestMismatch, http.StatusBadRequest, CodeDigestInvalid},
	{upload.ErrSizeInvalid, http.StatusRequestEntityTooLarge, CodeSizeInvalid},
	{upload.ErrUploadUnknown, http.StatusNotFound, CodeBlobUploadUnknown},
	{manifest.ErrManifestBlobUnknown, http.StatusBadRequest, CodeManifestBlobUnknown},
	{manifest.ErrManifestDigestMismatch, http.StatusBadRequest, CodeDigestInvalid},
	{manifest.ErrManifestInvalid, http.StatusBadRequest, CodeManifestInvalid},
	{manifest.ErrManifestUnknown, http.StatusNotFound, CodeManifestUnknown},
	{blob.ErrBlobUnknown, http.StatusNotFound, CodeBlobUnknown},
	{digest.ErrInvalidDigest, http.StatusBadRequest, CodeDigestInvalid},
	{digest.ErrUnsupportedAlgorithm, http.StatusBadRequest, CodeDigestInvalid},
	{utils.ErrNameInvalid, http.StatusBadRequest, CodeNameInvalid},
	{utils.ErrTagInvalid, http.StatusBadRequest, CodeTagInvalid},
	{storage.ErrInvalidRange, http.StatusRequestedRangeNotSatisfiable, CodeRangeInvalid},
	{storage.ErrUnsupported, http.StatusMethodNotAllowed, CodeUnsupported},
	{storage.ErrNotFound, http.StatusNotFound, CodeBlobUnknown},
}

// FromError picks the HTTP status and response body for err. Storage and
// other unexpected failures map to 500 without leaking their message.
func FromError(err error) (int, Response) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, New(m.code, err.Error(), detail(err))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, New(CodeUnknown, "request cancelled", nil)
	}
	return http.StatusInternalServerError, New(CodeUnknown, "internal server error", nil)
}

func detail(err error) any {
	var rangeErr *upload.RangeError
	if errors.As(err, &rangeErr) {
		return map[string]int64{"expected": rangeErr.Expected, "got": rangeErr.Got}
	}
	var digestErr *upload.DigestError
	if errors.As(err, &digestErr) {
		return map[string]string{"expected": digestErr.Expected.String(), "actual": digestErr.Actual.String()}
	}
	var unknown *manifest.BlobUnknownError
	if errors.As(err, &unknown) {
		return map[string]string{"digest": unknown.Digest.String()}
	}
	return nil
}
