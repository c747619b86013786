package errcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/manifest"
	"github.com/lgulliver/keystone/internal/storage"
	"github.com/lgulliver/keystone/internal/upload"
	"github.com/lgulliver/keystone/pkg/utils"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "range mismatch", err: &upload.RangeError{Expected: 10, Got: 4}, status: http.StatusRequestedRangeNotSatisfiable, code: CodeRangeInvalid},
		{name: "upload digest mismatch", err: &upload.DigestError{}, status: http.StatusBadRequest, code: CodeDigestInvalid},
		{name: "upload unknown", err: fmt.Errorf("wrapped: %w", upload.ErrUploadUnknown), status: http.StatusNotFound, code: CodeBlobUploadUnknown},
		{name: "size", err: upload.ErrSizeInvalid, status: http.StatusRequestEntityTooLarge, code: CodeSizeInvalid},
		{name: "manifest blob unknown", err: &manifest.BlobUnknownError{}, status: http.StatusBadRequest, code: CodeManifestBlobUnknown},
		{name: "manifest invalid", err: manifest.ErrManifestInvalid, status: http.StatusBadRequest, code: CodeManifestInvalid},
		{name: "manifest unknown", err: manifest.ErrManifestUnknown, status: http.StatusNotFound, code: CodeManifestUnknown},
		{name: "blob unknown", err: blob.ErrBlobUnknown, status: http.StatusNotFound, code: CodeBlobUnknown},
		{name: "name", err: utils.ErrNameInvalid, status: http.StatusBadRequest, code: CodeNameInvalid},
		{name: "tag", err: utils.ErrTagInvalid, status: http.StatusBadRequest, code: CodeTagInvalid},
		{name: "unsupported", err: storage.ErrUnsupported, status: http.StatusMethodNotAllowed, code: CodeUnsupported},
		{name: "io failure", err: &storage.IOError{Op: "write", Key: "k", Err: errors.New("disk")}, status: http.StatusInternalServerError, code: CodeUnknown},
		{name: "cancelled", err: context.Canceled, status: http.StatusServiceUnavailable, code: CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := FromError(tt.err)
			assert.Equal(t, tt.status, status)
			require.Len(t, resp.Errors, 1)
			assert.Equal(t, tt.code, resp.Errors[0].Code)
		})
	}
}

func TestFromError_HidesInternalMessages(t *testing.T) {
	_, resp := FromError(&storage.IOError{Op: "write", Key: "secret/path", Err: errors.New("disk")})
	assert.NotContains(t, resp.Errors[0].Message, "secret/path")
}

func TestResponseJSON(t *testing.T) {
	_, resp := FromError(&upload.RangeError{Expected: 10, Got: 4})

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded struct {
		Errors []struct {
			Code   string           `json:"code"`
			Detail map[string]int64 `json:"detail"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Errors, 1)
	assert.Equal(t, CodeRangeInvalid, decoded.Errors[0].Code)
	assert.Equal(t, int64(10), decoded.Errors[0].Detail["expected"])
}
