package routes

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/registry"
	"github.com/lgulliver/keystone/internal/upload"
	"github.com/lgulliver/keystone/pkg/errcode"
)

func uploadLocation(name, id string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id)
}

func blobLocation(name string, d digest.Digest) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", name, d)
}

func writeBlobCreated(c *gin.Context, name string, desc blob.Descriptor) {
	c.Header("Location", blobLocation(name, desc.Digest))
	c.Header("Docker-Content-Digest", desc.Digest.String())
	c.Header("Content-Length", "0")
	c.Status(http.StatusCreated)
}

func writeUploadAccepted(c *gin.Context, name string, st upload.Status) {
	c.Header("Location", uploadLocation(name, st.ID))
	c.Header("Range", uploadRange(st.Offset))
	c.Header("Docker-Upload-UUID", st.ID)
	c.Header("Content-Length", "0")
	c.Status(http.StatusAccepted)
}

// handleUploadStart opens a session, or short-circuits with a cross
// repository mount or a single-request monolithic upload
func handleUploadStart(registryService *registry.Service, name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if mount := c.Query("mount"); mount != "" {
			d, err := digest.Parse(mount)
			if err != nil {
				abortWithError(c, err)
				return
			}
			desc, err := registryService.MountBlob(ctx, name, c.Query("from"), d)
			if err == nil {
				writeBlobCreated(c, name, desc)
				return
			}
			if !errors.Is(err, blob.ErrBlobUnknown) {
				abortWithError(c, err)
				return
			}
			// Unknown source blob: fall back to a regular upload session
		}

		if dgst := c.Query("digest"); dgst != "" {
			d, err := digest.Parse(dgst)
			if err != nil {
				abortWithError(c, err)
				return
			}
			desc, err := registryService.UploadMonolithic(ctx, name, d, c.Request.Body)
			if err != nil {
				abortWithError(c, err)
				return
			}
			writeBlobCreated(c, name, desc)
			return
		}

		st, err := registryService.Uploads.Start(ctx, name)
		if err != nil {
			abortWithError(c, err)
			return
		}
		writeUploadAccepted(c, name, st)
	}
}

// chunkStart picks the offset a request body is appended at: the
// Content-Range start when given, otherwise the session's current offset
func chunkStart(c *gin.Context, registryService *registry.Service, name, id string) (int64, bool) {
	start, end, ok, err := parseContentRange(c.GetHeader("Content-Range"))
	if err != nil {
		writeError(c, http.StatusRequestedRangeNotSatisfiable, errcode.New(errcode.CodeRangeInvalid, err.Error(), nil))
		return 0, false
	}
	if ok {
		if c.Request.ContentLength >= 0 && end-start+1 != c.Request.ContentLength {
			writeError(c, http.StatusRequestedRangeNotSatisfiable, errcode.New(errcode.CodeRangeInvalid,
				fmt.Sprintf("Content-Range covers %d bytes, body has %d", end-start+1, c.Request.ContentLength), nil))
			return 0, false
		}
		return start, true
	}

	st, err := registryService.Uploads.Status(c.Request.Context(), name, id)
	if err != nil {
		abortWithError(c, err)
		return 0, false
	}
	return st.Offset, true
}

func handleUploadChunk(registryService *registry.Service, name, id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, ok := chunkStart(c, registryService, name, id)
		if !ok {
			return
		}

		st, err := registryService.Uploads.Patch(c.Request.Context(), name, id, start, c.Request.Body)
		if err != nil {
			var rangeErr *upload.RangeError
			if errors.As(err, &rangeErr) {
				// Tell the client where to resume
				c.Header("Location", uploadLocation(name, id))
				c.Header("Range", uploadRange(rangeErr.Expected))
			}
			abortWithError(c, err)
			return
		}
		writeUploadAccepted(c, name, st)
	}
}

func handleUploadComplete(registryService *registry.Service, name, id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		dgst := c.Query("digest")
		if dgst == "" {
			writeError(c, http.StatusBadRequest, errcode.New(errcode.CodeDigestInvalid, "digest parameter required", nil))
			return
		}
		d, err := digest.Parse(dgst)
		if err != nil {
			abortWithError(c, err)
			return
		}

		// A final chunk may ride along with the closing request
		if c.Request.ContentLength != 0 {
			start, ok := chunkStart(c, registryService, name, id)
			if !ok {
				return
			}
			if _, err := registryService.Uploads.Patch(ctx, name, id, start, c.Request.Body); err != nil {
				abortWithError(c, err)
				return
			}
		}

		desc, err := registryService.Uploads.Finalize(ctx, name, id, d)
		if err != nil {
			abortWithError(c, err)
			return
		}

		log.Debug().
			Str("session_id", id).
			Str("repository", name).
			Str("digest", desc.Digest.String()).
			Msg("Upload completed over HTTP")
		writeBlobCreated(c, name, desc)
	}
}

func handleUploadStatus(registryService *registry.Service, name, id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := registryService.Uploads.Status(c.Request.Context(), name, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Header("Location", uploadLocation(name, id))
		c.Header("Range", uploadRange(st.Offset))
		c.Header("Docker-Upload-UUID", id)
		c.Status(http.StatusNoContent)
	}
}

func handleUploadCancel(registryService *registry.Service, name, id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := registryService.Uploads.Cancel(c.Request.Context(), name, id); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
