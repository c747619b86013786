package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/registry"
	"github.com/lgulliver/keystone/internal/storage"
	"github.com/lgulliver/keystone/pkg/utils"
)

const blobContentType = "application/octet-stream"

func statBlob(c *gin.Context, registryService *registry.Service, name, reference string) (blob.Descriptor, bool) {
	if err := utils.ValidateRepositoryName(name); err != nil {
		abortWithError(c, err)
		return blob.Descriptor{}, false
	}
	d, err := digest.Parse(reference)
	if err != nil {
		abortWithError(c, err)
		return blob.Descriptor{}, false
	}
	desc, err := registryService.Blobs.Stat(c.Request.Context(), d)
	if err != nil {
		abortWithError(c, err)
		return blob.Descriptor{}, false
	}
	return desc, true
}

// handleBlobHead answers existence checks. Blobs are global, so name is
// validated but not used for lookup.
func handleBlobHead(registryService *registry.Service, name, reference string) gin.HandlerFunc {
	return func(c *gin.Context) {
		desc, ok := statBlob(c, registryService, name, reference)
		if !ok {
			return
		}
		c.Header("Content-Length", strconv.FormatInt(desc.Size, 10))
		c.Header("Content-Type", blobContentType)
		c.Header("Docker-Content-Digest", desc.Digest.String())
		c.Header("Accept-Ranges", "bytes")
		c.Status(http.StatusOK)
	}
}

// handleBlobGet streams a blob, honouring a single byte range
func handleBlobGet(registryService *registry.Service, name, reference string) gin.HandlerFunc {
	return func(c *gin.Context) {
		desc, ok := statBlob(c, registryService, name, reference)
		if !ok {
			return
		}

		status := http.StatusOK
		length := desc.Size
		headers := map[string]string{
			"Docker-Content-Digest": desc.Digest.String(),
			"Accept-Ranges":         "bytes",
		}

		var rng *storage.ByteRange
		if header := c.GetHeader("Range"); header != "" {
			var err error
			rng, err = parseRange(header, desc.Size)
			if err != nil {
				c.Header("Content-Range", fmt.Sprintf("bytes */%d", desc.Size))
				abortWithError(c, err)
				return
			}
			length = desc.Size - rng.Offset
			if rng.Length >= 0 {
				length = rng.Length
			}
			status = http.StatusPartialContent
			headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", rng.Offset, rng.Offset+length-1, desc.Size)
		}

		rc, err := registryService.Blobs.Open(c.Request.Context(), desc.Digest, rng)
		if err != nil {
			abortWithError(c, err)
			return
		}
		defer rc.Close()

		c.DataFromReader(status, length, blobContentType, rc, headers)
	}
}
