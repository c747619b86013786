package routes

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lgulliver/keystone/internal/registry"
)

func handleManifestGet(registryService *registry.Service, name, reference string) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := registryService.Manifests.Get(c.Request.Context(), name, reference)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Header("Docker-Content-Digest", m.Digest.String())
		c.Data(http.StatusOK, m.MediaType, m.Content)
	}
}

func handleManifestHead(registryService *registry.Service, name, reference string) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := registryService.Manifests.Stat(c.Request.Context(), name, reference)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Header("Content-Type", info.MediaType)
		c.Header("Content-Length", strconv.FormatInt(info.Size, 10))
		c.Header("Docker-Content-Digest", info.Digest.String())
		c.Status(http.StatusOK)
	}
}

// handleManifestPut reads at most one byte past the size limit so oversized
// documents are rejected by the store rather than truncated
func handleManifestPut(registryService *registry.Service, name, reference string) gin.HandlerFunc {
	return func(c *gin.Context) {
		content, err := io.ReadAll(io.LimitReader(c.Request.Body, registryService.Manifests.MaxSize()+1))
		if err != nil {
			abortWithError(c, fmt.Errorf("failed to read manifest body: %w", err))
			return
		}

		m, err := registryService.Manifests.Put(c.Request.Context(), name, reference, content, c.ContentType())
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("Location", fmt.Sprintf("/v2/%s/manifests/%s", name, m.Digest))
		c.Header("Docker-Content-Digest", m.Digest.String())
		c.Header("Content-Length", "0")
		c.Status(http.StatusCreated)
	}
}

func handleManifestDelete(registryService *registry.Service, name, reference string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := registryService.Manifests.Delete(c.Request.Context(), name, reference); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}
