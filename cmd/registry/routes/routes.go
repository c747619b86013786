package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/internal/registry"
	"github.com/lgulliver/keystone/pkg/errcode"
)

const apiVersionHeader = "Docker-Distribution-API-Version"

// RegistryRoutes mounts the distribution API. Repository names contain
// slashes, so everything under /v2 goes through one catch-all route and is
// dispatched on the path suffix.
func RegistryRoutes(router *gin.Engine, registryService *registry.Service) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "keystone-registry",
			"time":    time.Now().UTC(),
		})
	})

	router.Any("/v2/*path", handleRequest(registryService))
}

func handleRequest(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(apiVersionHeader, "registry/2.0")

		path := strings.TrimPrefix(c.Param("path"), "/")
		method := c.Request.Method

		if path == "" {
			if method == http.MethodGet || method == http.MethodHead {
				c.JSON(http.StatusOK, gin.H{})
				return
			}
			methodNotAllowed(c)
			return
		}

		switch {
		case strings.HasSuffix(path, "/blobs/uploads/") || strings.HasSuffix(path, "/blobs/uploads"):
			name := strings.TrimSuffix(strings.TrimSuffix(path, "/"), "/blobs/uploads")
			if method != http.MethodPost {
				methodNotAllowed(c)
				return
			}
			handleUploadStart(registryService, name)(c)

		case strings.Contains(path, "/blobs/uploads/"):
			name, id, ok := splitPath(path, "/blobs/uploads/")
			if !ok {
				notFound(c)
				return
			}
			switch method {
			case http.MethodPatch:
				handleUploadChunk(registryService, name, id)(c)
			case http.MethodPut:
				handleUploadComplete(registryService, name, id)(c)
			case http.MethodGet:
				handleUploadStatus(registryService, name, id)(c)
			case http.MethodDelete:
				handleUploadCancel(registryService, name, id)(c)
			default:
				methodNotAllowed(c)
			}

		case strings.Contains(path, "/blobs/"):
			name, reference, ok := splitPath(path, "/blobs/")
			if !ok {
				notFound(c)
				return
			}
			switch method {
			case http.MethodGet:
				handleBlobGet(registryService, name, reference)(c)
			case http.MethodHead:
				handleBlobHead(registryService, name, reference)(c)
			case http.MethodDelete:
				writeError(c, http.StatusMethodNotAllowed, errcode.New(errcode.CodeUnsupported, "blob deletion is not supported", nil))
			default:
				methodNotAllowed(c)
			}

		case strings.Contains(path, "/manifests/"):
			name, reference, ok := splitPath(path, "/manifests/")
			if !ok {
				notFound(c)
				return
			}
			switch method {
			case http.MethodGet:
				handleManifestGet(registryService, name, reference)(c)
			case http.MethodHead:
				handleManifestHead(registryService, name, reference)(c)
			case http.MethodPut:
				handleManifestPut(registryService, name, reference)(c)
			case http.MethodDelete:
				handleManifestDelete(registryService, name, reference)(c)
			default:
				methodNotAllowed(c)
			}

		default:
			notFound(c)
		}
	}
}

// splitPath cuts "repo/name<sep>rest" at the last occurrence of sep
func splitPath(path, sep string) (string, string, bool) {
	i := strings.LastIndex(path, sep)
	if i <= 0 {
		return "", "", false
	}
	name, rest := path[:i], path[i+len(sep):]
	if rest == "" || strings.Contains(rest, "/") {
		return "", "", false
	}
	return name, rest, true
}

// abortWithError writes the registry error body for err
func abortWithError(c *gin.Context, err error) {
	status, resp := errcode.FromError(err)
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Msg("Registry request failed")
	}
	writeError(c, status, resp)
}

func writeError(c *gin.Context, status int, resp errcode.Response) {
	if c.Request.Method == http.MethodHead {
		c.AbortWithStatus(status)
		return
	}
	c.AbortWithStatusJSON(status, resp)
}

func notFound(c *gin.Context) {
	writeError(c, http.StatusNotFound, errcode.New(errcode.CodeUnsupported, "no such endpoint", nil))
}

func methodNotAllowed(c *gin.Context) {
	writeError(c, http.StatusMethodNotAllowed, errcode.New(errcode.CodeUnsupported, "method not allowed", nil))
}
