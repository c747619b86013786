package routes

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/pkg/errcode"
)

// RequestLogger logs one structured line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("bytes", c.Writer.Size()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Handled request")
	}
}

// Decompress transparently decodes gzip, deflate and zstd request bodies
func Decompress() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := decompressRequest(c.Request); err != nil {
			writeError(c, http.StatusBadRequest, errcode.New(errcode.CodeUnsupported, err.Error(), nil))
			return
		}
		c.Next()
	}
}

func decompressRequest(r *http.Request) error {
	contentEncoding := r.Header.Get("Content-Encoding")
	if contentEncoding == "" || contentEncoding == "identity" {
		return nil
	}

	var reader io.ReadCloser
	var err error

	switch contentEncoding {
	case "gzip":
		reader, err = gzip.NewReader(r.Body)
	case "deflate":
		reader = flate.NewReader(r.Body)
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(r.Body)
		if err == nil {
			reader = zr.IOReadCloser()
		}
	default:
		return fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}

	if err != nil {
		return fmt.Errorf("failed to create decompressor for %s: %w", contentEncoding, err)
	}

	oldBody := r.Body
	r.Body = &closeWrapper{ReadCloser: reader, onClose: oldBody.Close}

	// Lengths now refer to the decoded stream, which is unknown up front
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1

	return nil
}

type closeWrapper struct {
	io.ReadCloser
	onClose func() error
}

func (cw *closeWrapper) Close() error {
	return errors.Join(cw.ReadCloser.Close(), cw.onClose())
}
