package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/pkg/config"
)

// maxCopySize is the largest object a single server-side copy may move.
// Bigger objects go through multipart compose.
const maxCopySize = 5 << 30

// S3Storage implements Backend on an S3 compatible object store.
// Objects only become visible once fully uploaded, which is what makes
// copy-then-delete a safe commit.
type S3Storage struct {
	client *minio.Client
	bucket string
}

// NewS3Storage connects to the configured endpoint and makes sure the bucket
// exists.
func NewS3Storage(ctx context.Context, cfg *config.StorageConfig) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	s := &S3Storage{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}

	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("s3 storage initialized")
	return s, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	log.Info().Str("bucket", s.bucket).Msg("created storage bucket")
	return nil
}

// Capabilities implements Backend. S3 has no append.
func (s *S3Storage) Capabilities() Capabilities {
	return Capabilities{Append: false, Range: true}
}

// classify maps minio errors onto the storage taxonomy
func (s *S3Storage) classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return notFound(key)
	case resp.Code == "InvalidRange" || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %s", ErrInvalidRange, key)
	}
	return ioError(op, key, err)
}

// Write streams content with PutObject. Unknown length uploads are split
// into multipart parts by the client.
func (s *S3Storage) Write(ctx context.Context, key string, content io.Reader) (int64, error) {
	startTime := time.Now()

	info, err := s.client.PutObject(ctx, s.bucket, key, content, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to put object")
		return 0, s.classify("write", key, err)
	}

	log.Debug().
		Str("key", key).
		Int64("bytes_written", info.Size).
		Dur("duration", time.Since(startTime)).
		Msg("object written")

	return info.Size, nil
}

// Append implements Backend
func (s *S3Storage) Append(ctx context.Context, key string, content io.Reader) (int64, error) {
	return 0, ErrUnsupported
}

// Read implements Backend with ranged GETs
func (s *S3Storage) Read(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}

	if rng != nil {
		info, err := s.Stat(ctx, key)
		if err != nil {
			return nil, err
		}
		start, length, err := rng.resolve(info.Size)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			return io.NopCloser(eofReader{}), nil
		}
		if err := opts.SetRange(start, start+length-1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, s.classify("read", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before any bytes are read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.classify("read", key, err)
	}

	return obj, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// Stat implements Backend
func (s *S3Storage) Stat(ctx context.Context, key string) (Info, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Info{}, s.classify("stat", key, err)
	}
	return Info{Key: key, Size: info.Size, ModTime: info.LastModified}, nil
}

// Exists implements Backend
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete implements Backend. S3 deletes of missing keys succeed.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(s.classify("delete", key, err), ErrNotFound) {
			return nil
		}
		log.Error().Err(err).Str("key", key).Msg("failed to remove object")
		return s.classify("delete", key, err)
	}
	log.Debug().Str("key", key).Msg("object deleted")
	return nil
}

// CommitRename copies src to dst server side and removes src afterwards.
// The order is: refuse when dst exists, copy, confirm dst has the source
// size, then delete src. A crash at any step leaves either no dst or a
// complete dst, and at worst an orphaned src for the sweeper.
func (s *S3Storage) CommitRename(ctx context.Context, src, dst string) error {
	startTime := time.Now()

	if _, err := s.Stat(ctx, dst); err == nil {
		return alreadyExists(dst)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	srcInfo, err := s.Stat(ctx, src)
	if err != nil {
		return err
	}

	dstOpts := minio.CopyDestOptions{Bucket: s.bucket, Object: dst}
	srcOpts := minio.CopySrcOptions{Bucket: s.bucket, Object: src}
	if srcInfo.Size > maxCopySize {
		_, err = s.client.ComposeObject(ctx, dstOpts, srcOpts)
	} else {
		_, err = s.client.CopyObject(ctx, dstOpts, srcOpts)
	}
	if err != nil {
		log.Error().Err(err).Str("src", src).Str("dst", dst).Msg("failed to copy object")
		return s.classify("commit", dst, err)
	}

	dstInfo, err := s.Stat(ctx, dst)
	if err != nil {
		return err
	}
	if dstInfo.Size != srcInfo.Size {
		return ioError("commit", dst, fmt.Errorf("copied size %d does not match source size %d", dstInfo.Size, srcInfo.Size))
	}

	if err := s.Delete(ctx, src); err != nil {
		log.Warn().Err(err).Str("src", src).Msg("failed to remove staged object after commit")
	}

	log.Debug().
		Str("src", src).
		Str("dst", dst).
		Int64("size", dstInfo.Size).
		Dur("duration", time.Since(startTime)).
		Msg("object committed")

	return nil
}

// List implements Backend
func (s *S3Storage) List(ctx context.Context, prefix string) ([]Info, error) {
	var infos []Info
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s.classify("list", prefix, obj.Err)
		}
		infos = append(infos, Info{Key: obj.Key, Size: obj.Size, ModTime: obj.LastModified})
	}
	return infos, nil
}
