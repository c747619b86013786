package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const tempMarker = ".tmp."

// LocalStorage implements Backend on a local filesystem directory.
// Writes go through a temp file and rename, commits use hard links so an
// existing destination is detected rather than overwritten.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Capabilities implements Backend
func (ls *LocalStorage) Capabilities() Capabilities {
	return Capabilities{Append: true, Range: true}
}

// fullPath maps a key onto the filesystem, refusing keys that would escape
// the base directory.
func (ls *LocalStorage) fullPath(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	// Dots inside a segment are fine, as in the tag "1.0..rc1"
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("invalid storage key: %q", key)
		}
	}
	return filepath.Join(ls.basePath, filepath.FromSlash(clean)), nil
}

// Write saves content with an atomic temp-file rename
func (ls *LocalStorage) Write(ctx context.Context, key string, content io.Reader) (int64, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fullPath, err := ls.fullPath(key)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("key", key).Str("dir", dir).Msg("failed to create directory")
		return 0, ioError("write", key, err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(fullPath)+tempMarker+"*")
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to create temporary file")
		return 0, ioError("write", key, err)
	}
	tempPath := tempFile.Name()

	// Ensure cleanup of temp file on failure
	committed := false
	defer func() {
		if !committed {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	bytesWritten, err := io.Copy(tempFile, content)
	if err != nil {
		log.Error().Err(err).Str("key", key).Int64("bytes_written", bytesWritten).Msg("failed to write content to temporary file")
		return 0, ioError("write", key, err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to sync temporary file")
		return 0, ioError("write", key, err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, ioError("write", key, err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("key", key).Str("temp_path", tempPath).Msg("failed to move temporary file to final location")
		return 0, ioError("write", key, err)
	}
	committed = true

	log.Debug().
		Str("key", key).
		Int64("bytes_written", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("object written")

	return bytesWritten, nil
}

// Append extends an existing file. A failed copy truncates the file back to
// its previous length.
func (ls *LocalStorage) Append(ctx context.Context, key string, content io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fullPath, err := ls.fullPath(key)
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, notFound(key)
		}
		return 0, ioError("append", key, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, ioError("append", key, err)
	}
	originalSize := info.Size()

	bytesWritten, err := io.Copy(file, content)
	if err == nil {
		err = file.Sync()
	}
	if err != nil {
		if truncErr := file.Truncate(originalSize); truncErr != nil {
			log.Error().Err(truncErr).Str("key", key).Int64("size", originalSize).Msg("failed to roll back partial append")
		}
		log.Error().Err(err).Str("key", key).Int64("bytes_written", bytesWritten).Msg("failed to append content")
		return 0, ioError("append", key, err)
	}

	log.Debug().
		Str("key", key).
		Int64("bytes_written", bytesWritten).
		Int64("size", originalSize+bytesWritten).
		Msg("object appended")

	return bytesWritten, nil
}

// Read opens a file, optionally positioned at a byte range
func (ls *LocalStorage) Read(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := ls.fullPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("key", key).Msg("file not found")
			return nil, notFound(key)
		}
		log.Error().Err(err).Str("key", key).Msg("failed to open file")
		return nil, ioError("read", key, err)
	}

	if rng == nil {
		return file, nil
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ioError("read", key, err)
	}
	start, length, err := rng.resolve(info.Size())
	if err != nil {
		file.Close()
		return nil, err
	}

	return &limitedReadCloser{
		Reader: io.NewSectionReader(file, start, length),
		Closer: file,
	}, nil
}

// Stat returns file size and modification time
func (ls *LocalStorage) Stat(ctx context.Context, key string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	fullPath, err := ls.fullPath(key)
	if err != nil {
		return Info{}, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, notFound(key)
		}
		log.Error().Err(err).Str("key", key).Msg("failed to get file info")
		return Info{}, ioError("stat", key, err)
	}
	if info.IsDir() {
		return Info{}, notFound(key)
	}

	return Info{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Exists checks if content exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := ls.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes a file and its directory when that becomes empty
func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("key", key).Msg("file already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("key", key).Msg("failed to delete file")
		return ioError("delete", key, err)
	}

	ls.removeEmptyDir(filepath.Dir(fullPath))
	log.Debug().Str("key", key).Msg("object deleted")
	return nil
}

// removeEmptyDir drops the object's own directory once it is empty. Shared
// ancestors are left alone so concurrent writers never lose a parent.
func (ls *LocalStorage) removeEmptyDir(dir string) {
	if filepath.Clean(dir) == filepath.Clean(ls.basePath) {
		return
	}
	os.Remove(dir)
}

// CommitRename links src into place at dst and then removes src. The link
// fails when dst exists, which is reported as ErrAlreadyExists.
func (ls *LocalStorage) CommitRename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srcPath, err := ls.fullPath(src)
	if err != nil {
		return err
	}
	dstPath, err := ls.fullPath(dst)
	if err != nil {
		return err
	}

	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return notFound(src)
		}
		return ioError("commit", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return ioError("commit", dst, err)
	}

	if err := os.Link(srcPath, dstPath); err != nil {
		if os.IsExist(err) {
			return alreadyExists(dst)
		}

		// Hard links can be unavailable (EXDEV, EPERM on some filesystems);
		// fall back to copy + rename.
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || (linkErr.Err != syscall.EXDEV && linkErr.Err != syscall.EPERM && linkErr.Err != syscall.ENOTSUP) {
			log.Error().Err(err).Str("src", src).Str("dst", dst).Msg("failed to link staged file")
			return ioError("commit", dst, err)
		}
		if err := ls.copyInto(ctx, srcPath, dst); err != nil {
			return err
		}
	}

	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("src", src).Msg("failed to remove staged file after commit")
	}
	ls.removeEmptyDir(filepath.Dir(srcPath))

	log.Debug().Str("src", src).Str("dst", dst).Msg("object committed")
	return nil
}

func (ls *LocalStorage) copyInto(ctx context.Context, srcPath, dst string) error {
	if exists, err := ls.Exists(ctx, dst); err != nil {
		return err
	} else if exists {
		return alreadyExists(dst)
	}

	file, err := os.Open(srcPath)
	if err != nil {
		return ioError("commit", dst, err)
	}
	defer file.Close()

	_, err = ls.Write(ctx, dst, file)
	return err
}

// List returns files under prefix, skipping in-flight temp files
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]Info, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchPath := filepath.Join(ls.basePath, filepath.FromSlash(prefix))
	var infos []Info

	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			// Skip directories that don't exist or are inaccessible
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if info.IsDir() || strings.Contains(info.Name(), tempMarker) {
			return nil
		}

		relPath, err := filepath.Rel(ls.basePath, path)
		if err != nil {
			return err
		}
		infos = append(infos, Info{
			Key:     filepath.ToSlash(relPath),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})

	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, ioError("list", prefix, err)
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(infos)).
		Dur("duration", time.Since(startTime)).
		Msg("files listed successfully")

	return infos, nil
}
