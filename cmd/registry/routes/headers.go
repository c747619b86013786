package routes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lgulliver/keystone/internal/storage"
)

// parseContentRange reads the start offset from a chunk's Content-Range.
// Clients send "<start>-<end>", some prefix "bytes " or append "/<total>".
// ok is false when the header is absent.
func parseContentRange(header string) (start, end int64, ok bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, 0, false, nil
	}
	header = strings.TrimPrefix(header, "bytes ")
	header = strings.TrimPrefix(header, "bytes=")
	if i := strings.IndexByte(header, '/'); i >= 0 {
		header = header[:i]
	}

	first, last, found := strings.Cut(header, "-")
	if !found {
		return 0, 0, false, fmt.Errorf("malformed Content-Range %q", header)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, fmt.Errorf("malformed Content-Range start %q", first)
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false, fmt.Errorf("malformed Content-Range end %q", last)
	}
	return start, end, true, nil
}

// parseRange converts a single "bytes=" Range header into a ByteRange for an
// object of the given size. Multiple ranges are not supported.
func parseRange(header string, size int64) (*storage.ByteRange, error) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: unsupported range %q", storage.ErrInvalidRange, header)
	}

	first, last, found := strings.Cut(spec, "-")
	if !found {
		return nil, fmt.Errorf("%w: malformed range %q", storage.ErrInvalidRange, header)
	}

	if first == "" {
		// Suffix range: the final n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: malformed range %q", storage.ErrInvalidRange, header)
		}
		if n > size {
			n = size
		}
		return &storage.ByteRange{Offset: size - n, Length: n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, fmt.Errorf("%w: range %q for size %d", storage.ErrInvalidRange, header, size)
	}
	if last == "" {
		return &storage.ByteRange{Offset: start, Length: -1}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, fmt.Errorf("%w: malformed range %q", storage.ErrInvalidRange, header)
	}
	if end >= size {
		end = size - 1
	}
	return &storage.ByteRange{Offset: start, Length: end - start + 1}, nil
}

// uploadRange is the Range header value reporting offset bytes received
func uploadRange(offset int64) string {
	if offset <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", offset-1)
}
