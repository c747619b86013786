package storage

import (
	"context"
	"fmt"
	"io"
)

// ByteRange selects Length bytes starting at Offset. A negative Length reads
// to the end of the object.
type ByteRange struct {
	Offset int64
	Length int64
}

// resolve clamps the range against an object of the given size and returns
// the absolute start and length.
func (r *ByteRange) resolve(size int64) (int64, int64, error) {
	if r.Offset < 0 || r.Offset > size || (r.Offset == size && size > 0) {
		return 0, 0, fmt.Errorf("%w: offset %d for size %d", ErrInvalidRange, r.Offset, size)
	}
	length := size - r.Offset
	if r.Length >= 0 && r.Length < length {
		length = r.Length
	}
	return r.Offset, length, nil
}

func (r *ByteRange) String() string {
	if r.Length < 0 {
		return fmt.Sprintf("%d-", r.Offset)
	}
	return fmt.Sprintf("%d-%d", r.Offset, r.Offset+r.Length-1)
}

// ReadRange reads rng from key, applying the range client side when the
// backend cannot.
func ReadRange(ctx context.Context, b Backend, key string, rng *ByteRange) (io.ReadCloser, error) {
	if rng == nil || b.Capabilities().Range {
		return b.Read(ctx, key, rng)
	}

	info, err := b.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	start, length, err := rng.resolve(info.Size)
	if err != nil {
		return nil, err
	}

	rc, err := b.Read(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, rc, start); err != nil {
		rc.Close()
		return nil, ioError("read", key, err)
	}
	return &limitedReadCloser{Reader: io.LimitReader(rc, length), Closer: rc}, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
