package upload

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
)

// State is the lifecycle position of an upload session
type State int

const (
	StateInitiated State = iota
	StatePatching
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StatePatching:
		return "patching"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further mutation is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

var (
	ErrUploadUnknown  = errors.New("blob upload unknown to registry")
	ErrRangeMismatch  = errors.New("upload chunk is not contiguous with the staged content")
	ErrDigestMismatch = errors.New("provided digest did not match uploaded content")
	ErrSizeInvalid    = errors.New("upload exceeds the configured size limit")
)

// RangeError reports a chunk that did not start at the current offset.
// Clients resynchronise with Status and retry from Expected.
type RangeError struct {
	Expected int64
	Got      int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v: chunk starts at %d, expected %d", ErrRangeMismatch, e.Got, e.Expected)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrRangeMismatch
}

// DigestError carries both sides of a failed verification
type DigestError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("%v: expected %s, computed %s", ErrDigestMismatch, e.Expected, e.Actual)
}

func (e *DigestError) Is(target error) bool {
	return target == ErrDigestMismatch
}

// Status is a point-in-time copy of a session
type Status struct {
	ID           string
	Repository   string
	Offset       int64
	State        State
	StartedAt    time.Time
	LastActivity time.Time
	Digest       digest.Digest
}

// Config tunes the session manager
type Config struct {
	Algorithm         digest.Algorithm
	SessionTimeout    time.Duration
	TerminalRetention time.Duration
	MaxChunkSize      int64 // 0 means unlimited
	MaxBlobSize       int64 // 0 means unlimited
}

// SweepResult summarises one expiry pass
type SweepResult struct {
	Expired   int
	Discarded int
	Orphans   int
}

// session is the mutable record behind a session id. Every field except the
// immutable identity is guarded by mu, which is held across backend I/O.
type session struct {
	mu sync.Mutex

	id         string
	repository string
	stagingKey string

	offset       int64
	acc          *digest.Accumulator
	stale        bool
	state        State
	startedAt    time.Time
	lastActivity time.Time
	finishedAt   time.Time
	committed    blob.Descriptor
}

func (s *session) status() Status {
	return Status{
		ID:           s.id,
		Repository:   s.repository,
		Offset:       s.offset,
		State:        s.state,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		Digest:       s.committed.Digest,
	}
}
