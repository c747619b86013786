// Package upload runs the chunked, resumable blob upload state machine.
// Bytes are staged on the storage backend, hashed as they arrive and moved
// into the blob store only after the digest checks out.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/storage"
	"github.com/lgulliver/keystone/pkg/utils"
)

const stagingPrefix = "uploads/"

// Manager tracks upload sessions. The session map lock is only held for
// lookups and inserts; all per-session work runs under the session's own
// mutex so unrelated uploads never contend.
type Manager struct {
	backend storage.Backend
	blobs   *blob.Store
	cfg     Config
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates a session manager staging into backend and committing
// into blobs
func NewManager(backend storage.Backend, blobs *blob.Store, cfg Config) (*Manager, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = digest.Canonical
	}
	if !cfg.Algorithm.Available() {
		return nil, fmt.Errorf("%w: %s", digest.ErrUnsupportedAlgorithm, cfg.Algorithm)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 24 * time.Hour
	}

	return &Manager{
		backend:  backend,
		blobs:    blobs,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
	}, nil
}

// StagingKey is where a session's bytes live until commit
func StagingKey(repository, id string) string {
	return path.Join("uploads", repository, id, "data")
}

// Start opens a new session with an empty staged object
func (m *Manager) Start(ctx context.Context, repository string) (Status, error) {
	if err := utils.ValidateRepositoryName(repository); err != nil {
		return Status{}, err
	}

	acc, err := digest.Start(m.cfg.Algorithm)
	if err != nil {
		return Status{}, err
	}

	id := uuid.New().String()
	key := StagingKey(repository, id)

	if _, err := m.backend.Write(ctx, key, bytes.NewReader(nil)); err != nil {
		log.Error().Err(err).Str("repository", repository).Msg("failed to create staged upload")
		return Status{}, fmt.Errorf("failed to create staged upload: %w", err)
	}

	now := m.now()
	s := &session{
		id:           id,
		repository:   repository,
		stagingKey:   key,
		acc:          acc,
		state:        StateInitiated,
		startedAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Info().
		Str("session_id", id).
		Str("repository", repository).
		Str("algorithm", acc.Algorithm().String()).
		Msg("started blob upload session")

	return s.status(), nil
}

func (m *Manager) lookup(repository, id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.repository != repository {
		return nil, fmt.Errorf("%w: %s", ErrUploadUnknown, id)
	}
	return s, nil
}

// Patch appends a chunk that must start exactly at the session's current
// offset. The offset only advances once the backend has accepted the bytes.
func (m *Manager) Patch(ctx context.Context, repository, id string, rangeStart int64, chunk io.Reader) (Status, error) {
	s, err := m.lookup(repository, id)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return Status{}, fmt.Errorf("%w: %s is %s", ErrUploadUnknown, id, s.state)
	}
	if rangeStart != s.offset {
		return Status{}, &RangeError{Expected: s.offset, Got: rangeStart}
	}
	if s.stale {
		if err := m.resync(ctx, s); err != nil {
			return Status{}, err
		}
	}

	limit := m.chunkLimit(s.offset)
	if limit >= 0 {
		chunk = &limitReader{r: chunk, remaining: limit}
	}

	before := s.acc.Size()
	n, err := m.stage(ctx, s, io.TeeReader(chunk, s.acc))
	if err != nil {
		// The accumulator may have seen bytes the backend rejected
		s.stale = true
		log.Error().
			Err(err).
			Str("session_id", id).
			Str("repository", repository).
			Int64("offset", s.offset).
			Msg("failed to stage upload chunk")
		return Status{}, fmt.Errorf("failed to stage chunk: %w", err)
	}
	if s.acc.Size()-before != n {
		s.stale = true
	}

	s.offset += n
	s.state = StatePatching
	s.lastActivity = m.now()

	log.Debug().
		Str("session_id", id).
		Int64("chunk_size", n).
		Int64("offset", s.offset).
		Msg("appended chunk to upload session")

	return s.status(), nil
}

// chunkLimit returns how many bytes the next chunk may carry, or -1
func (m *Manager) chunkLimit(offset int64) int64 {
	limit := int64(-1)
	if m.cfg.MaxChunkSize > 0 {
		limit = m.cfg.MaxChunkSize
	}
	if m.cfg.MaxBlobSize > 0 {
		remaining := m.cfg.MaxBlobSize - offset
		if remaining < 0 {
			remaining = 0
		}
		if limit < 0 || remaining < limit {
			limit = remaining
		}
	}
	return limit
}

// stage writes a chunk behind the staged object. Backends without append get
// a read-modify-write of the whole object.
func (m *Manager) stage(ctx context.Context, s *session, chunk io.Reader) (int64, error) {
	if m.backend.Capabilities().Append {
		n, err := m.backend.Append(ctx, s.stagingKey, chunk)
		if !errors.Is(err, storage.ErrUnsupported) {
			return n, err
		}
	}

	existing, err := storage.ReadRange(ctx, m.backend, s.stagingKey, &storage.ByteRange{Offset: 0, Length: s.offset})
	if err != nil {
		return 0, err
	}
	defer existing.Close()

	total, err := m.backend.Write(ctx, s.stagingKey, io.MultiReader(existing, chunk))
	if err != nil {
		return 0, err
	}
	return total - s.offset, nil
}

// resync brings a session back in line with its staged object after a
// failed write: the object is trimmed to the acknowledged offset and the
// accumulator is rebuilt from it.
func (m *Manager) resync(ctx context.Context, s *session) error {
	info, err := m.backend.Stat(ctx, s.stagingKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil || info.Size < s.offset {
		m.abandon(ctx, s)
		return fmt.Errorf("%w: staged content for %s was lost", ErrUploadUnknown, s.id)
	}

	if info.Size > s.offset {
		log.Warn().
			Str("session_id", s.id).
			Int64("staged_size", info.Size).
			Int64("offset", s.offset).
			Msg("trimming staged upload to acknowledged offset")

		prefix, err := storage.ReadRange(ctx, m.backend, s.stagingKey, &storage.ByteRange{Offset: 0, Length: s.offset})
		if err != nil {
			return err
		}
		_, err = m.backend.Write(ctx, s.stagingKey, prefix)
		prefix.Close()
		if err != nil {
			return err
		}
	}

	acc, err := digest.Start(s.acc.Algorithm())
	if err != nil {
		return err
	}
	if err := m.hashStaged(ctx, s, acc); err != nil {
		return err
	}

	s.acc = acc
	s.stale = false
	log.Info().Str("session_id", s.id).Int64("offset", s.offset).Msg("rebuilt upload digest state")
	return nil
}

// hashStaged feeds the acknowledged staged bytes into acc
func (m *Manager) hashStaged(ctx context.Context, s *session, acc *digest.Accumulator) error {
	if s.offset == 0 {
		return nil
	}
	rc, err := storage.ReadRange(ctx, m.backend, s.stagingKey, &storage.ByteRange{Offset: 0, Length: s.offset})
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := io.Copy(acc, rc); err != nil {
		return fmt.Errorf("failed to read staged upload: %w", err)
	}
	if acc.Size() != s.offset {
		return fmt.Errorf("staged upload has %d bytes, expected %d", acc.Size(), s.offset)
	}
	return nil
}

// Status returns the session's current offset without changing it
func (m *Manager) Status(ctx context.Context, repository, id string) (Status, error) {
	s, err := m.lookup(repository, id)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCancelled {
		return Status{}, fmt.Errorf("%w: %s is %s", ErrUploadUnknown, id, s.state)
	}
	return s.status(), nil
}

// Finalize verifies the staged content against expected and commits it to
// the blob store. A mismatch cancels the session. A commit failure leaves the
// session open so the client can retry.
func (m *Manager) Finalize(ctx context.Context, repository, id string, expected digest.Digest) (blob.Descriptor, error) {
	if _, err := digest.Parse(expected.String()); err != nil {
		return blob.Descriptor{}, err
	}

	s, err := m.lookup(repository, id)
	if err != nil {
		return blob.Descriptor{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCompleted:
		if expected == s.committed.Digest {
			return s.committed, nil
		}
		return blob.Descriptor{}, &DigestError{Expected: expected, Actual: s.committed.Digest}
	case StateCancelled:
		return blob.Descriptor{}, fmt.Errorf("%w: %s is %s", ErrUploadUnknown, id, s.state)
	}

	if s.stale {
		if err := m.resync(ctx, s); err != nil {
			return blob.Descriptor{}, err
		}
	}

	actual, err := m.actualDigest(ctx, s, digest.AlgorithmOf(expected))
	if err != nil {
		return blob.Descriptor{}, err
	}

	if !digest.Verify(expected, actual) {
		m.abandon(ctx, s)
		log.Warn().
			Str("session_id", id).
			Str("repository", repository).
			Str("expected", expected.String()).
			Str("actual", actual.String()).
			Msg("upload digest mismatch, session cancelled")
		return blob.Descriptor{}, &DigestError{Expected: expected, Actual: actual}
	}

	desc, err := m.blobs.Commit(ctx, s.stagingKey, expected)
	if err != nil {
		s.lastActivity = m.now()
		return blob.Descriptor{}, fmt.Errorf("failed to commit blob: %w", err)
	}

	s.state = StateCompleted
	s.committed = desc
	s.finishedAt = m.now()
	s.lastActivity = s.finishedAt

	log.Info().
		Str("session_id", id).
		Str("repository", repository).
		Str("digest", desc.Digest.String()).
		Int64("size", desc.Size).
		Str("size_human", utils.FormatBytes(desc.Size)).
		Dur("duration", s.finishedAt.Sub(s.startedAt)).
		Msg("completed blob upload")

	return desc, nil
}

// actualDigest returns the digest of the staged bytes using alg. The running
// accumulator answers directly when it uses the same algorithm; otherwise the
// staged object is hashed again.
func (m *Manager) actualDigest(ctx context.Context, s *session, alg digest.Algorithm) (digest.Digest, error) {
	if alg == s.acc.Algorithm() {
		return s.acc.Finish(), nil
	}

	acc, err := digest.Start(alg)
	if err != nil {
		return "", err
	}
	if err := m.hashStaged(ctx, s, acc); err != nil {
		return "", err
	}
	return acc.Finish(), nil
}

// Cancel discards the session's staged bytes. Cancelling a finished session
// does nothing.
func (m *Manager) Cancel(ctx context.Context, repository, id string) error {
	s, err := m.lookup(repository, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		log.Debug().Str("session_id", id).Str("state", s.state.String()).Msg("cancel ignored for finished upload")
		return nil
	}

	if err := m.backend.Delete(ctx, s.stagingKey); err != nil {
		return fmt.Errorf("failed to delete staged upload: %w", err)
	}
	s.state = StateCancelled
	s.finishedAt = m.now()

	log.Info().
		Str("session_id", id).
		Str("repository", repository).
		Int64("offset", s.offset).
		Msg("cancelled blob upload session")

	return nil
}

// abandon cancels a session whose staged bytes are unusable. Callers hold
// s.mu.
func (m *Manager) abandon(ctx context.Context, s *session) {
	if err := m.backend.Delete(ctx, s.stagingKey); err != nil {
		log.Warn().Err(err).Str("session_id", s.id).Msg("failed to delete staged upload, leaving it for the sweeper")
	}
	s.state = StateCancelled
	s.finishedAt = m.now()
}

// limitReader fails once more than remaining bytes are read
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// Read one more byte to tell "exactly at the limit" from "over"
		var peek [1]byte
		n, err := l.r.Read(peek[:])
		if n > 0 {
			return 0, ErrSizeInvalid
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
