package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/storage"
)

const testRepo = "library/alpine"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, backend storage.Backend, cfg Config) (*Manager, *blob.Store) {
	t.Helper()
	blobs := blob.NewStore(backend)
	m, err := NewManager(backend, blobs, cfg)
	require.NoError(t, err)
	return m, blobs
}

func sha(t *testing.T, content string) digest.Digest {
	t.Helper()
	d, err := digest.FromBytes(digest.SHA256, []byte(content))
	require.NoError(t, err)
	return d
}

func uploadAll(t *testing.T, m *Manager, repo string, chunks ...string) Status {
	t.Helper()
	ctx := context.Background()

	st, err := m.Start(ctx, repo)
	require.NoError(t, err)

	var offset int64
	for _, chunk := range chunks {
		st, err = m.Patch(ctx, repo, st.ID, offset, strings.NewReader(chunk))
		require.NoError(t, err)
		offset += int64(len(chunk))
	}
	return st
}

func TestNewManager_RejectsUnknownAlgorithm(t *testing.T) {
	mem := storage.NewMemoryStorage()
	_, err := NewManager(mem, blob.NewStore(mem), Config{Algorithm: "md5"})
	assert.ErrorIs(t, err, digest.ErrUnsupportedAlgorithm)
}

func TestManager_RoundTrip(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.Backend{
		"memory": func(t *testing.T) storage.Backend { return storage.NewMemoryStorage() },
		"memory without append": func(t *testing.T) storage.Backend {
			return storage.NewMemoryStorage(storage.WithoutAppend())
		},
		"memory without range": func(t *testing.T) storage.Backend {
			return storage.NewMemoryStorage(storage.WithoutAppend(), storage.WithoutRange())
		},
		"local": func(t *testing.T) storage.Backend {
			ls, err := storage.NewLocalStorage(t.TempDir())
			require.NoError(t, err)
			return ls
		},
	}

	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			backend := newBackend(t)
			m, blobs := newTestManager(t, backend, Config{})

			st, err := m.Start(ctx, testRepo)
			require.NoError(t, err)
			assert.Equal(t, StateInitiated, st.State)
			assert.Equal(t, int64(0), st.Offset)
			assert.NotEmpty(t, st.ID)

			st, err = m.Patch(ctx, testRepo, st.ID, 0, strings.NewReader("hello "))
			require.NoError(t, err)
			assert.Equal(t, int64(6), st.Offset)
			assert.Equal(t, StatePatching, st.State)

			st, err = m.Patch(ctx, testRepo, st.ID, 6, strings.NewReader("world"))
			require.NoError(t, err)
			assert.Equal(t, int64(11), st.Offset)

			status, err := m.Status(ctx, testRepo, st.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(11), status.Offset)

			d := sha(t, "hello world")
			desc, err := m.Finalize(ctx, testRepo, st.ID, d)
			require.NoError(t, err)
			assert.Equal(t, blob.Descriptor{Digest: d, Size: 11}, desc)

			rc, err := blobs.Open(ctx, d, nil)
			require.NoError(t, err)
			data := new(bytes.Buffer)
			_, err = data.ReadFrom(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, "hello world", data.String())

			exists, err := backend.Exists(ctx, StagingKey(testRepo, st.ID))
			require.NoError(t, err)
			assert.False(t, exists, "staged object is consumed by commit")

			status, err = m.Status(ctx, testRepo, st.ID)
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, status.State)
			assert.Equal(t, d, status.Digest)
		})
	}
}

func TestManager_EmptyBlob(t *testing.T) {
	ctx := context.Background()
	m, blobs := newTestManager(t, storage.NewMemoryStorage(), Config{})

	st, err := m.Start(ctx, testRepo)
	require.NoError(t, err)

	d := sha(t, "")
	desc, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.NoError(t, err)
	assert.Equal(t, int64(0), desc.Size)

	has, err := blobs.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestManager_StartValidatesRepository(t *testing.T) {
	m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{})
	_, err := m.Start(context.Background(), "Not/Valid")
	assert.Error(t, err)
}

func TestManager_UnknownSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{})

	_, err := m.Status(ctx, testRepo, "missing")
	assert.ErrorIs(t, err, ErrUploadUnknown)

	_, err = m.Patch(ctx, testRepo, "missing", 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadUnknown)

	assert.ErrorIs(t, m.Cancel(ctx, testRepo, "missing"), ErrUploadUnknown)

	st, err := m.Start(ctx, testRepo)
	require.NoError(t, err)
	_, err = m.Status(ctx, "library/other", st.ID)
	assert.ErrorIs(t, err, ErrUploadUnknown, "session ids are scoped to their repository")
}

func TestManager_RangeMismatch(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, _ := newTestManager(t, mem, Config{})

	st := uploadAll(t, m, testRepo, "abcd")

	_, err := m.Patch(ctx, testRepo, st.ID, 2, strings.NewReader("zz"))
	require.ErrorIs(t, err, ErrRangeMismatch)

	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, int64(4), rangeErr.Expected)
	assert.Equal(t, int64(2), rangeErr.Got)

	status, err := m.Status(ctx, testRepo, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), status.Offset, "offset unchanged after a rejected chunk")

	info, err := mem.Stat(ctx, StagingKey(testRepo, st.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)

	_, err = m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("ef"))
	require.NoError(t, err)
	desc, err := m.Finalize(ctx, testRepo, st.ID, sha(t, "abcdef"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), desc.Size)
}

func TestManager_DigestMismatch(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, blobs := newTestManager(t, mem, Config{})

	st := uploadAll(t, m, testRepo, "actual content")
	wrong := sha(t, "claimed content")

	_, err := m.Finalize(ctx, testRepo, st.ID, wrong)
	require.ErrorIs(t, err, ErrDigestMismatch)

	var digestErr *DigestError
	require.True(t, errors.As(err, &digestErr))
	assert.Equal(t, wrong, digestErr.Expected)
	assert.Equal(t, sha(t, "actual content"), digestErr.Actual)

	for _, d := range []digest.Digest{wrong, digestErr.Actual} {
		has, err := blobs.Has(ctx, d)
		require.NoError(t, err)
		assert.False(t, has)
	}
	assert.Empty(t, mem.Keys(), "staged bytes are discarded")

	_, err = m.Status(ctx, testRepo, st.ID)
	assert.ErrorIs(t, err, ErrUploadUnknown)

	_, err = m.Patch(ctx, testRepo, st.ID, 14, strings.NewReader("more"))
	assert.ErrorIs(t, err, ErrUploadUnknown)
}

func TestManager_FinalizeMalformedDigestKeepsSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{})

	st := uploadAll(t, m, testRepo, "data")

	_, err := m.Finalize(ctx, testRepo, st.ID, digest.Digest("sha256:xyz"))
	assert.ErrorIs(t, err, digest.ErrInvalidDigest)

	status, err := m.Status(ctx, testRepo, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePatching, status.State)
}

func TestManager_FinalizeWithOtherAlgorithm(t *testing.T) {
	ctx := context.Background()
	m, blobs := newTestManager(t, storage.NewMemoryStorage(), Config{Algorithm: digest.SHA256})

	st := uploadAll(t, m, testRepo, "multi", "-", "algorithm")

	d, err := digest.FromBytes(digest.SHA512, []byte("multi-algorithm"))
	require.NoError(t, err)

	desc, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.NoError(t, err)
	assert.Equal(t, d, desc.Digest)

	has, err := blobs.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestManager_Deduplication(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, _ := newTestManager(t, mem, Config{})

	d := sha(t, "shared layer")

	first := uploadAll(t, m, "team/a", "shared ", "layer")
	second := uploadAll(t, m, "team/b", "shared layer")

	_, err := m.Finalize(ctx, "team/a", first.ID, d)
	require.NoError(t, err)
	desc, err := m.Finalize(ctx, "team/b", second.ID, d)
	require.NoError(t, err)
	assert.Equal(t, int64(12), desc.Size)

	assert.Equal(t, []string{blob.Key(d)}, mem.Keys())
}

func TestManager_FinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{})

	st := uploadAll(t, m, testRepo, "once")
	d := sha(t, "once")

	first, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.NoError(t, err)

	again, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = m.Finalize(ctx, testRepo, st.ID, sha(t, "twice"))
	assert.ErrorIs(t, err, ErrDigestMismatch)

	_, err = m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadUnknown)
}

func TestManager_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("discards staged bytes", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		m, _ := newTestManager(t, mem, Config{})

		st := uploadAll(t, m, testRepo, "discard me")
		require.NoError(t, m.Cancel(ctx, testRepo, st.ID))
		assert.Empty(t, mem.Keys())

		_, err := m.Status(ctx, testRepo, st.ID)
		assert.ErrorIs(t, err, ErrUploadUnknown)

		assert.NoError(t, m.Cancel(ctx, testRepo, st.ID), "cancel is idempotent")
	})

	t.Run("after completion is a no-op", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		m, blobs := newTestManager(t, mem, Config{})

		st := uploadAll(t, m, testRepo, "keep me")
		d := sha(t, "keep me")
		_, err := m.Finalize(ctx, testRepo, st.ID, d)
		require.NoError(t, err)

		require.NoError(t, m.Cancel(ctx, testRepo, st.ID))

		has, err := blobs.Has(ctx, d)
		require.NoError(t, err)
		assert.True(t, has)

		status, err := m.Status(ctx, testRepo, st.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, status.State)
	})

	t.Run("delete failure leaves session open", func(t *testing.T) {
		mem := storage.NewMemoryStorage()
		m, _ := newTestManager(t, mem, Config{})

		st := uploadAll(t, m, testRepo, "sticky")
		mem.FailNext("delete", errors.New("disk gone"))

		err := m.Cancel(ctx, testRepo, st.ID)
		assert.ErrorIs(t, err, storage.ErrIOFailure)

		status, err := m.Status(ctx, testRepo, st.ID)
		require.NoError(t, err)
		assert.Equal(t, StatePatching, status.State)

		require.NoError(t, m.Cancel(ctx, testRepo, st.ID))
	})
}

func TestManager_FailedAppendIsRecovered(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, _ := newTestManager(t, mem, Config{})

	st := uploadAll(t, m, testRepo, "first,")

	mem.FailNext("append", errors.New("connection reset"))
	_, err := m.Patch(ctx, testRepo, st.ID, 6, strings.NewReader("lost"))
	require.ErrorIs(t, err, storage.ErrIOFailure)

	status, err := m.Status(ctx, testRepo, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), status.Offset, "offset only advances on success")

	_, err = m.Patch(ctx, testRepo, st.ID, 6, strings.NewReader("second"))
	require.NoError(t, err)

	desc, err := m.Finalize(ctx, testRepo, st.ID, sha(t, "first,second"))
	require.NoError(t, err, "digest state is rebuilt from the staged bytes")
	assert.Equal(t, int64(12), desc.Size)
}

func TestManager_StagedBytesBeyondOffsetAreTrimmed(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, _ := newTestManager(t, mem, Config{MaxChunkSize: 4})

	st := uploadAll(t, m, testRepo, "good")

	// A partially applied chunk leaves extra bytes in the staged object
	_, err := m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("too long"))
	require.ErrorIs(t, err, ErrSizeInvalid)
	_, err = mem.Append(ctx, StagingKey(testRepo, st.ID), strings.NewReader("junk"))
	require.NoError(t, err)

	_, err = m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("!"))
	require.NoError(t, err)

	info, err := mem.Stat(ctx, StagingKey(testRepo, st.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	_, err = m.Finalize(ctx, testRepo, st.ID, sha(t, "good!"))
	require.NoError(t, err)
}

func TestManager_LostStagedObjectCancelsSession(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, _ := newTestManager(t, mem, Config{})

	st := uploadAll(t, m, testRepo, "vanishing")

	mem.FailNext("append", errors.New("timeout"))
	_, err := m.Patch(ctx, testRepo, st.ID, 9, strings.NewReader("x"))
	require.Error(t, err)

	require.NoError(t, mem.Delete(ctx, StagingKey(testRepo, st.ID)))

	_, err = m.Patch(ctx, testRepo, st.ID, 9, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadUnknown)
}

func TestManager_CommitFailureKeepsSession(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, blobs := newTestManager(t, mem, Config{})

	st := uploadAll(t, m, testRepo, "retry me")
	d := sha(t, "retry me")

	mem.FailNext("commit", errors.New("throttled"))
	_, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.ErrorIs(t, err, storage.ErrIOFailure)

	status, err := m.Status(ctx, testRepo, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePatching, status.State)
	assert.Equal(t, int64(8), status.Offset)

	has, err := blobs.Has(ctx, d)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = m.Finalize(ctx, testRepo, st.ID, d)
	require.NoError(t, err)
}

func TestManager_CommitStatFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, blobs := newTestManager(t, mem, Config{})

	st := uploadAll(t, m, testRepo, "retry me")
	d := sha(t, "retry me")

	mem.FailNext("stat", errors.New("throttled"))
	_, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.ErrorIs(t, err, storage.ErrIOFailure)

	status, err := m.Status(ctx, testRepo, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePatching, status.State)
	assert.Equal(t, []string{StagingKey(testRepo, st.ID)}, mem.Keys(), "staged bytes are untouched")

	desc, err := m.Finalize(ctx, testRepo, st.ID, d)
	require.NoError(t, err)
	assert.Equal(t, int64(8), desc.Size)

	has, err := blobs.Has(ctx, d)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestManager_SizeLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("chunk limit", func(t *testing.T) {
		m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{MaxChunkSize: 4})
		st, err := m.Start(ctx, testRepo)
		require.NoError(t, err)

		st, err = m.Patch(ctx, testRepo, st.ID, 0, strings.NewReader("1234"))
		require.NoError(t, err, "a chunk exactly at the limit is accepted")

		_, err = m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("12345"))
		assert.ErrorIs(t, err, ErrSizeInvalid)

		status, err := m.Status(ctx, testRepo, st.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), status.Offset)
	})

	t.Run("blob limit", func(t *testing.T) {
		m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{MaxBlobSize: 6})
		st := uploadAll(t, m, testRepo, "1234")

		_, err := m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("567"))
		assert.ErrorIs(t, err, ErrSizeInvalid)

		_, err = m.Patch(ctx, testRepo, st.ID, 4, strings.NewReader("56"))
		assert.NoError(t, err)
	})
}

func TestManager_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, blobs := newTestManager(t, mem, Config{})

	const sessions = 8
	var wg sync.WaitGroup
	errs := make([]error, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("layer-%d-content", i)

			st, err := m.Start(ctx, testRepo)
			if err != nil {
				errs[i] = err
				return
			}
			var offset int64
			for _, part := range []string{content[:5], content[5:]} {
				if _, err := m.Patch(ctx, testRepo, st.ID, offset, strings.NewReader(part)); err != nil {
					errs[i] = err
					return
				}
				offset += int64(len(part))
			}
			d, _ := digest.FromBytes(digest.SHA256, []byte(content))
			_, errs[i] = m.Finalize(ctx, testRepo, st.ID, d)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "session %d", i)
		has, err := blobs.Has(ctx, sha(t, fmt.Sprintf("layer-%d-content", i)))
		require.NoError(t, err)
		assert.True(t, has)
	}
}

func TestManager_ConcurrentPatchesOnOneSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{})

	st, err := m.Start(ctx, testRepo)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Patch(ctx, testRepo, st.ID, 0, strings.NewReader("chunk"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrRangeMismatch)
	}
	assert.Equal(t, 1, succeeded, "exactly one writer wins offset 0")

	status, err := m.Status(ctx, testRepo, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), status.Offset)
}

func TestManager_Sweep(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cfg := Config{SessionTimeout: time.Hour, TerminalRetention: 10 * time.Minute}
	m, _ := newTestManager(t, mem, cfg)

	clock := &fakeClock{now: time.Now()}
	m.now = clock.Now

	idle := uploadAll(t, m, testRepo, "idle")
	done := uploadAll(t, m, testRepo, "done")
	_, err := m.Finalize(ctx, testRepo, done.ID, sha(t, "done"))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	active := uploadAll(t, m, testRepo, "active")

	res, err := m.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Discarded: 1}, res, "completed session past retention is forgotten")

	_, err = m.Status(ctx, testRepo, done.ID)
	assert.ErrorIs(t, err, ErrUploadUnknown)

	clock.Advance(31 * time.Minute)
	res, err = m.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	_, err = m.Status(ctx, testRepo, idle.ID)
	assert.ErrorIs(t, err, ErrUploadUnknown)
	exists, err := mem.Exists(ctx, StagingKey(testRepo, idle.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	status, err := m.Status(ctx, testRepo, active.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), status.Offset, "recently active session survives")
}

func TestManager_SweepRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	m, _ := newTestManager(t, mem, Config{SessionTimeout: time.Hour})

	orphan := StagingKey(testRepo, "left-behind")
	_, err := mem.Write(ctx, orphan, strings.NewReader("stale bytes"))
	require.NoError(t, err)

	live := uploadAll(t, m, testRepo, "live")

	res, err := m.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Orphans, "recent orphans are kept")

	later := time.Now().Add(2 * time.Hour)
	s, err := m.lookup(testRepo, live.ID)
	require.NoError(t, err)
	s.mu.Lock()
	s.lastActivity = later
	s.mu.Unlock()

	res, err = m.Sweep(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphans)

	exists, err := mem.Exists(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = mem.Exists(ctx, StagingKey(testRepo, live.ID))
	require.NoError(t, err)
	assert.True(t, exists, "staged objects of live sessions are untouched")
}

func TestManager_RunSweeperStopsOnCancel(t *testing.T) {
	m, _ := newTestManager(t, storage.NewMemoryStorage(), Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "initiated", StateInitiated.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.True(t, StateCompleted.Terminal())
	assert.False(t, StatePatching.Terminal())
}
