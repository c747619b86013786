package common

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/pkg/config"
	"github.com/lgulliver/keystone/pkg/types"
)

func TestNewDatabase_SQLite(t *testing.T) {
	db, err := NewDatabase(&config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())

	record := &types.BlobRecord{Digest: "sha256:abc", Algorithm: "sha256", Size: 42}
	require.NoError(t, db.Create(record).Error)
	assert.NotEqual(t, "", record.ID.String())

	var loaded types.BlobRecord
	require.NoError(t, db.Where("digest = ?", "sha256:abc").First(&loaded).Error)
	assert.Equal(t, int64(42), loaded.Size)
	assert.Equal(t, int64(1), loaded.Commits)

	event := &types.ManifestEvent{
		Repository: "library/alpine",
		Reference:  "latest",
		Action:     types.ManifestActionPush,
		Blobs:      []string{"sha256:abc"},
		Details:    types.JSONMap{"children": 0},
	}
	require.NoError(t, db.Create(event).Error)

	var events []types.ManifestEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"sha256:abc"}, events[0].Blobs)
}

func TestNewDatabase_UnsupportedDriver(t *testing.T) {
	_, err := NewDatabase(&config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestJSONMap_Scan(t *testing.T) {
	var m types.JSONMap
	require.NoError(t, m.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), m["a"])

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)

	assert.Error(t, m.Scan(42))
}

func redisConfig(t *testing.T) *config.RedisConfig {
	t.Helper()
	addr := os.Getenv("KEYSTONE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KEYSTONE_TEST_REDIS_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &config.RedisConfig{Enabled: true, Host: host, Port: port}
}

func TestBlobCache_Redis(t *testing.T) {
	cfg := redisConfig(t)
	ctx := context.Background()

	cache, err := NewCache(cfg)
	require.NoError(t, err)
	defer cache.Close()

	blobs := NewBlobCache(cache, time.Minute)
	d, err := digest.FromBytes(digest.SHA256, []byte(time.Now().String()))
	require.NoError(t, err)

	has, err := blobs.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, has)

	_, ok, err := blobs.Size(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)

	err = cache.Get(ctx, blobCacheKey(d), new(int64))
	assert.True(t, errors.Is(err, ErrCacheMiss))

	require.NoError(t, blobs.Add(ctx, d, 1234))

	has, err = blobs.Contains(ctx, d)
	require.NoError(t, err)
	assert.True(t, has)

	size, ok, err := blobs.Size(ctx, d)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1234), size)

	require.NoError(t, blobs.Forget(ctx, d))
	has, err = blobs.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestNewCache_Unreachable(t *testing.T) {
	_, err := NewCache(&config.RedisConfig{Host: "127.0.0.1", Port: 1})
	assert.Error(t, err)
}
