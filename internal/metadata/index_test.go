package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/manifest"
	"github.com/lgulliver/keystone/pkg/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A single connection keeps every query on the same in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&types.BlobRecord{}, &types.ManifestEvent{}))
	return db
}

func testDigest(t *testing.T, content string) digest.Digest {
	d, err := digest.FromBytes(digest.SHA256, []byte(content))
	require.NoError(t, err)
	return d
}

func TestIndex_BlobCommitted(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(setupTestDB(t))

	d := testDigest(t, "layer")
	idx.BlobCommitted(ctx, blob.Descriptor{Digest: d, Size: 5}, false)
	idx.BlobCommitted(ctx, blob.Descriptor{Digest: d, Size: 5}, true)
	idx.BlobCommitted(ctx, blob.Descriptor{Digest: d, Size: 5}, true)

	record, err := idx.Blob(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "sha256", record.Algorithm)
	assert.Equal(t, int64(5), record.Size)
	assert.Equal(t, int64(3), record.Commits)
	assert.Equal(t, int64(2), record.Deduplicated)

	_, err = idx.Blob(ctx, testDigest(t, "never"))
	assert.Error(t, err)
}

func TestIndex_ManifestEvents(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(setupTestDB(t))

	layer := testDigest(t, "layer")
	m := &manifest.Manifest{
		Repository: "library/alpine",
		Reference:  "latest",
		Digest:     testDigest(t, "manifest"),
		MediaType:  "application/vnd.oci.image.manifest.v1+json",
		Content:    []byte("manifest"),
		Blobs:      []digest.Digest{layer},
		Subject:    testDigest(t, "subject"),
	}
	idx.ManifestPushed(ctx, m)
	idx.ManifestDeleted(ctx, "library/alpine", "latest")
	idx.ManifestPushed(ctx, &manifest.Manifest{Repository: "library/busybox", Reference: "1.36", Digest: testDigest(t, "other")})

	events, err := idx.History(ctx, HistoryQuery{Repository: "library/alpine", Reference: "latest"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	actions := []string{events[0].Action, events[1].Action}
	assert.ElementsMatch(t, []string{types.ManifestActionPush, types.ManifestActionDelete}, actions)

	for _, e := range events {
		if e.Action == types.ManifestActionPush {
			assert.Equal(t, []string{layer.String()}, e.Blobs)
			assert.Equal(t, int64(8), e.Size)
			assert.Equal(t, m.Subject.String(), e.Details["subject"])
		}
	}

	limited, err := idx.History(ctx, HistoryQuery{Repository: "library/alpine", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestIndex_Stats(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex(setupTestDB(t))

	stats, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)

	idx.BlobCommitted(ctx, blob.Descriptor{Digest: testDigest(t, "a"), Size: 10}, false)
	idx.BlobCommitted(ctx, blob.Descriptor{Digest: testDigest(t, "b"), Size: 20}, false)
	idx.BlobCommitted(ctx, blob.Descriptor{Digest: testDigest(t, "b"), Size: 20}, true)
	idx.ManifestPushed(ctx, &manifest.Manifest{Repository: "team/a", Reference: "v1", Digest: testDigest(t, "m1")})
	idx.ManifestPushed(ctx, &manifest.Manifest{Repository: "team/b", Reference: "v1", Digest: testDigest(t, "m2")})
	idx.ManifestDeleted(ctx, "team/b", "v1")

	stats, err = idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{
		Blobs:          2,
		TotalSize:      30,
		Commits:        3,
		Deduplicated:   1,
		ManifestPushes: 2,
		Repositories:   2,
	}, stats)
}

func TestIndex_FailuresAreNotFatal(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	idx := NewIndex(db)

	// Tables were never migrated
	assert.NotPanics(t, func() {
		idx.BlobCommitted(context.Background(), blob.Descriptor{Digest: testDigest(t, "x"), Size: 1}, false)
		idx.ManifestDeleted(context.Background(), "library/alpine", "latest")
	})
}
