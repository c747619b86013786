// Package metadata keeps an informational database index of blob commits and
// manifest pushes. Nothing in the registry reads it back to decide whether
// content exists.
package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lgulliver/keystone/internal/blob"
	"github.com/lgulliver/keystone/internal/digest"
	"github.com/lgulliver/keystone/internal/manifest"
	"github.com/lgulliver/keystone/pkg/types"
)

const defaultHistoryLimit = 50

// Index records registry events in the metadata database
type Index struct {
	db *gorm.DB
}

// NewIndex creates a new metadata index
func NewIndex(db *gorm.DB) *Index {
	return &Index{db: db}
}

// BlobCommitted implements blob.Recorder. Failures are logged only; the blob
// is already durable.
func (idx *Index) BlobCommitted(ctx context.Context, desc blob.Descriptor, deduplicated bool) {
	dedup := int64(0)
	if deduplicated {
		dedup = 1
	}

	record := &types.BlobRecord{
		Digest:       desc.Digest.String(),
		Algorithm:    string(digest.AlgorithmOf(desc.Digest)),
		Size:         desc.Size,
		Commits:      1,
		Deduplicated: dedup,
	}

	err := idx.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "digest"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"commits":      gorm.Expr("blob_records.commits + ?", 1),
			"deduplicated": gorm.Expr("blob_records.deduplicated + ?", dedup),
			"updated_at":   gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(record).Error
	if err != nil {
		log.Error().
			Err(err).
			Str("digest", desc.Digest.String()).
			Msg("Failed to index blob commit")
	}
}

// ManifestPushed implements manifest.Recorder
func (idx *Index) ManifestPushed(ctx context.Context, m *manifest.Manifest) {
	blobs := make([]string, 0, len(m.Blobs))
	for _, d := range m.Blobs {
		blobs = append(blobs, d.String())
	}

	details := types.JSONMap{"children": len(m.Children)}
	if m.Subject != "" {
		details["subject"] = m.Subject.String()
	}

	event := &types.ManifestEvent{
		Repository: m.Repository,
		Reference:  m.Reference,
		Action:     types.ManifestActionPush,
		Digest:     m.Digest.String(),
		MediaType:  m.MediaType,
		Size:       m.Size(),
		Blobs:      blobs,
		Details:    details,
	}
	if err := idx.db.WithContext(ctx).Create(event).Error; err != nil {
		log.Error().
			Err(err).
			Str("repository", m.Repository).
			Str("reference", m.Reference).
			Msg("Failed to index manifest push")
	}
}

// ManifestDeleted implements manifest.Recorder
func (idx *Index) ManifestDeleted(ctx context.Context, repository, reference string) {
	event := &types.ManifestEvent{
		Repository: repository,
		Reference:  reference,
		Action:     types.ManifestActionDelete,
	}
	if digest.IsDigest(reference) {
		event.Digest = reference
	}
	if err := idx.db.WithContext(ctx).Create(event).Error; err != nil {
		log.Error().
			Err(err).
			Str("repository", repository).
			Str("reference", reference).
			Msg("Failed to index manifest delete")
	}
}

// History returns manifest events newest first
func (idx *Index) History(ctx context.Context, query HistoryQuery) ([]types.ManifestEvent, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	db := idx.db.WithContext(ctx).Where("repository = ?", query.Repository)
	if query.Reference != "" {
		db = db.Where("reference = ?", query.Reference)
	}

	var events []types.ManifestEvent
	if err := db.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to load manifest history: %w", err)
	}
	return events, nil
}

// Blob returns the index row for d
func (idx *Index) Blob(ctx context.Context, d digest.Digest) (*types.BlobRecord, error) {
	var record types.BlobRecord
	if err := idx.db.WithContext(ctx).Where("digest = ?", d.String()).First(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to load blob record: %w", err)
	}
	return &record, nil
}

// Stats aggregates counters across the whole index
func (idx *Index) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	db := idx.db.WithContext(ctx)

	var totals struct {
		Blobs        int64
		TotalSize    sql.NullInt64
		Commits      sql.NullInt64
		Deduplicated sql.NullInt64
	}
	if err := db.Model(&types.BlobRecord{}).
		Select("COUNT(*) AS blobs, SUM(size) AS total_size, SUM(commits) AS commits, SUM(deduplicated) AS deduplicated").
		Scan(&totals).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate blobs: %w", err)
	}
	stats.Blobs = totals.Blobs
	stats.TotalSize = totals.TotalSize.Int64
	stats.Commits = totals.Commits.Int64
	stats.Deduplicated = totals.Deduplicated.Int64

	if err := db.Model(&types.ManifestEvent{}).
		Where("action = ?", types.ManifestActionPush).
		Count(&stats.ManifestPushes).Error; err != nil {
		return nil, fmt.Errorf("failed to count manifest pushes: %w", err)
	}

	if err := db.Model(&types.ManifestEvent{}).
		Distinct("repository").
		Count(&stats.Repositories).Error; err != nil {
		return nil, fmt.Errorf("failed to count repositories: %w", err)
	}

	return stats, nil
}

var (
	_ blob.Recorder     = (*Index)(nil)
	_ manifest.Recorder = (*Index)(nil)
)
