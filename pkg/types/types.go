package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// BlobRecord indexes a committed blob. Rows are informational; the storage
// backend stays the source of truth for existence.
type BlobRecord struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey"`
	Digest       string    `json:"digest" gorm:"uniqueIndex;not null"`
	Algorithm    string    `json:"algorithm" gorm:"not null"`
	Size         int64     `json:"size"`
	Commits      int64     `json:"commits" gorm:"default:1"`
	Deduplicated int64     `json:"deduplicated" gorm:"default:0"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the blob record ID
func (b *BlobRecord) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Manifest event actions
const (
	ManifestActionPush   = "push"
	ManifestActionDelete = "delete"
)

// ManifestEvent records a manifest push or delete in a repository
type ManifestEvent struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey"`
	Repository string    `json:"repository" gorm:"not null;index:idx_manifest_ref"`
	Reference  string    `json:"reference" gorm:"not null;index:idx_manifest_ref"`
	Action     string    `json:"action" gorm:"not null"`
	Digest     string    `json:"digest" gorm:"index"`
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	Blobs      []string  `json:"blobs" gorm:"serializer:json"`
	Details    JSONMap   `json:"details" gorm:"serializer:json"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the manifest event ID
func (m *ManifestEvent) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
