package metadata

// Stats summarises the index
type Stats struct {
	Blobs          int64 `json:"blobs"`
	TotalSize      int64 `json:"total_size"`
	Commits        int64 `json:"commits"`
	Deduplicated   int64 `json:"deduplicated"`
	ManifestPushes int64 `json:"manifest_pushes"`
	Repositories   int64 `json:"repositories"`
}

// HistoryQuery selects manifest events
type HistoryQuery struct {
	Repository string `json:"repository"`
	Reference  string `json:"reference"` // empty matches every reference
	Limit      int    `json:"limit"`
}
