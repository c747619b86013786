package utils

import (
	"errors"
	"fmt"
	"regexp"
)

const maxRepositoryNameLength = 255

var (
	ErrNameInvalid = errors.New("invalid repository name")
	ErrTagInvalid  = errors.New("invalid tag")

	repositoryNameRegex = regexp.MustCompile(`^[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:\.|_|__|-+)[a-z0-9]+)*)*$`)
	tagRegex            = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
)

// ValidateRepositoryName checks a hierarchical repository name such as
// "library/alpine"
func ValidateRepositoryName(name string) error {
	if name == "" || len(name) > maxRepositoryNameLength || !repositoryNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, name)
	}
	return nil
}

// ValidateTag checks a manifest tag
func ValidateTag(tag string) error {
	if !tagRegex.MatchString(tag) {
		return fmt.Errorf("%w: %q", ErrTagInvalid, tag)
	}
	return nil
}

// FormatBytes formats byte size in human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	suffixes := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), suffixes[exp+1])
}
