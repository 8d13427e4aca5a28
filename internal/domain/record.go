// Package domain record.go contains the persisted record shapes.
package domain

import "time"

// SecureRecord is one stored section. Payload is the output of the codec
// pipeline's encode step and is not self-describing.
type SecureRecord struct {
	Key       string
	Payload   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SecurityMetadata is the per-section audit row. It is never required for a
// successful decode and may be stale.
type SecurityMetadata struct {
	TableName          string          `json:"table_name"`
	EncryptionEnabled  bool            `json:"encryption_enabled"`
	CompressionEnabled bool            `json:"compression_enabled"`
	CompressionType    CompressionType `json:"compression_type"`
	Checksum           string          `json:"checksum"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// MetadataTablePrefix prefixes section keys in the security_metadata table.
const MetadataTablePrefix = "app_data_"

// MetadataName returns the security_metadata table_name for a section key.
func MetadataName(section string) string { return MetadataTablePrefix + section }

// Well-known sections written by the surrounding application.
const (
	SectionHandovers        = "handovers"
	SectionRequirements     = "requirements"
	SectionIssues           = "issues"
	SectionTestSuites       = "test_suites"
	SectionRecentActivities = "recent_activities"
	SectionThemeMode        = "theme_mode"
)

// EmptySections returns the explicit empty value for every well-known section.
func EmptySections() map[string]any {
	return map[string]any{
		SectionHandovers:        []any{},
		SectionRequirements:     []any{},
		SectionIssues:           []any{},
		SectionTestSuites:       []any{},
		SectionRecentActivities: []any{},
		SectionThemeMode:        "light",
	}
}

// EmptyLike returns the empty value of the same JSON kind as v.
func EmptyLike(v any) any {
	switch v.(type) {
	case []any:
		return []any{}
	case map[string]any:
		return map[string]any{}
	case string:
		return ""
	default:
		return nil
	}
}
