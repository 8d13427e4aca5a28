// Package store defines internal persistence adapter ports used by the
// App Data Store. These ports isolate the concrete SQLite index and the
// filesystem artifact storage so they can be tested and evolved
// independently. Callers outside this package interact with the Store type
// built by New.
package store

import (
	"context"
	"io"
	"time"

	"github.com/haukened/securestore/internal/domain"
)

// Index abstracts the relational record and metadata tables (typically
// backed by SQLite). Every Write is a single transaction.
type Index interface {
	Write(ctx context.Context, b Batch) error
	ReadSections(ctx context.Context) ([]domain.SecureRecord, error)
	Metadata(ctx context.Context) ([]domain.SecurityMetadata, error)
	Stats(ctx context.Context) (IndexStats, error)
}

// SettingsIndex persists the active security configuration.
type SettingsIndex interface {
	// LoadSettings returns the persisted config; ok is false on first run.
	LoadSettings(ctx context.Context) (cfg domain.SecurityConfig, ok bool, err error)
	SaveSettings(ctx context.Context, cfg domain.SecurityConfig, now time.Time) error
	LastPasswordChange(ctx context.Context) (time.Time, bool, error)
}

// ArtifactStorage abstracts backup file persistence on the filesystem.
type ArtifactStorage interface {
	Write(name string, r io.Reader) (path string, err error)
	Open(name string) (io.ReadCloser, error)
	Delete(name string) error
	// List returns every artifact present in storage.
	List() ([]ArtifactInfo, error)
	// Path resolves a bare artifact name to its location.
	Path(name string) string
}

// ConfigSource yields the security configuration applied to new writes.
type ConfigSource interface {
	Current() domain.SecurityConfig
}

// Recorder receives counter and summary observations.
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Clock abstracts time for deterministic tests.
type Clock interface{ Now() time.Time }

// Batch is one atomic write: section records, their audit metadata and,
// optionally, the settings row.
type Batch struct {
	Records  []domain.SecureRecord
	Metadata []domain.SecurityMetadata
	// DeleteMetadata names metadata rows to drop in the same transaction.
	DeleteMetadata []string
	// Settings, when non-nil, replaces the persisted security settings.
	Settings *domain.SecurityConfig
	// PasswordChangedAt, when non-zero, is stored as the last password change.
	PasswordChangedAt time.Time
	Now               time.Time
}

// IndexStats describes the backing file and its tables.
type IndexStats struct {
	FileSizeBytes int64
	TotalRecords  int64
	TableCounts   map[string]int64
	SectionBytes  map[string]int64
}

// DiskUsage describes the volume holding a path.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total_bytes"`
	Free        uint64  `json:"free_bytes"`
	Used        uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// ArtifactInfo describes one stored backup artifact.
type ArtifactInfo struct {
	Name    domain.BackupName
	Path    string
	Size    int64
	ModTime time.Time
}
