// Package app defines the application layer "ports" (interfaces) and the
// collaborator-facing Service of the secure storage engine. It follows a
// hexagonal (ports & adapters) design: this package declares what the core
// needs, while adapter packages (SQLite index, filesystem artifacts, backup
// manager, settings manager) provide concrete implementations. No SQL or
// file handling belongs here.
package app

import (
	"context"
	"time"

	"github.com/haukened/securestore/internal/backup"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/settings"
	"github.com/haukened/securestore/internal/store"
)

// Clock abstracts time to enable deterministic testing.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// DataStore is the App Data Store port.
type DataStore interface {
	// Save encodes every section under the active configuration and writes
	// them atomically.
	Save(ctx context.Context, sections map[string]any) error
	// Load returns every decodable section. Undecodable sections are
	// omitted, never reported as an error.
	Load(ctx context.Context) (map[string]any, error)
	LoadWith(ctx context.Context, cfg domain.SecurityConfig) (map[string]any, []string, error)
	SaveWith(ctx context.Context, sections map[string]any, cfg domain.SecurityConfig, opts ...store.SaveOption) error
	// Clear writes an explicit empty value for every known section.
	Clear(ctx context.Context) error
	VerifyIntegrity(ctx context.Context) ([]store.IntegrityResult, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Backups is the Backup/Restore Manager port.
type Backups interface {
	Backup(ctx context.Context, dest string) (string, error)
	Restore(ctx context.Context, source string) error
	Verify(source string) (backup.Info, error)
	List() ([]backup.Info, error)
	Prune(cutoff time.Time) (int, error)
	Statistics() (backup.Statistics, error)
}

// SettingsManager is the Security Settings Manager port.
type SettingsManager interface {
	Update(ctx context.Context, u settings.Update) (settings.Result, error)
}

// Keyring is the cipher's key management surface.
type Keyring interface {
	// Rekey switches to a key derived from password and returns a function
	// that reinstates the previous key.
	Rekey(password string) (restore func(), err error)
	// Verify reports whether sample survives an encrypt/decrypt round trip.
	Verify(sample []byte) bool
}

// PasswordHistory reports when the password last changed.
type PasswordHistory interface {
	LastPasswordChange(ctx context.Context) (time.Time, bool, error)
}
