package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/haukened/securestore/internal/backup"
	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/compress"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/settings"
	"github.com/haukened/securestore/internal/store"
)

// ErrNotConfigured indicates a required collaborator was not injected.
var ErrNotConfigured = errors.New("service not configured")

// Service is the collaborator-facing API of the storage engine. Reads and
// writes run concurrently; settings and password changes run exclusively so
// nothing is encoded under a half-applied configuration.
type Service struct {
	Store     DataStore
	Backups   Backups
	Settings  SettingsManager
	Config    store.ConfigSource
	Keyring   Keyring
	Passwords PasswordHistory
	Clock     Clock
	Logger    *slog.Logger
	// DataDir is measured by DiskUsage for storage statistics.
	DataDir   string
	DiskUsage func(path string) (store.DiskUsage, error)

	mu sync.RWMutex
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("domain", "app")
	}
	return s.Logger.With("domain", "app")
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// SaveAppData persists sections under the active configuration.
func (s *Service) SaveAppData(ctx context.Context, sections map[string]any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.Save(ctx, sections)
}

// LoadAppData returns every decodable section.
func (s *Service) LoadAppData(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.Load(ctx)
}

// BackupDatabase writes a backup artifact and returns its path. An empty
// path selects the default timestamped file in the backup directory.
func (s *Service) BackupDatabase(ctx context.Context, path string) (string, error) {
	if s.Backups == nil {
		return "", ErrNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Backups.Backup(ctx, path)
}

// RestoreDatabase replaces stored sections with those of a backup artifact.
func (s *Service) RestoreDatabase(ctx context.Context, path string) error {
	if s.Backups == nil {
		return ErrNotConfigured
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Backups.Restore(ctx, path)
}

// ClearAllData overwrites every section with its empty value.
func (s *Service) ClearAllData(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.Clear(ctx)
}

// UpdateSecuritySettings changes the toggles and re-encodes stored data.
func (s *Service) UpdateSecuritySettings(ctx context.Context, u settings.Update) (settings.Result, error) {
	if s.Settings == nil {
		return settings.Result{}, ErrNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Settings.Update(ctx, u)
}

// CurrentSecurityConfig returns the active toggles.
func (s *Service) CurrentSecurityConfig() domain.SecurityConfig {
	return s.Config.Current()
}

// StorageStats extends store statistics with human readable sizes, disk
// capacity, backup count and the last password change.
type StorageStats struct {
	store.Stats
	FileSizeHuman      string             `json:"file_size_human"`
	Disk               *store.DiskUsage   `json:"disk,omitempty"`
	DiskFreeHuman      string             `json:"disk_free_human,omitempty"`
	Backups            *backup.Statistics `json:"backups,omitempty"`
	LastPasswordChange *time.Time         `json:"last_password_change,omitempty"`
}

// StorageStats gathers statistics. Only the store is required; the other
// sources are best-effort and logged when unavailable.
func (s *Service) StorageStats(ctx context.Context) (StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, err := s.Store.Stats(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	out := StorageStats{Stats: st, FileSizeHuman: humanize.Bytes(uint64(max(st.FileSizeBytes, 0)))}
	log := s.log()
	if s.DiskUsage != nil && s.DataDir != "" {
		if du, err := s.DiskUsage(s.DataDir); err == nil {
			out.Disk = &du
			out.DiskFreeHuman = humanize.Bytes(du.Free)
		} else {
			log.Warn("disk usage", "path", s.DataDir, "err", err)
		}
	}
	if s.Backups != nil {
		if bs, err := s.Backups.Statistics(); err == nil {
			out.Backups = &bs
		} else {
			log.Warn("backup statistics", "err", err)
		}
	}
	if s.Passwords != nil {
		if at, ok, err := s.Passwords.LastPasswordChange(ctx); err == nil && ok {
			out.LastPasswordChange = &at
		} else if err != nil {
			log.Warn("last password change", "err", err)
		}
	}
	return out, nil
}

// ChangePassword re-encrypts every decodable section under a key derived from
// password. Sections and the change timestamp are written in one transaction;
// on failure the previous key is reinstated. Backups made before the change
// still need the old password.
func (s *Service) ChangePassword(ctx context.Context, password string) error {
	if s.Keyring == nil {
		return ErrNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.Config.Current()
	sections, orphaned, err := s.Store.LoadWith(ctx, cfg)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	restore, err := s.Keyring.Rekey(password)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	now := s.now()
	if err := s.Store.SaveWith(ctx, sections, cfg, store.WithSettings(cfg), store.WithPasswordChange(now)); err != nil {
		restore()
		return fmt.Errorf("change password: %w", err)
	}
	log := s.log()
	if len(orphaned) > 0 {
		log.Warn("sections unreadable under the old key were not re-encrypted", "sections", orphaned)
	}
	log.Info("password changed", "resaved", len(sections))
	return nil
}

// VerifyEncryption reports whether the cipher round-trips a sample.
func (s *Service) VerifyEncryption() bool {
	if s.Keyring == nil {
		return false
	}
	return s.Keyring.Verify([]byte("securestore encryption self-check"))
}

// VerifyIntegrity audits every section against its recorded checksum.
func (s *Service) VerifyIntegrity(ctx context.Context) ([]store.IntegrityResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Store.VerifyIntegrity(ctx)
}

// EstimateCompression reports how well each algorithm would compress the
// current data at the active level.
func (s *Service) EstimateCompression(ctx context.Context) (compress.Estimate, error) {
	data, err := s.LoadAppData(ctx)
	if err != nil {
		return compress.Estimate{}, err
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return compress.Estimate{}, err
	}
	return compress.EstimateBenefit(raw, s.Config.Current().CompressionLevel), nil
}
