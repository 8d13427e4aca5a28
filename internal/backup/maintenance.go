package backup

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/haukened/securestore/internal/domain"
)

// Info describes one backup artifact.
type Info struct {
	Name      domain.BackupName `json:"filename,omitempty"`
	Path      string            `json:"file_path"`
	Size      int64             `json:"size"`
	CreatedAt time.Time         `json:"timestamp"`
	ID        string            `json:"id,omitempty"`
	Version   string            `json:"version,omitempty"`
	Sections  int               `json:"sections,omitempty"`
	// Checksum is the SHA-256 of the artifact bytes, set by Verify.
	Checksum string `json:"sha256,omitempty"`
}

// List returns the artifacts in the backup directory, newest first.
func (m *Manager) List() ([]Info, error) {
	arts, err := m.artifacts.List()
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", domain.ErrBackup, err)
	}
	out := make([]Info, 0, len(arts))
	for i := len(arts) - 1; i >= 0; i-- {
		a := arts[i]
		created, ok := a.Name.Time()
		if !ok {
			created = a.ModTime
		}
		out = append(out, Info{Name: a.Name, Path: a.Path, Size: a.Size, CreatedAt: created})
	}
	return out, nil
}

// Prune deletes artifacts whose embedded timestamp is before cutoff and
// returns how many were removed.
func (m *Manager) Prune(cutoff time.Time) (int, error) {
	arts, err := m.artifacts.List()
	if err != nil {
		return 0, fmt.Errorf("%w: list: %v", domain.ErrBackup, err)
	}
	deleted := 0
	for _, a := range arts {
		created, ok := a.Name.Time()
		if !ok || !created.Before(cutoff) {
			continue
		}
		if err := m.artifacts.Delete(a.Name.String()); err != nil {
			m.logger.Warn("prune backup", "name", a.Name, "err", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.opts.Recorder.Inc(CounterBackupsPruned, int64(deleted))
		m.logger.Info("backups pruned", "count", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// Statistics summarizes the backup directory.
type Statistics struct {
	TotalBackups   int        `json:"total_backups"`
	TotalSize      int64      `json:"total_size"`
	TotalSizeHuman string     `json:"total_size_human"`
	OldestBackup   *time.Time `json:"oldest_backup"`
	NewestBackup   *time.Time `json:"newest_backup"`
}

// Statistics reports count, total size and the oldest and newest artifact.
func (m *Manager) Statistics() (Statistics, error) {
	list, err := m.List()
	if err != nil {
		return Statistics{}, err
	}
	st := Statistics{TotalBackups: len(list)}
	for i := range list {
		b := list[i]
		st.TotalSize += b.Size
		if st.OldestBackup == nil || b.CreatedAt.Before(*st.OldestBackup) {
			st.OldestBackup = &list[i].CreatedAt
		}
		if st.NewestBackup == nil || b.CreatedAt.After(*st.NewestBackup) {
			st.NewestBackup = &list[i].CreatedAt
		}
	}
	st.TotalSizeHuman = humanize.Bytes(uint64(st.TotalSize))
	return st, nil
}
