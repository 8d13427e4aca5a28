// Package domain backupname.go contains functions to generate, parse, and validate backup file names.
package domain

import (
	"strings"
	"time"
)

// Backup file naming: backup_<YYYYMMDD_HHMMSS>.bms
const (
	BackupPrefix     = "backup_"
	BackupExt        = ".bms"
	backupTimeLayout = "20060102_150405"
)

// BackupName is the canonical file name of a backup artifact.
type BackupName string

// NewBackupName returns the timestamped backup name for t.
func NewBackupName(t time.Time) BackupName {
	return BackupName(BackupPrefix + t.Format(backupTimeLayout) + BackupExt)
}

// ParseBackupName validates s and returns it as a BackupName. It enforces the
// fixed prefix, the extension, and a parseable timestamp. Returns
// ErrInvalidBackupName on failure.
func ParseBackupName(s string) (BackupName, error) {
	if _, ok := backupTime(s); !ok {
		return "", ErrInvalidBackupName
	}
	return BackupName(s), nil
}

// String returns the string form of the BackupName.
func (n BackupName) String() string { return string(n) }

// Valid reports whether the name satisfies the same rules as ParseBackupName.
func (n BackupName) Valid() bool {
	_, ok := backupTime(string(n))
	return ok
}

// Time returns the timestamp embedded in the name, interpreted in UTC.
func (n BackupName) Time() (time.Time, bool) { return backupTime(string(n)) }

func backupTime(s string) (time.Time, bool) {
	if !strings.HasPrefix(s, BackupPrefix) || !strings.HasSuffix(s, BackupExt) {
		return time.Time{}, false
	}
	stamp := s[len(BackupPrefix) : len(s)-len(BackupExt)]
	if len(stamp) != len(backupTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
