// Package domain errors.go contains sentinel errors
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel domain-level errors reused by higher layers.
var (
	// ErrDecrypt reports an authentication failure or malformed ciphertext.
	// It is an expected outcome while probing decode candidates.
	ErrDecrypt = errors.New("decrypt failed")
	// ErrDecompress reports a malformed compressed stream.
	ErrDecompress = errors.New("decompress failed")
	// ErrStorageBusy reports that lock contention outlasted the retry bound.
	ErrStorageBusy = errors.New("storage busy")
	// ErrStorage reports any other storage failure.
	ErrStorage = errors.New("storage error")
	// ErrBackup reports a failed backup.
	ErrBackup = errors.New("backup failed")
	// ErrRestore reports a failed restore; live data is untouched.
	ErrRestore = errors.New("restore failed")
	// ErrSettings reports a failed settings change; the previous config stays active.
	ErrSettings = errors.New("settings update failed")
	// ErrUndecodable reports that no decode candidate produced a valid value.
	ErrUndecodable = errors.New("payload undecodable")
	// ErrChecksumMismatch reports content that does not match its recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	ErrUnknownCompression = errors.New("unknown compression type")
	ErrInvalidBackupName  = errors.New("invalid backup name")
	ErrRetentionInvalid   = errors.New("retention invalid")
)

// DecodeError names the section whose payload could not be decoded and the
// candidates that were tried before giving up.
type DecodeError struct {
	Key      string
	Attempts []string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: no candidate succeeded (tried %s)", e.Key, strings.Join(e.Attempts, ", "))
}

// Unwrap lets errors.Is match ErrUndecodable.
func (e *DecodeError) Unwrap() error { return ErrUndecodable }
