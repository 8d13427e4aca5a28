// Package domain retention.go contains functions to validate backup retention against config values.
package domain

import "time"

// Retention bounds accepted by configuration.
const (
	MinRetention     = time.Hour
	MaxRetention     = 10 * 365 * 24 * time.Hour
	DefaultRetention = 30 * 24 * time.Hour
)

// ValidateRetention checks that retention is positive and within [min, max].
// Returns ErrRetentionInvalid on any violation.
func ValidateRetention(retention time.Duration) error {
	if retention <= 0 {
		return ErrRetentionInvalid
	}
	if retention < MinRetention || retention > MaxRetention {
		return ErrRetentionInvalid
	}
	return nil
}

// RetentionCutoff returns the instant before which backups are pruned.
func RetentionCutoff(now time.Time, retention time.Duration) time.Time {
	return now.Add(-retention)
}
