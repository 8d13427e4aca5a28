package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewBackupName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	name := NewBackupName(ts)
	if name.String() != "backup_20240309_140507.bms" {
		t.Fatalf("unexpected name: %s", name)
	}
	if !name.Valid() {
		t.Fatalf("generated name invalid: %s", name)
	}
	got, ok := name.Time()
	if !ok || !got.Equal(ts) {
		t.Fatalf("round trip time mismatch: %v %v", got, ok)
	}
}

func TestParseBackupName(t *testing.T) {
	if _, err := ParseBackupName("backup_20240101_000000.bms"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := []string{
		"",
		"backup_.bms",
		"backup_20240101_000000.txt",
		"bkp_20240101_000000.bms",
		"backup_20241301_000000.bms",
		"backup_20240101_0000001.bms",
		"backup_../../etc.bms",
	}
	for _, c := range cases {
		if _, err := ParseBackupName(c); !errors.Is(err, ErrInvalidBackupName) {
			t.Errorf("expected ErrInvalidBackupName for %q, got %v", c, err)
		}
	}
}
