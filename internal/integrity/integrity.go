// Package integrity computes and verifies SHA-256 checksums over canonical
// values and raw payloads.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/domain"
)

// Checksum returns the hex SHA-256 of the canonical JSON form of v.
func Checksum(v any) (string, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// Verify returns nil when v hashes to sum.
func Verify(v any, sum string) error {
	got, err := Checksum(v)
	if err != nil {
		return err
	}
	return compare(got, sum)
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// VerifyBytes returns nil when b hashes to sum.
func VerifyBytes(b []byte, sum string) error {
	return compare(HashBytes(b), sum)
}

func compare(got, want string) error {
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: got %s want %s", domain.ErrChecksumMismatch, got, want)
	}
	return nil
}
