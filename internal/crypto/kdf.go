// Package crypto implements the password-based key derivation and the
// authenticated cipher used for stored sections and backup artifacts.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

// KeyLen is the AES-256 key length in bytes.
const KeyLen = 32

// MinIterations is the PBKDF2 iteration floor; lower requests are raised to it.
const MinIterations = 100_000

// DefaultSalt is used when no salt is configured. Records written with one
// salt are unreadable under another, so it must stay stable per store.
var DefaultSalt = []byte("bms_salt_2024")

// DeriveKey derives a KeyLen-byte key from password with PBKDF2-HMAC-SHA256.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	if len(salt) == 0 {
		salt = DefaultSalt
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeyLen, sha256.New)
}

// HostPassword returns a password derived from host identity. It keeps a
// single-user install working without configuration and is not a secret.
func HostPassword() string {
	host, _ := os.Hostname()
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	sum := sha256.Sum256([]byte(host + name + runtime.GOOS))
	return hex.EncodeToString(sum[:])[:32]
}
