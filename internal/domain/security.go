// Package domain security.go defines the process-wide security toggles and
// the closed set of compression algorithms.
package domain

import (
	"fmt"
	"strings"
)

// CompressionType is one of a closed set of compression algorithms.
type CompressionType string

const (
	CompressionGzip  CompressionType = "gzip"
	CompressionBzip2 CompressionType = "bzip2"
	CompressionLZMA  CompressionType = "lzma"
	CompressionZlib  CompressionType = "zlib"
	CompressionNone  CompressionType = "none"
)

// CompressionTypes lists every supported algorithm in a stable order.
var CompressionTypes = []CompressionType{CompressionGzip, CompressionBzip2, CompressionLZMA, CompressionZlib, CompressionNone}

// Compression levels accepted by every codec.
const (
	MinCompressionLevel     = 1
	MaxCompressionLevel     = 9
	DefaultCompressionLevel = 6
)

// ParseCompressionType normalizes s and returns the matching CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	ct := CompressionType(strings.ToLower(strings.TrimSpace(s)))
	if !ct.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
	return ct, nil
}

// Valid reports whether ct is a member of the closed set.
func (ct CompressionType) Valid() bool {
	for _, known := range CompressionTypes {
		if ct == known {
			return true
		}
	}
	return false
}

func (ct CompressionType) String() string { return string(ct) }

// ClampLevel constrains level to [MinCompressionLevel, MaxCompressionLevel].
func ClampLevel(level int) int {
	if level < MinCompressionLevel {
		return MinCompressionLevel
	}
	if level > MaxCompressionLevel {
		return MaxCompressionLevel
	}
	return level
}

// SecurityConfig holds the toggles applied to new writes. Decoding never
// trusts it to describe how an existing record was written.
type SecurityConfig struct {
	EncryptionEnabled  bool            `json:"encryption_enabled"`
	CompressionEnabled bool            `json:"compression_enabled"`
	ChecksumsEnabled   bool            `json:"checksums_enabled"`
	CompressionType    CompressionType `json:"compression_type"`
	CompressionLevel   int             `json:"compression_level"`
}

// DefaultSecurityConfig returns the startup defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EncryptionEnabled:  true,
		CompressionEnabled: true,
		ChecksumsEnabled:   true,
		CompressionType:    CompressionGzip,
		CompressionLevel:   DefaultCompressionLevel,
	}
}

// Normalize fills an empty compression type and clamps the level.
func (c SecurityConfig) Normalize() SecurityConfig {
	if c.CompressionType == "" {
		c.CompressionType = CompressionGzip
	}
	c.CompressionLevel = ClampLevel(c.CompressionLevel)
	return c
}

// Compresses reports whether writes under c are actually compressed. The
// none algorithm is a passthrough even when compression is enabled.
func (c SecurityConfig) Compresses() bool {
	return c.CompressionEnabled && c.CompressionType != CompressionNone
}
