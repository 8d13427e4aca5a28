// Package codec implements the secure codec pipeline. Values are serialized
// to canonical JSON, compressed, then encrypted on write. Reads search a fixed
// list of configuration candidates because a record does not describe how it
// was written.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/haukened/securestore/internal/compress"
	"github.com/haukened/securestore/internal/domain"
)

// Cipher is the authenticated cipher used for the encryption step.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Pipeline encodes and decodes record payloads.
type Pipeline struct {
	cipher Cipher
}

// New returns a Pipeline using c for the encryption step.
func New(c Cipher) *Pipeline {
	return &Pipeline{cipher: c}
}

// Encode serializes v under cfg. Plain payloads are canonical JSON text; any
// transformed payload is the standard base64 of the final bytes. A nil value
// encodes to the empty payload.
func (p *Pipeline) Encode(v any, cfg domain.SecurityConfig) (string, error) {
	if v == nil {
		return "", nil
	}
	cfg = cfg.Normalize()
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	transformed := false
	if cfg.Compresses() {
		c := compress.Codec{Type: cfg.CompressionType, Level: cfg.CompressionLevel}
		if data, err = c.Compress(data); err != nil {
			return "", err
		}
		transformed = true
	}
	if cfg.EncryptionEnabled {
		if data, err = p.cipher.Encrypt(data); err != nil {
			return "", fmt.Errorf("encrypt: %w", err)
		}
		transformed = true
	}
	if !transformed {
		return string(data), nil
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Candidate is one guess at the configuration a payload was written under.
type Candidate struct {
	Encrypted   bool
	Compressed  bool
	Compression domain.CompressionType
}

func (c Candidate) String() string {
	switch {
	case c.Encrypted && c.Compressed:
		return "encrypted+" + string(c.Compression)
	case c.Encrypted:
		return "encrypted"
	case c.Compressed:
		return string(c.Compression)
	default:
		return "plain"
	}
}

// LegacyAttempt names the final raw-text attempt in Decode results.
const LegacyAttempt = "legacy"

// Candidates returns the ordered decode candidates for cfg with duplicates
// removed: the active configuration, then without encryption, then without
// compression, then neither. The rest of the encryption x compression grid
// follows so a record written before a toggle stays readable. Compressed
// candidates only use the configured algorithm.
func Candidates(cfg domain.SecurityConfig) []Candidate {
	cfg = cfg.Normalize()
	enc, comp := cfg.EncryptionEnabled, cfg.Compresses()
	order := []Candidate{
		{Encrypted: enc, Compressed: comp},
		{Encrypted: false, Compressed: comp},
		{Encrypted: enc, Compressed: false},
		{},
		{Encrypted: true, Compressed: true},
		{Encrypted: false, Compressed: true},
		{Encrypted: true, Compressed: false},
	}
	out := make([]Candidate, 0, 4)
	seen := make(map[Candidate]bool, 4)
	for _, c := range order {
		if c.Compressed {
			if cfg.CompressionType == domain.CompressionNone {
				continue
			}
			c.Compression = cfg.CompressionType
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Result is a decoded value together with the attempt that produced it.
type Result struct {
	Value   any
	Attempt string
	// Fallback is true when the value came from anything but the active
	// configuration.
	Fallback bool
}

// Decode reconstructs the value stored in payload. Each candidate is tried in
// order and the first that fully succeeds wins; failures are discarded. A last
// attempt parses the trimmed raw text. When nothing works the error is a
// *domain.DecodeError naming key.
func (p *Pipeline) Decode(key, payload string, cfg domain.SecurityConfig) (Result, error) {
	if payload == "" {
		return Result{Attempt: Candidate{}.String()}, nil
	}
	cands := Candidates(cfg)
	attempts := make([]string, 0, len(cands)+1)
	var raw []byte
	var rawErr error
	decoded := false
	for i, c := range cands {
		attempts = append(attempts, c.String())
		var data []byte
		if c.Encrypted || c.Compressed {
			if !decoded {
				raw, rawErr = base64.StdEncoding.DecodeString(payload)
				decoded = true
			}
			if rawErr != nil {
				continue
			}
			data = raw
		} else {
			data = []byte(payload)
		}
		v, err := p.try(c, data)
		if err != nil {
			continue
		}
		return Result{Value: v, Attempt: c.String(), Fallback: i > 0}, nil
	}
	attempts = append(attempts, LegacyAttempt)
	if v, err := Unmarshal(legacyText(payload)); err == nil {
		return Result{Value: v, Attempt: LegacyAttempt, Fallback: true}, nil
	}
	return Result{}, &domain.DecodeError{Key: key, Attempts: attempts}
}

func (p *Pipeline) try(c Candidate, data []byte) (any, error) {
	var err error
	if c.Encrypted {
		if data, err = p.cipher.Decrypt(data); err != nil {
			return nil, err
		}
	}
	if c.Compressed {
		if data, err = (compress.Codec{Type: c.Compression}).Decompress(data); err != nil {
			return nil, err
		}
	}
	return Unmarshal(data)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func legacyText(payload string) []byte {
	b := bytes.TrimSpace([]byte(payload))
	return bytes.TrimSpace(bytes.TrimPrefix(b, utf8BOM))
}
