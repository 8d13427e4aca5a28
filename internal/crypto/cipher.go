package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/haukened/securestore/internal/domain"
)

// Cipher seals byte buffers with AES-256-GCM. The random nonce is prepended
// to the ciphertext. It is safe for concurrent use.
type Cipher struct {
	mu         sync.RWMutex
	aead       cipher.AEAD
	salt       []byte
	iterations int
}

// New derives a key from password and returns a ready Cipher.
func New(password string, salt []byte, iterations int) (*Cipher, error) {
	c := &Cipher{salt: append([]byte(nil), salt...), iterations: iterations}
	aead, err := c.newAEAD(password)
	if err != nil {
		return nil, err
	}
	c.aead = aead
	return c, nil
}

func (c *Cipher) newAEAD(password string) (cipher.AEAD, error) {
	key := DeriveKey(password, c.salt, c.iterations)
	defer memguard.WipeBytes(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return aead, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a buffer produced by Encrypt. Authentication failure and
// malformed input both return an error wrapping domain.ErrDecrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	ns := aead.NonceSize()
	if len(ciphertext) < ns+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecrypt)
	}
	plaintext, err := aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecrypt, err)
	}
	return plaintext, nil
}

// ChangePassword re-derives the key. Existing ciphertext is not touched;
// callers re-encode stored data explicitly.
func (c *Cipher) ChangePassword(password string) error {
	_, err := c.Rekey(password)
	return err
}

// Rekey re-derives the key from password and returns a function that
// reinstates the previous key.
func (c *Cipher) Rekey(password string) (restore func(), err error) {
	if password == "" {
		return nil, errors.New("change password: empty password")
	}
	aead, err := c.newAEAD(password)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	prev := c.aead
	c.aead = aead
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.aead = prev
		c.mu.Unlock()
	}, nil
}

// Verify reports whether sample survives an encrypt/decrypt round trip.
func (c *Cipher) Verify(sample []byte) bool {
	ct, err := c.Encrypt(sample)
	if err != nil {
		return false
	}
	pt, err := c.Decrypt(ct)
	if err != nil {
		return false
	}
	return bytes.Equal(pt, sample)
}
