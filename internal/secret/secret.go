// Package secret implements encryption at rest for queue payloads and user
// data, and the keyed hash used to look users up without storing their ids.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

var ErrCiphertext = errors.New("secret: malformed ciphertext")

// Codec is the encrypt/decrypt capability the storage layers depend on.
type Codec interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Hasher maps an identity to a stable opaque lookup key.
type Hasher interface {
	Hash(id string) string
}

type Cipher struct {
	aead    cipher.AEAD
	hashKey []byte
}

// New builds a Cipher from a 32-byte key. hashKey may be nil, in which case
// the encryption key is reused for hashing.
func New(key, hashKey []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(hashKey) == 0 {
		hashKey = key
	}
	if len(hashKey) > blake2b.Size {
		return nil, fmt.Errorf("secret: hash key longer than %d bytes", blake2b.Size)
	}
	return &Cipher{aead: aead, hashKey: append([]byte(nil), hashKey...)}, nil
}

// Encrypt seals plain with a random nonce. The nonce is prepended.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secret: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, ErrCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plain, nil
}

// Hash returns the hex keyed BLAKE2b-256 of id.
func (c *Cipher) Hash(id string) string {
	h, err := blake2b.New256(c.hashKey)
	if err != nil {
		// New guarantees the key length.
		panic(err)
	}
	_, _ = h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

// LoadKey reads a key file holding either 32 raw bytes or 64 hex characters.
func LoadKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) == KeySize {
		return b, nil
	}
	s := strings.TrimSpace(string(b))
	if len(s) == hex.EncodedLen(KeySize) {
		k, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("secret: %s: %w", path, err)
		}
		return k, nil
	}
	return nil, fmt.Errorf("secret: %s: want %d raw bytes or %d hex chars", path, KeySize, hex.EncodedLen(KeySize))
}

// NewKey returns a fresh random key (tests, first-run provisioning).
func NewKey() []byte {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		panic(err)
	}
	return k
}
