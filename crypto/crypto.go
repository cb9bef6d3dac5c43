// Package crypto encrypts stored session credentials with AES-256-GCM. Keys
// carry an id so a new primary key can be introduced while rows written under
// an older key stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultKeyID names a key configured without an explicit id.
const DefaultKeyID = "default"

// ErrUnknownKey is returned when a row was written under a key the keyring
// does not hold.
var ErrUnknownKey = errors.New("crypto: unknown key id")

// Encryptor seals and opens values. Associated data binds a ciphertext to its
// context (the credential provider name), so a value copied to another row
// fails to open.
type Encryptor interface {
	Encrypt(plaintext, associated []byte) ([]byte, error)
	Decrypt(ciphertext, associated []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor with a single 32-byte key.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext, associated []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, associated), nil
}

// Decrypt verifies and opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext, associated []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], associated)
	if err != nil {
		// don't leak which check failed
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Keyring holds named keys. The first configured key is the primary and is
// used for new writes; any key can decrypt.
type Keyring struct {
	primary string
	keys    map[string]*AESEncryptor
}

// ParseKeyring reads either a bare base64 key (id "default") or a comma
// separated list of id:base64 pairs whose first entry is the primary.
func ParseKeyring(raw string) (*Keyring, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	kr := &Keyring{keys: make(map[string]*AESEncryptor)}
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		id, key := DefaultKeyID, part
		if before, after, ok := strings.Cut(part, ":"); ok {
			id, key = strings.TrimSpace(before), strings.TrimSpace(after)
		}
		if id == "" {
			return nil, fmt.Errorf("key %d: empty id", i)
		}
		if _, dup := kr.keys[id]; dup {
			return nil, fmt.Errorf("key %d: duplicate id %q", i, id)
		}
		enc, err := NewAESEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		kr.keys[id] = enc
		if i == 0 {
			kr.primary = id
		}
	}
	return kr, nil
}

// PrimaryID returns the id new values are written under.
func (k *Keyring) PrimaryID() string { return k.primary }

// Seal encrypts s with the primary key and returns base64 ciphertext and the
// key id to store beside it.
func (k *Keyring) Seal(s string, associated []byte) (ciphertext, keyID string, err error) {
	if s == "" {
		return "", k.primary, nil
	}
	out, err := k.keys[k.primary].Encrypt([]byte(s), associated)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(out), k.primary, nil
}

// Open decrypts base64 ciphertext written under keyID. An empty keyID means
// the primary key.
func (k *Keyring) Open(ciphertext, keyID string, associated []byte) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if keyID == "" {
		keyID = k.primary
	}
	enc, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	out, err := enc.Decrypt(raw, associated)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
