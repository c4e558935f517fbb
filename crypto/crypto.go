// Package crypto encrypts tenant bot credentials at rest with AES-256-GCM.
// Ciphertexts are tagged with the id of the key that produced them so keys
// can be rotated without a flag day: a Keyring encrypts with its active key
// and decrypts with whichever key the stored id names.
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

// ErrUnknownKey is returned when a ciphertext names a key id the keyring does not hold.
var ErrUnknownKey = errors.New("crypto: unknown key id")

// Encryptor provides authenticated encryption. aad is bound to the ciphertext
// and must be presented again to decrypt.
type Encryptor interface {
	Encrypt(plaintext, aad []byte) ([]byte, error)
	Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM. Output layout is nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate with: openssl rand -base64 32).
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

func (e *AESEncryptor) Encrypt(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (e *AESEncryptor) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
	if err != nil {
		// Don't leak which check failed.
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Keyring holds named encryptors; Active names the one used for new ciphertexts.
type Keyring struct {
	active string
	keys   map[string]Encryptor
}

// ParseKeyring builds a keyring from "id:base64key[,id:base64key...]". The first entry is active.
// A value without any ':' is treated as a single key with id "default".
func ParseKeyring(raw string) (*Keyring, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("keyring is empty")
	}
	kr := &Keyring{keys: make(map[string]Encryptor)}
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		id, key, ok := strings.Cut(part, ":")
		if !ok {
			id, key = "default", part
		}
		if id == "" {
			return nil, fmt.Errorf("keyring entry %d has empty id", i)
		}
		if _, dup := kr.keys[id]; dup {
			return nil, fmt.Errorf("keyring entry %d duplicates id %q", i, id)
		}
		enc, err := NewAESEncryptor(key)
		if err != nil {
			return nil, fmt.Errorf("keyring entry %q: %w", id, err)
		}
		kr.keys[id] = enc
		if i == 0 {
			kr.active = id
		}
	}
	return kr, nil
}

// ActiveID returns the id new ciphertexts are produced with.
func (k *Keyring) ActiveID() string { return k.active }

// EncryptString encrypts with the active key and returns base64 ciphertext plus the key id to store beside it.
func (k *Keyring) EncryptString(plaintext, aad string) (ciphertext, keyID string, err error) {
	if plaintext == "" {
		return "", k.active, nil
	}
	out, err := k.keys[k.active].Encrypt([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(out), k.active, nil
}

// DecryptString reverses EncryptString using the key named by keyID.
func (k *Keyring) DecryptString(ciphertext, keyID, aad string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	enc, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := enc.Decrypt(raw, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
