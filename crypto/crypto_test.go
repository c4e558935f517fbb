package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func newKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestNewAESEncryptorRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"short", base64.StdEncoding.EncodeToString([]byte("too-short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAESEncryptor(tt.key); err == nil {
				t.Fatalf("expected error for %s key", tt.name)
			}
		})
	}
}

func TestEncryptBindsAAD(t *testing.T) {
	enc, err := NewAESEncryptor(newKey(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ct, err := enc.Encrypt([]byte("bot-token"), []byte("tenant:1"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc.Decrypt(ct, []byte("tenant:2")); err == nil {
		t.Fatal("decrypt with a different aad must fail")
	}
	pt, err := enc.Decrypt(ct, []byte("tenant:1"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(pt) != "bot-token" {
		t.Fatalf("got %q", pt)
	}
}

func TestKeyringRotation(t *testing.T) {
	oldKey, newKeyVal := newKey(t), newKey(t)

	before, err := ParseKeyring("k1:" + oldKey)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ct, id, err := before.EncryptString("secret", "tenant:7")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if id != "k1" {
		t.Fatalf("key id = %q, want k1", id)
	}

	after, err := ParseKeyring("k2:" + newKeyVal + ",k1:" + oldKey)
	if err != nil {
		t.Fatalf("parse rotated: %v", err)
	}
	if after.ActiveID() != "k2" {
		t.Fatalf("active = %q, want k2", after.ActiveID())
	}
	pt, err := after.DecryptString(ct, id, "tenant:7")
	if err != nil {
		t.Fatalf("decrypt old ciphertext: %v", err)
	}
	if pt != "secret" {
		t.Fatalf("got %q", pt)
	}

	_, err = after.DecryptString(ct, "k9", "tenant:7")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("want ErrUnknownKey, got %v", err)
	}
}

func TestParseKeyringSingleKey(t *testing.T) {
	kr, err := ParseKeyring(newKey(t))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kr.ActiveID() != "default" {
		t.Fatalf("active = %q", kr.ActiveID())
	}
	ct, id, err := kr.EncryptString("", "x")
	if err != nil || ct != "" || id != "default" {
		t.Fatalf("empty plaintext: ct=%q id=%q err=%v", ct, id, err)
	}
}

func TestParseKeyringDuplicateID(t *testing.T) {
	k := newKey(t)
	if _, err := ParseKeyring("a:" + k + ",a:" + k); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
