package security

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("encryptor should be enabled")
	}

	plaintext := []byte(`{"subject":"bob"}`)
	sealed, err := enc.Seal(plaintext, "grant:abc")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed payload contains plaintext")
	}

	opened, err := enc.Open(sealed, "grant:abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestEncryptor_BoundToRecordKey(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	sealed, err := enc.Seal([]byte("payload"), "grant:one")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	_, err = enc.Open(sealed, "grant:two")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() with other key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("encryptor with empty key should be disabled")
	}

	sealed, _ := enc.Seal([]byte("plain"), "k")
	if string(sealed) != "plain" {
		t.Errorf("disabled Seal() = %q, want passthrough", sealed)
	}
}

func TestNewEncryptor_InvalidKeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("NewEncryptor() with short key should fail")
	}
}

func TestKeyFromBase64(t *testing.T) {
	if _, err := KeyFromBase64("AAAA"); err == nil {
		t.Error("KeyFromBase64() with 3-byte key should fail")
	}
	if _, err := KeyFromBase64("AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="); err != nil {
		t.Errorf("KeyFromBase64() error = %v", err)
	}
}
