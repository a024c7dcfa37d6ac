package securestore

import (
	"errors"
	"testing"

	"ardentmesh/internal/drerrors"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := Decrypt("pass", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptTamperedFailsDeterministically(t *testing.T) {
	data, err := Encrypt("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(data) < 10 {
		t.Fatalf("unexpected encrypted payload size: %d", len(data))
	}
	data[len(data)-2] ^= 0xFF
	_, err = Decrypt("pass", data)
	if !errors.Is(err, drerrors.ErrSealAuthFailed) && !errors.Is(err, drerrors.ErrSealInvalid) {
		t.Fatalf("expected a seal-auth or seal-invalid error, got %v", err)
	}
}

func TestDecryptLegacyPlaintextIsDistinguishedFromCorruption(t *testing.T) {
	_, err := Decrypt("pass", []byte(`{"not":"sealed"}`))
	if !errors.Is(err, drerrors.ErrSealLegacyPlaintext) {
		t.Fatalf("expected ErrSealLegacyPlaintext, got %v", err)
	}
}

func TestNormalizeStorageConfigTrimsWhitespace(t *testing.T) {
	path, secret := NormalizeStorageConfig("  /tmp/state.bin  ", "  hunter2  ")
	if path != "/tmp/state.bin" || secret != "hunter2" {
		t.Fatalf("unexpected normalized config: path=%q secret=%q", path, secret)
	}
	if !IsConfigured(path, secret) {
		t.Fatalf("expected IsConfigured to report true for a populated path/secret pair")
	}
	if IsConfigured("", secret) {
		t.Fatalf("expected IsConfigured to report false with an empty path")
	}
}
