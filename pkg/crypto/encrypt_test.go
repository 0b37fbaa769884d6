package crypto

import (
	"errors"
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecrypt(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"api key", "XyZ123apiKEY"},
		{"empty", ""},
		{"unicode", "секрет-ключ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := Encrypt(tt.plaintext, []byte(testKey))
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			dec, err := Decrypt(enc, []byte(testKey))
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if dec != tt.plaintext {
				t.Errorf("got %q, want %q", dec, tt.plaintext)
			}
		})
	}
}

func TestEncryptInvalidKeyLength(t *testing.T) {
	if _, err := Encrypt("x", []byte("short")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("err = %v", err)
	}
}

func TestDecryptErrors(t *testing.T) {
	enc, _ := Encrypt("secret", []byte(testKey))

	tests := []struct {
		name    string
		input   string
		key     string
		wantErr error
	}{
		{"wrong key", enc, "abcdef0123456789abcdef0123456789", ErrDecryptionFailed},
		{"bad base64", "!!!", testKey, ErrInvalidCiphertext},
		{"too short", "YWJj", testKey, ErrCiphertextTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decrypt(tt.input, []byte(tt.key)); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpenSecret(t *testing.T) {
	sealed, err := SealSecret("api-secret", testKey)
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	if !strings.HasPrefix(sealed, EncryptedPrefix) {
		t.Fatalf("sealed value has no prefix: %s", sealed)
	}

	got, err := OpenSecret(sealed, testKey)
	if err != nil || got != "api-secret" {
		t.Errorf("OpenSecret = %q, %v", got, err)
	}

	plain, err := OpenSecret("plain-value", "")
	if err != nil || plain != "plain-value" {
		t.Errorf("plain OpenSecret = %q, %v", plain, err)
	}

	if _, err := OpenSecret(sealed, ""); !errors.Is(err, ErrKeyRequired) {
		t.Errorf("missing key err = %v", err)
	}
}
