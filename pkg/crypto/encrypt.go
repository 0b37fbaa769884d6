package crypto

// encrypt.go - хранение API-ключей биржи в зашифрованном виде
//
// Секрет в конфигурации может быть задан открытым текстом или как
// "enc:<base64(nonce|ciphertext|tag)>" (AES-256-GCM). OpenSecret
// прозрачно расшифровывает второй вариант ключом из ENCRYPTION_KEY.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// EncryptedPrefix помечает зашифрованное значение
const EncryptedPrefix = "enc:"

var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for AES-256")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
	ErrKeyRequired        = errors.New("encrypted secret requires ENCRYPTION_KEY")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt шифрует plaintext AES-256-GCM и возвращает base64 без префикса
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Decrypt расшифровывает результат Encrypt
func Decrypt(ciphertextBase64 string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// SealSecret возвращает значение для конфигурации: "enc:" + Encrypt(...)
func SealSecret(plaintext, key string) (string, error) {
	sealed, err := Encrypt(plaintext, []byte(key))
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + sealed, nil
}

// OpenSecret возвращает открытое значение секрета из конфигурации.
// Значения без префикса "enc:" возвращаются как есть.
func OpenSecret(value, key string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value, nil
	}
	if key == "" {
		return "", ErrKeyRequired
	}
	return Decrypt(strings.TrimPrefix(value, EncryptedPrefix), []byte(key))
}
