package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
)

// SealedPrefix marks a config value produced by Seal.
const SealedPrefix = "enc:"

var ErrNoEncryptionKey = errors.New("BANKFEED_ENCRYPTION_KEY must be exactly 32 characters")

// EncryptionKey returns the AES-256 key for sealed config values.
// DATA_ENCRYPTION_KEY is still honoured for older setups.
func EncryptionKey() ([]byte, error) {
	key := FirstNonEmpty(os.Getenv("BANKFEED_ENCRYPTION_KEY"), os.Getenv("DATA_ENCRYPTION_KEY"))
	if len(key) != 32 {
		return nil, ErrNoEncryptionKey
	}
	return []byte(key), nil
}

// Encrypt encrypts plaintext with AES-GCM and returns nonce+ciphertext, base64 encoded
func Encrypt(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt takes a base64 encoded ciphertext and returns the original bytes
func Decrypt(key []byte, cryptoText string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrNoEncryptionKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal returns "enc:<base64>" for a secret that will live in a config file.
func Seal(key []byte, secret string) (string, error) {
	sealed, err := Encrypt(key, []byte(secret))
	if err != nil {
		return "", err
	}
	return SealedPrefix + sealed, nil
}

// Unseal reverses Seal. Values without the prefix are returned as they are.
func Unseal(key []byte, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	plain, err := Decrypt(key, strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func IsSealed(value string) bool { return strings.HasPrefix(value, SealedPrefix) }
