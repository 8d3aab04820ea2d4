// Package aesgcm implements the credential envelope shared by the
// admission API and the model proxy: AES-GCM-256 with a key derived from a
// shared secret, tokens carried as unpadded base64url with the nonce
// prepended.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	tagSize   = 16
)

// ErrInvalidToken covers any decode or authentication failure. Callers map
// it to 401 without distinguishing causes.
var ErrInvalidToken = errors.New("invalid token")

// DeriveKey turns a shared secret into a 32-byte AES key.
func DeriveKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:32]
}

// Encrypt seals plaintext under key with a fresh random nonce and returns
// base64url(nonce || ciphertext || tag) without padding.
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("op=aesgcm.encrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=aesgcm.encrypt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=aesgcm.encrypt: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any malformed encoding, truncated payload or
// failed authentication yields ErrInvalidToken.
func Decrypt(token string, key []byte) (string, error) {
	payload, err := decodeToken(token)
	if err != nil {
		return "", err
	}
	if len(payload) <= NonceSize+tagSize {
		return "", ErrInvalidToken
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("op=aesgcm.decrypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=aesgcm.decrypt: %w", err)
	}
	plaintext, err := gcm.Open(nil, payload[:NonceSize], payload[NonceSize:], nil)
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(plaintext), nil
}

func decodeToken(token string) ([]byte, error) {
	// Accept both padded and unpadded base64url; producers emit unpadded.
	if b, err := base64.RawURLEncoding.DecodeString(token); err == nil {
		return b, nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return b, nil
}
