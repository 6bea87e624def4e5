// Package crypto seals and opens credential strings so venue API secrets can
// sit in config files and environment variables encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SealedPrefix marks a sealed value. Anything else is plaintext.
	SealedPrefix = "sealed:v1:"

	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
)

// ErrPassphrase is returned when a sealed value is met without a passphrase
// or the passphrase does not open it.
var ErrPassphrase = errors.New("crypto: missing or wrong passphrase")

// IsSealed reports whether v carries SealedPrefix.
func IsSealed(v string) bool { return strings.HasPrefix(v, SealedPrefix) }

// Seal encrypts plaintext with a key derived from passphrase
// (PBKDF2-HMAC-SHA256, AES-256-GCM). The result is
// SealedPrefix + base64(salt | nonce | ciphertext).
func Seal(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrPassphrase
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}

	blob := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Open returns v unchanged when it is not sealed, and the decrypted
// plaintext otherwise.
func Open(v, passphrase string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if passphrase == "" {
		return "", ErrPassphrase
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("crypto: decode sealed value: %w", err)
	}
	if len(blob) < saltLen {
		return "", errors.New("crypto: sealed value too short")
	}
	gcm, err := newGCM(passphrase, blob[:saltLen])
	if err != nil {
		return "", err
	}
	rest := blob[saltLen:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return "", errors.New("crypto: sealed value too short")
	}
	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPassphrase, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}
