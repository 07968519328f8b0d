// Package crypto seals session tokens before they leave the process.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks a sealed value and its format version.
const sealedPrefix = "sg1:"

var (
	// ErrInvalidKeySize 密钥长度无效
	ErrInvalidKeySize = errors.New("sealing key must be 32 bytes (AES-256)")
	// ErrMalformed 密文格式无效
	ErrMalformed = errors.New("sealed value is malformed")
	// ErrOpenFailed 认证失败（密钥错误、被篡改或绑定的用户不匹配）
	ErrOpenFailed = errors.New("sealed value failed authentication")
)

// TokenSealer encrypts tokens with AES-256-GCM.
//
// A sealed value is "sg1:" + base64(nonce || ciphertext || tag). The bound
// value (the user ID) is authenticated but not stored, so a token copied
// onto another user's record does not open.
type TokenSealer struct {
	aead cipher.AEAD
}

// NewTokenSealer creates a sealer from a 32 byte key.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &TokenSealer{aead: aead}, nil
}

// ParseKey accepts a raw 32 byte key or its standard base64 encoding.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 32 {
		return []byte(s), nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not 32 raw bytes and not base64", ErrInvalidKeySize)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d decoded bytes", ErrInvalidKeySize, len(key))
	}
	return key, nil
}

// Seal encrypts plaintext bound to boundTo. Empty plaintext stays empty.
func (s *TokenSealer) Seal(plaintext, boundTo string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(boundTo))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same boundTo.
func (s *TokenSealer) Open(sealed, boundTo string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !IsSealed(sealed) {
		return "", ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n+s.aead.Overhead() {
		return "", ErrMalformed
	}
	plaintext, err := s.aead.Open(nil, raw[:n], raw[n:], []byte(boundTo))
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether v carries the sealed value prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}
