package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks configuration values that hold ciphertext.
const SealedPrefix = "enc:"

var (
	ErrInvalidKey        = errors.New("crypto: invalid encryption key")
	ErrEncryptionFailed  = errors.New("crypto: encryption failed")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCipherText = errors.New("crypto: invalid cipher text")
)

// Box seals short secrets such as the cluster SSH password with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the AES key from passphrase with SHA-256.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &Box{aead: gcm}, nil
}

// Seal returns SealedPrefix followed by base64(nonce || ciphertext).
func (b *Box) Seal(plainText string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptionFailed
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plainText), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCipherText
	}
	n := b.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCipherText
	}
	plain, err := b.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Reveal decrypts value when it carries SealedPrefix and returns it unchanged
// otherwise.
func Reveal(value, passphrase string) (string, error) {
	if !strings.HasPrefix(value, SealedPrefix) {
		return value, nil
	}
	box, err := NewBox(passphrase)
	if err != nil {
		return "", err
	}
	return box.Open(value)
}
