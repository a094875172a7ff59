package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "stepauth session entries v1"

var errUnsealable = errors.New("entry can not be opened")

// Sealer protects entry values at rest
// The entry name is bound to the value, so values can not be swapped between entries.
type Sealer interface {
	Seal(name string, plaintext []byte) ([]byte, error)
	Open(name string, sealed []byte) ([]byte, error)
}

// NewSealer derives an XChaCha20-Poly1305 key from secretKey
// Empty secretKey gives a sealer that stores values as is.
func NewSealer(secretKey string) (Sealer, error) {
	if secretKey == "" {
		return plainSealer{}, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secretKey), nil, []byte(sealerInfo)), key); err != nil {
		return nil, fmt.Errorf("error while deriving sealing key. Err: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("error while creating cipher. Err: %w", err)
	}

	return &aeadSealer{aead: aead}, nil
}

type aeadSealer struct {
	aead cipher.AEAD
}

// Seal returns nonce followed by ciphertext
func (s *aeadSealer) Seal(name string, plaintext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("error while generating nonce. Err: %w", err)
	}

	return s.aead.Seal(out, out[:nonceSize], plaintext, []byte(name)), nil
}

func (s *aeadSealer) Open(name string, sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, errUnsealable
	}

	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(name))
	if err != nil {
		return nil, errUnsealable
	}
	return plaintext, nil
}

type plainSealer struct{}

func (plainSealer) Seal(_ string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (plainSealer) Open(_ string, sealed []byte) ([]byte, error) {
	return sealed, nil
}
