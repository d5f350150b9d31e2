package codec

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor transforms a payload before it is framed and the reverse
// on receipt, same contract shape as Compressor (spec.md §4.8).
type Encryptor interface {
	Encrypt(payload []byte) ([]byte, error)
	Decrypt(payload []byte) ([]byte, error)
}

// ChaCha20Poly1305Encryptor is the default Encryptor, backed by
// golang.org/x/crypto/chacha20poly1305. Neither conn nor the dispatcher
// calls an Encryptor: the SYSTEM and CHAT profiles' Encryption flag is
// recorded in the QoS catalog but payloads are sent unencrypted.
type ChaCha20Poly1305Encryptor struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewChaCha20Poly1305Encryptor returns an Encryptor keyed by key, which
// must be chacha20poly1305.KeySize (32) bytes.
func NewChaCha20Poly1305Encryptor(key []byte) (*ChaCha20Poly1305Encryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("codec: new aead: %w", err)
	}
	return &ChaCha20Poly1305Encryptor{aead: aead}, nil
}

// Encrypt prepends a random nonce to the sealed ciphertext.
func (e *ChaCha20Poly1305Encryptor) Encrypt(payload []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(payload)+e.aead.Overhead())
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, payload, nil), nil
}

// Decrypt splits the leading nonce off payload and opens the
// remainder.
func (e *ChaCha20Poly1305Encryptor) Decrypt(payload []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(payload) < n {
		return nil, fmt.Errorf("codec: ciphertext shorter than nonce")
	}
	nonce, ciphertext := payload[:n], payload[n:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: decrypt: %w", err)
	}
	return plaintext, nil
}

// NopEncryptor is a pass-through Encryptor for profiles with
// Encryption disabled.
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(payload []byte) ([]byte, error) { return payload, nil }
func (NopEncryptor) Decrypt(payload []byte) ([]byte, error) { return payload, nil }
