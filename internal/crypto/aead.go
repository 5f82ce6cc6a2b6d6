package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// AlgXChaCha20Poly1305 is the algorithm tag carried in every sealed payload.
const AlgXChaCha20Poly1305 = "xchacha20-poly1305"

// Direction is the one-byte frame direction mixed into the associated data
// so a client-to-server frame can never be replayed as a server-to-client
// frame on the same session.
type Direction string

const (
	DirectionC2S Direction = "C2S"
	DirectionS2C Direction = "S2C"
)

// SealedPayload is the wire form of one AEAD frame: a fresh 24-byte nonce,
// the algorithm tag, and the ciphertext, all base64.
type SealedPayload struct {
	Nonce      string `json:"nonce"`
	Alg        string `json:"alg"`
	Ciphertext string `json:"ciphertext"`
}

// AssociatedData binds a frame to its session and direction.
func AssociatedData(clientID string, dir Direction) []byte {
	return append([]byte(clientID), dir...)
}

// Seal encrypts plaintext under the session key with a fresh random nonce.
func Seal(key [KeySize]byte, plaintext, additionalData []byte) (*SealedPayload, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, additionalData)
	return &SealedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Alg:        AlgXChaCha20Poly1305,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// ErrDecrypt is returned whenever a sealed payload fails to authenticate,
// regardless of which field was malformed. Callers map it to
// encryption/decrypt_fail without distinguishing causes.
var ErrDecrypt = errors.New("ciphertext did not authenticate")

// Open decrypts a sealed payload. Any malformed field, unknown algorithm,
// wrong nonce size, or authentication failure yields ErrDecrypt.
func Open(key [KeySize]byte, payload *SealedPayload, additionalData []byte) ([]byte, error) {
	if payload == nil || payload.Alg != AlgXChaCha20Poly1305 {
		return nil, ErrDecrypt
	}

	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
