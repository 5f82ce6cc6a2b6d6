// Package crypto holds the gateway's cryptographic primitives: the X25519
// handshake, the per-session AEAD payload cipher, and JWT minting and
// verification. Nothing here keeps state between calls; session state lives
// in the session manager, token state in the token manager.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of X25519 public/private keys and derived session keys.
const KeySize = 32

// hkdfInfo binds derived keys to this protocol so a shared secret reused in
// another context cannot produce the same session key.
var hkdfInfo = []byte("evermind-gateway-session-v1")

// KeyPair is an ephemeral X25519 key pair generated per handshake.
type KeyPair struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// GenerateKeyPair creates a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// DeriveSessionKey computes the X25519 shared secret against the peer's
// public key and stretches it through HKDF-SHA256 into a symmetric AEAD key.
// Both sides arrive at the same key; the salt is the empty string so no
// extra round trip is needed.
func (kp *KeyPair) DeriveSessionKey(peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	shared, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		return key, fmt.Errorf("X25519 exchange failed: %w", err)
	}
	// All-zero shared secret means the peer sent a low-order point.
	var zero [KeySize]byte
	if subtleEqual(shared, zero[:]) {
		return key, errors.New("peer public key is a low-order point")
	}

	r := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return key, nil
}

func subtleEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
