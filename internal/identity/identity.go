// Package identity implements system public keys and signature verification.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/and161185/polycentric-server/internal/errs"
)

// KeyTypeEd25519 is the only key family currently accepted.
const KeyTypeEd25519 uint64 = 1

// PublicKey identifies a system. KeyType selects the verification algorithm.
type PublicKey struct {
	KeyType uint64
	Key     []byte
}

// Valid reports whether the key has a known type and a well-formed body.
func (pk PublicKey) Valid() error {
	switch pk.KeyType {
	case KeyTypeEd25519:
		if len(pk.Key) != ed25519.PublicKeySize {
			return fmt.Errorf("ed25519 key size %d: %w", len(pk.Key), errs.ErrMalformed)
		}
		return nil
	default:
		return fmt.Errorf("unknown key type %d: %w", pk.KeyType, errs.ErrMalformed)
	}
}

// Equal reports whether both keys have the same type and bytes.
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk.KeyType == other.KeyType && bytes.Equal(pk.Key, other.Key)
}

// Verify reports whether signature is valid for message under system.
// It fails closed: unknown key types, malformed keys and malformed signatures
// all yield false.
func Verify(system PublicKey, message, signature []byte) bool {
	switch system.KeyType {
	case KeyTypeEd25519:
		if len(system.Key) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(system.Key), message, signature)
	default:
		return false
	}
}

// PrivateKey is a signing key together with its public identity.
type PrivateKey struct {
	priv ed25519.PrivateKey
}

// GenerateKey creates a fresh Ed25519 identity.
func GenerateKey() (PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("key generation failed: %w", err)
	}
	return PrivateKey{priv: priv}, nil
}

// PrivateKeyFromSeed rebuilds a key from its 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PrivateKey{}, fmt.Errorf("seed size %d: %w", len(seed), errs.ErrMalformed)
	}
	return PrivateKey{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Seed returns the 32-byte seed of the key.
func (k PrivateKey) Seed() []byte { return k.priv.Seed() }

// Public returns the system identity of the key.
func (k PrivateKey) Public() PublicKey {
	return PublicKey{KeyType: KeyTypeEd25519, Key: []byte(k.priv.Public().(ed25519.PublicKey))}
}

// Sign signs message.
func (k PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}
