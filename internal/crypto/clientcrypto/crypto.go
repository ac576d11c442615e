// Package clientcrypto seals client identity keys at rest.
package clientcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Params
const (
	SaltLen = 16
	KeKLen  = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// sealAAD binds sealed blobs to their purpose.
var sealAAD = []byte("polycentric identity seed v1")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key-encryption key from password and salt using Argon2id.
func DeriveKEK(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, KeKLen)
}

// SealSeed encrypts a signing-key seed under password.
// Layout: salt || nonce || XChaCha20-Poly1305 ciphertext.
func SealSeed(password, seed []byte) ([]byte, error) {
	salt, err := Rand(SaltLen)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SaltLen+len(nonce)+len(seed)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, seed, sealAAD)...)
	return out, nil
}

// OpenSeed reverses SealSeed. A wrong password fails authentication.
func OpenSeed(password, sealed []byte) ([]byte, error) {
	if len(sealed) < SaltLen+chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed seed too short")
	}
	salt := sealed[:SaltLen]
	rest := sealed[SaltLen:]
	aead, err := chacha20poly1305.NewX(DeriveKEK(password, salt))
	if err != nil {
		return nil, err
	}
	nonce := rest[:chacha20poly1305.NonceSizeX]
	ct := rest[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, sealAAD)
}
