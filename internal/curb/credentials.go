package curb

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrSealedCredential indicates a credential blob that could not be opened,
// usually a key rotation without re-sealing.
var ErrSealedCredential = errors.New("cannot open sealed credential")

// SealCredential encrypts an API password for storage. The nonce is prepended
// to the box.
func SealCredential(key [32]byte, plaintext string) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &key), nil
}

// OpenCredential decrypts a sealed API password.
func OpenCredential(key [32]byte, sealed []byte) (string, error) {
	if len(sealed) < 24 {
		return "", ErrSealedCredential
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return "", ErrSealedCredential
	}
	return string(plaintext), nil
}
