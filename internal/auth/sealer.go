package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrSealedCredential reports a stored credential that cannot be opened.
var ErrSealedCredential = errors.New("sealed credential is corrupt or was sealed with another key")

// CredentialSealer encrypts remote session credentials at rest.
// Sealed form is nonce || secretbox(credential).
type CredentialSealer struct {
	key [32]byte
}

// NewCredentialSealer accepts a 32-byte key, raw or hex encoded.
func NewCredentialSealer(key string) (*CredentialSealer, error) {
	var raw []byte
	switch len(key) {
	case 64:
		b, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("credential key: %w", err)
		}
		raw = b
	case 32:
		raw = []byte(key)
	default:
		return nil, fmt.Errorf("credential key must be 32 raw bytes or 64 hex chars, got %d chars", len(key))
	}
	s := &CredentialSealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts credential.
func (s *CredentialSealer) Seal(credential []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], credential, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *CredentialSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealedCredential
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealedCredential
	}
	return out, nil
}
