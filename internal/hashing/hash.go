// Package hashing provides the deterministic hash and HMAC primitives used for
// audit chaining and vote-signature verification.
package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrEmptyKey is returned when a signer is built without key material.
var ErrEmptyKey = errors.New("hashing: empty key") //nolint:gochecknoglobals // sentinel error

// Hash returns the hex SHA-256 of the concatenated parts.
func Hash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Signer signs and verifies messages with HMAC-SHA256.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// Sign returns the hex HMAC of msg.
func (s *Signer) Sign(msg []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares sig against the HMAC of msg in constant time.
func (s *Signer) Verify(msg []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return hmac.Equal(mac.Sum(nil), want)
}

// DeriveKey expands a master secret into a 32-byte key bound to purpose, so the
// same secret can back several independent signers.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrEmptyKey
	}
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("civicguard/"+purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hashing.DeriveKey: %w", err)
	}
	return out, nil
}
