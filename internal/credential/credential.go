// Package credential holds exchange API credentials and the fingerprint used to key
// shared clients and rate-limit windows without exposing the secret.
package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissing is returned when the key or secret is empty.
	ErrMissing = errors.New("credential key and secret are required")
	// ErrDecrypt is returned when a sealed value cannot be opened.
	ErrDecrypt = errors.New("credential could not be decrypted")
)

// Credential is a plaintext API key pair. It is only held in memory while a bot runs.
type Credential struct {
	Key    string
	Secret string
}

// Sealed is the encrypted pair as kept by the user store.
type Sealed struct {
	Key    string
	Secret string
}

// Fingerprint is the first 16 hex chars of sha256("key:secret").
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Key + ":" + c.Secret))
	return hex.EncodeToString(sum[:])[:16]
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Key) == "" || strings.TrimSpace(c.Secret) == "" {
		return ErrMissing
	}
	return nil
}

// String never prints the key material.
func (c Credential) String() string {
	return fmt.Sprintf("credential(%s)", c.Fingerprint()[:8])
}

// GoString keeps %#v from leaking the secret as well.
func (c Credential) GoString() string {
	return c.String()
}
