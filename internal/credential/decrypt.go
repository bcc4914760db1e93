package credential

import (
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// Decrypter turns a stored ciphertext into plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// FernetDecrypter opens Fernet tokens with any of the configured keys. A zero TTL disables
// token age checks, which is what stored credentials need.
type FernetDecrypter struct {
	keys []*fernet.Key
	ttl  time.Duration
}

// NewFernetDecrypter decodes base64url keys; the first key is the current one, the rest are
// accepted for rotation.
func NewFernetDecrypter(ttl time.Duration, keys ...string) (*FernetDecrypter, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("fernet: at least one key is required")
	}
	decoded, err := fernet.DecodeKeys(keys...)
	if err != nil {
		return nil, fmt.Errorf("fernet: decode keys: %w", err)
	}
	return &FernetDecrypter{keys: decoded, ttl: ttl}, nil
}

func (d *FernetDecrypter) Decrypt(ciphertext string) (string, error) {
	plain := fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(ciphertext)), d.ttl, d.keys)
	if plain == nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Encrypt seals a value with the current key. Used by tooling and tests.
func (d *FernetDecrypter) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), d.keys[0])
	if err != nil {
		return "", fmt.Errorf("fernet: encrypt: %w", err)
	}
	return string(tok), nil
}

// Plaintext treats stored values as already decrypted. Development only.
type Plaintext struct{}

func (Plaintext) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

// Open decrypts both halves of a sealed pair.
func Open(d Decrypter, sealed Sealed) (Credential, error) {
	key, err := d.Decrypt(sealed.Key)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := d.Decrypt(sealed.Secret)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	cred := Credential{Key: key, Secret: secret}
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}
	return cred, nil
}
