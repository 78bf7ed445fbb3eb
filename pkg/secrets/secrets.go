// Package secrets encrypts and decrypts at-rest secrets such as partner
// passwords and key-store passwords. Stored values carry a tagged
// prefix identifying the scheme:
//
//	AES:v2:  AES-256-GCM, the only scheme emitted
//	AES:     legacy name for the same payload, accepted on read
//	ENC:     legacy base64 obfuscation, accepted on read only
//	vault:   reference resolved through an external secret store
package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// Scheme prefixes recognized by IsEncrypted.
const (
	PrefixAESv2  = "AES:v2:"
	PrefixAES    = "AES:"
	PrefixVault  = "vault:"
	PrefixLegacy = "ENC:"
)

var (
	// ErrNoVault is returned when a vault: reference is seen but no
	// vault backend is configured.
	ErrNoVault = errors.New("secrets: no vault backend configured")

	// ErrUnknownScheme is returned for a value that claims encryption
	// but carries no recognized prefix.
	ErrUnknownScheme = errors.New("secrets: unknown encryption scheme")
)

// VaultResolver resolves vault: references against an external secret
// store. The store itself is out of scope; this is the seam it plugs
// into.
type VaultResolver interface {
	// Resolve returns the secret value for the given reference (the
	// part after the vault: prefix).
	Resolve(ref string) (string, error)
}

// Service encrypts and decrypts stored secrets.
type Service interface {
	// Encrypt returns the value in AES:v2: form.
	Encrypt(plaintext string) (string, error)

	// Decrypt resolves any recognized stored form back to plaintext.
	// Unprefixed values are returned as-is (pre-encryption configs).
	Decrypt(stored string) (string, error)
}

// Plaintext is the Service used when no master key is configured:
// unprefixed values pass through, encrypted values are refused.
type Plaintext struct{}

func (Plaintext) Encrypt(string) (string, error) {
	return "", errors.New("secrets: no master key configured")
}

func (Plaintext) Decrypt(stored string) (string, error) {
	if IsEncrypted(stored) {
		return "", errors.New("secrets: master key required to decrypt stored value")
	}
	return stored, nil
}

// IsEncrypted reports whether the value carries one of the recognized
// scheme prefixes.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, PrefixAESv2) ||
		strings.HasPrefix(value, PrefixAES) ||
		strings.HasPrefix(value, PrefixVault) ||
		strings.HasPrefix(value, PrefixLegacy)
}

// prefixOf returns the scheme prefix of an encrypted value.
func prefixOf(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, PrefixAESv2):
		return PrefixAESv2, nil
	case strings.HasPrefix(value, PrefixAES):
		return PrefixAES, nil
	case strings.HasPrefix(value, PrefixVault):
		return PrefixVault, nil
	case strings.HasPrefix(value, PrefixLegacy):
		return PrefixLegacy, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScheme, value)
}
