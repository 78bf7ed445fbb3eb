package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// AESService implements Service with AES-256-GCM. The key is derived
// from a master passphrase with SHA-256; the nonce is prepended to the
// ciphertext and the whole payload is base64 encoded.
type AESService struct {
	aead  cipher.AEAD
	vault VaultResolver
}

// NewAES creates an AESService from a master passphrase. The optional
// vault resolver serves vault: references; pass nil when no external
// store is configured.
func NewAES(masterKey string, vault VaultResolver) (*AESService, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("secrets: master key must not be empty")
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESService{aead: aead, vault: vault}, nil
}

// Encrypt returns the value in AES:v2: form.
func (s *AESService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return PrefixAESv2 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt resolves any recognized stored form back to plaintext.
func (s *AESService) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	prefix, err := prefixOf(stored)
	if err != nil {
		return "", err
	}
	payload := strings.TrimPrefix(stored, prefix)

	switch prefix {
	case PrefixAESv2, PrefixAES:
		return s.open(payload)
	case PrefixVault:
		if s.vault == nil {
			return "", ErrNoVault
		}
		return s.vault.Resolve(payload)
	case PrefixLegacy:
		// Legacy obfuscation, read-only: never emitted again.
		plain, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("secrets: decode legacy value: %w", err)
		}
		return string(plain), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScheme, prefix)
}

func (s *AESService) open(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("secrets: decode payload: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("secrets: payload shorter than nonce")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plain), nil
}
