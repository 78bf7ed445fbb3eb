package secrets

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"AES:v2:abcd", true},
		{"AES:abcd", true},
		{"vault:kv/pesit/part01", true},
		{"ENC:c2VjcmV0", true},
		{"plaintext", false},
		{"", false},
		{"aes:v2:lowercase", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsEncrypted(tt.value), tt.value)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewAES("master-passphrase", nil)
	require.NoError(t, err)

	stored, err := svc.Encrypt("secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, PrefixAESv2))

	plain, err := svc.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)

	// Two encryptions of the same value differ (random nonce).
	again, err := svc.Encrypt("secret")
	require.NoError(t, err)
	assert.NotEqual(t, stored, again)
}

func TestDecryptLegacyAESPrefix(t *testing.T) {
	svc, err := NewAES("master-passphrase", nil)
	require.NoError(t, err)

	stored, err := svc.Encrypt("secret")
	require.NoError(t, err)

	// Same payload under the legacy AES: prefix decrypts, but the
	// service only ever emits AES:v2:.
	legacy := PrefixAES + strings.TrimPrefix(stored, PrefixAESv2)
	plain, err := svc.Decrypt(legacy)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestDecryptLegacyENC(t *testing.T) {
	svc, err := NewAES("master-passphrase", nil)
	require.NoError(t, err)

	stored := PrefixLegacy + base64.StdEncoding.EncodeToString([]byte("old-secret"))
	plain, err := svc.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, "old-secret", plain)
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	svc, err := NewAES("master-passphrase", nil)
	require.NoError(t, err)

	plain, err := svc.Decrypt("not-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", plain)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	a, err := NewAES("key-a", nil)
	require.NoError(t, err)
	b, err := NewAES("key-b", nil)
	require.NoError(t, err)

	stored, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(stored)
	assert.Error(t, err)
}

type fakeVault map[string]string

func (v fakeVault) Resolve(ref string) (string, error) {
	return v[ref], nil
}

func TestVaultReference(t *testing.T) {
	svc, err := NewAES("master", fakeVault{"kv/pesit/part01": "from-vault"})
	require.NoError(t, err)

	plain, err := svc.Decrypt("vault:kv/pesit/part01")
	require.NoError(t, err)
	assert.Equal(t, "from-vault", plain)

	noVault, err := NewAES("master", nil)
	require.NoError(t, err)
	_, err = noVault.Decrypt("vault:kv/pesit/part01")
	assert.ErrorIs(t, err, ErrNoVault)
}
