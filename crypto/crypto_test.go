package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	// hex key decodes directly
	raw := bytes.Repeat([]byte{0xab}, KeySize)
	key, err := ParseKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	// passphrase is digested to 32 bytes
	key, err = ParseKey("billing-ops-secret")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	// deterministic
	key2, err := ParseKey("billing-ops-secret")
	require.NoError(t, err)
	assert.Equal(t, key, key2)

	_, err = ParseKey("")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := ParseKey("test-key")
	require.NoError(t, err)

	plaintext := []byte(`{"customer":1042,"balance":"17.50"}`)
	ciphertext, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	out, err := Decrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestEncryptNonceUnique(t *testing.T) {
	key, _ := ParseKey("test-key")
	a, err := Encrypt(key, []byte("same input"))
	require.NoError(t, err)
	b, err := Encrypt(key, []byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongKey(t *testing.T) {
	key1, _ := ParseKey("key-one")
	key2, _ := ParseKey("key-two")
	ciphertext, err := Encrypt(key1, []byte("secret"))
	require.NoError(t, err)
	_, err = Decrypt(key2, ciphertext)
	assert.Error(t, err)
}

func TestDecryptTampered(t *testing.T) {
	key, _ := ParseKey("key")
	ciphertext, err := Encrypt(key, []byte("secret"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = Decrypt(key, ciphertext)
	assert.Error(t, err)
}

func TestDecryptTooShort(t *testing.T) {
	key, _ := ParseKey("key")
	_, err := Decrypt(key, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestBadKeySize(t *testing.T) {
	_, err := Encrypt([]byte("short"), []byte("data"))
	assert.Error(t, err)
	_, err = Decrypt([]byte("short"), []byte("data"))
	assert.Error(t, err)
}
