package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAESCipherRequiresSecret(t *testing.T) {
	_, err := NewAESCipher("")
	require.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewAESCipher("unit-test-secret")
	require.NoError(t, err)

	plain := []byte(`{"access_token":"xoxb-1","refresh_token":"r-1"}`)
	blob, err := c.Encrypt(plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, blob)

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c, err := NewAESCipher("unit-test-secret")
	require.NoError(t, err)

	plain := []byte("same plaintext")
	first, err := c.Encrypt(plain)
	require.NoError(t, err)
	second, err := c.Encrypt(plain)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestDecryptWrongKey(t *testing.T) {
	writer, err := NewAESCipher("secret-a")
	require.NoError(t, err)
	reader, err := NewAESCipher("secret-b")
	require.NoError(t, err)

	blob, err := writer.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = reader.Decrypt(blob)
	require.Error(t, err)
}

func TestDecryptTruncatedBlob(t *testing.T) {
	c, err := NewAESCipher("unit-test-secret")
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02})
	require.ErrorIs(t, err, errCiphertextTooShort)
}

func TestDecryptTamperedBlob(t *testing.T) {
	c, err := NewAESCipher("unit-test-secret")
	require.NoError(t, err)

	blob, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = c.Decrypt(blob)
	require.Error(t, err)
}
