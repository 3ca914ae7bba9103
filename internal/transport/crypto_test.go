package transport

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	plaintext := []byte(`{"LL":{"Code":"200","value":"ok"}}`)
	ciphertext, err := encryptPayload(key, iv, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decoded, err := decryptPayload(key, iv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestDecryptRejectsBadPadding(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	ciphertext := make([]byte, 16)
	_, err := decryptPayload(key, iv, ciphertext)
	require.Error(t, err)
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 33} {
		data := make([]byte, n)
		padded := pkcs7Pad(data, 16)
		require.Equal(t, 0, len(padded)%16)
		unpadded, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		require.Equal(t, data, unpadded)
	}
}
