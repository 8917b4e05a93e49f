package cipher

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadKeyLength(t *testing.T) {
	_, err := New(make([]byte, 10))
	assert.Error(t, err)
}

func TestNew_SelectsAlgorithmByKeyLength(t *testing.T) {
	e128, err := New(make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, Algorithm128, e128.AlgorithmToken())

	e256, err := New(make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, Algorithm256, e256.AlgorithmToken())
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e, err := New(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, err := e.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := e.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncrypt_FreshIVPerMessage(t *testing.T) {
	e, err := New(bytes.Repeat([]byte{0x01}, 16))
	require.NoError(t, err)

	a, err := e.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := e.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each encryption should use a fresh random IV")
	assert.Len(t, a, ivSize+16) // sanity: 16-byte IV followed by one padded 16-byte block
	assert.NotEqual(t, a[:ivSize], b[:ivSize])
}

func TestDecrypt_RejectsShortInput(t *testing.T) {
	e, err := New(make([]byte, 16))
	require.NoError(t, err)
	_, err = e.Decrypt([]byte("short"))
	assert.Error(t, err)
}

func TestDecrypt_RejectsCorruptPadding(t *testing.T) {
	e, err := New(bytes.Repeat([]byte{0x09}, 16))
	require.NoError(t, err)
	ciphertext, err := e.Encrypt([]byte("hello"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = e.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestNewFromBase64(t *testing.T) {
	e, err := New(make([]byte, 16))
	require.NoError(t, err)
	_ = e
	_, err = NewFromBase64("not-valid-base64!!")
	assert.Error(t, err)
}
