package payload

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/realtime-go/internal/cipher"
	"github.com/relaywire/realtime-go/internal/delta"
)

func TestDecode_PlainJSON(t *testing.T) {
	p := New(nil, nil)
	v, err := p.Decode([]byte(`{"a":1}`), "json", "news", "")
	require.NoError(t, err)
	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
}

func TestDecode_Base64JSON(t *testing.T) {
	p := New(nil, nil)
	payload := base64.StdEncoding.EncodeToString([]byte(`"hello"`))
	v, err := p.Decode([]byte(payload), "base64/json", "news", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestDecode_CipherChain(t *testing.T) {
	c, err := cipher.New(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	p := New(c, nil)

	plaintext := []byte(`"secret"`)
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	wire := base64.StdEncoding.EncodeToString(ciphertext)

	v, err := p.Decode([]byte(wire), "json/cipher+aes-256-cbc/base64", "news", "")
	require.NoError(t, err)
	assert.Equal(t, "secret", v)
}

func TestDecode_CipherWithoutEngineConfigured(t *testing.T) {
	p := New(nil, nil)
	_, err := p.Decode([]byte("irrelevant"), "cipher+aes-256-cbc/base64/json", "news", "")
	assert.Error(t, err)
}

func TestDecode_UnrecognizedToken(t *testing.T) {
	p := New(nil, nil)
	_, err := p.Decode([]byte("x"), "bogus", "news", "")
	assert.Error(t, err)
}

func TestDecode_VCDiffWithoutDeltaEngineConfigured(t *testing.T) {
	p := New(nil, nil)
	_, err := p.Decode([]byte("x"), "vcdiff/json", "news", "msg-1")
	assert.Error(t, err)
}

func TestDecodeRaw_ReturnsPreUnmarshalBytesForDeltaBaseline(t *testing.T) {
	p := New(nil, delta.New(0))
	raw, value, err := p.DecodeRaw([]byte(`{"a":1}`), "json", "news", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))
	assert.NotNil(t, value)
}

func TestEncode_AppliesCipherBeforeBase64(t *testing.T) {
	c, err := cipher.New(bytes.Repeat([]byte{0x11}, 16))
	require.NoError(t, err)
	p := New(c, nil)

	encoded, chain, err := p.Encode(map[string]int{"a": 1}, []Token{TokenJSON}, true)
	require.NoError(t, err)
	assert.Equal(t, "json/cipher+aes-128-cbc/base64", chain)

	// round-trip through Decode to prove the chain is self-consistent.
	v, err := p.Decode(encoded, chain, "news", "")
	require.NoError(t, err)
	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
}

func TestEncode_RejectsCipherWithoutEngine(t *testing.T) {
	p := New(nil, nil)
	_, _, err := p.Encode("x", []Token{TokenJSON}, true)
	assert.Error(t, err)
}
