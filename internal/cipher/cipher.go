// Package cipher implements the CipherEngine of spec.md §4.8: AES-CBC with
// PKCS#7 padding and a fresh random IV per message.
package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/relaywire/realtime-go/internal/rterrors"
)

const (
	ivSize = 16

	Algorithm128 = "aes-128-cbc"
	Algorithm256 = "aes-256-cbc"
)

// randReader is a package var so tests can substitute a deterministic
// reader, matching the teacher's internal/crypto injectable randReader
// idiom (internal/crypto/crypto_test.go's withRandReader helper).
var randReader io.Reader = rand.Reader

// Engine holds a validated cipher key and exposes Encrypt/Decrypt over the
// wire representation `iv || ciphertext`.
type Engine struct {
	key       []byte
	algorithm string
}

// New validates key (raw bytes) and constructs an Engine. Per spec.md §4.8
// and invariant 7, key must be exactly 16 or 32 bytes; any other length is
// rejected at construction.
func New(key []byte) (*Engine, error) {
	switch len(key) {
	case 16:
		return &Engine{key: key, algorithm: Algorithm128}, nil
	case 32:
		return &Engine{key: key, algorithm: Algorithm256}, nil
	default:
		return nil, rterrors.New(rterrors.KindBadRequest, 0,
			fmt.Sprintf("cipher key must be 16 or 32 bytes, got %d", len(key)))
	}
}

// NewFromBase64 decodes a base64 key string and constructs an Engine; "the
// decoded byte length determines the algorithm" (spec.md §4.10's sibling
// note in §4.8).
func NewFromBase64(keyB64 string) (*Engine, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.KindBadRequest, 0, err)
	}
	return New(key)
}

// AlgorithmToken returns the cipher token used in the Message.Encoding
// chain, e.g. "aes-256-cbc" (the pipeline prefixes "cipher+").
func (e *Engine) AlgorithmToken() string { return e.algorithm }

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("cipher: empty plaintext")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n || padLen > aes.BlockSize {
		return nil, fmt.Errorf("cipher: invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("cipher: invalid padding")
		}
	}
	return data[:n-padLen], nil
}

// Encrypt pads and encrypts plaintext, generating a fresh random IV, and
// returns `iv || ciphertext` (spec.md §4.8). Callers base64-encode this for
// the wire; the Pipeline does so when composing the encoding chain.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("cipher: generating IV: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, ivSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt splits the first 16 bytes of data as the IV and decrypts the
// remainder (spec.md §4.8). data is base64-decoded by the caller before
// this is invoked via the Pipeline.
func (e *Engine) Decrypt(data []byte) ([]byte, error) {
	if len(data) < ivSize {
		return nil, fmt.Errorf("cipher: ciphertext too short")
	}
	iv := data[:ivSize]
	ciphertext := data[ivSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cipher: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}
