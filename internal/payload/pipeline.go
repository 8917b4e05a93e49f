// Package payload implements the PayloadPipeline of spec.md §4.2: applying
// and reversing the encoding chain recorded in Message.Encoding.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaywire/realtime-go/internal/cipher"
	"github.com/relaywire/realtime-go/internal/delta"
	"github.com/relaywire/realtime-go/internal/rterrors"
)

// Token is one link of an encoding chain, e.g. "json", "utf-8", "base64",
// "cipher+aes-256-cbc", "vcdiff". Recognized tokens per spec.md §4.2.
type Token string

const (
	TokenJSON    Token = "json"
	TokenUTF8    Token = "utf-8"
	TokenBase64  Token = "base64"
	TokenVCDiff  Token = "vcdiff"
	cipherPrefix       = "cipher+"
)

// Pipeline applies/reverses the encoding chain. Cipher is optional (nil if
// no cipher.key configured); Delta is optional (nil disables delta support,
// causing any vcdiff token to fail with MissingVcdiffDecoder).
type Pipeline struct {
	Cipher *cipher.Engine
	Delta  *delta.Engine
}

// New constructs a Pipeline. Either argument may be nil.
func New(c *cipher.Engine, d *delta.Engine) *Pipeline {
	return &Pipeline{Cipher: c, Delta: d}
}

func parseChain(encoding string) []Token {
	if encoding == "" {
		return nil
	}
	parts := strings.Split(encoding, "/")
	tokens := make([]Token, len(parts))
	for i, p := range parts {
		tokens[i] = Token(p)
	}
	return tokens
}

func joinChain(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = string(t)
	}
	return strings.Join(parts, "/")
}

func isCipherToken(t Token) bool { return strings.HasPrefix(string(t), cipherPrefix) }

// Decode reverses the chain recorded in encoding against data, returning the
// final decoded value: an unmarshaled value if the chain contains a "json"
// token, otherwise the raw bytes. channel and deltaFrom (Message.Extras'
// delta.from, or "" if the message carries no delta extras) route a
// "vcdiff" token to the right per-channel baseline; DeliveryEngine extracts
// deltaFrom before calling Decode (spec.md §4.6 step 2, invariant 3).
func (p *Pipeline) Decode(data []byte, encoding string, channel, deltaFrom string) (interface{}, error) {
	_, v, err := p.DecodeRaw(data, encoding, channel, deltaFrom)
	return v, err
}

// DecodeRaw behaves as Decode but also returns the fully-reversed byte
// representation (post-cipher, post-vcdiff, pre-JSON-unmarshal). This is
// the form DeliveryEngine records as the next delta baseline for the
// channel (spec.md §4.6 step 5, §4.9: "After successful decode, the
// baseline is updated").
func (p *Pipeline) DecodeRaw(data []byte, encoding string, channel, deltaFrom string) (raw []byte, value interface{}, err error) {
	tokens := parseChain(encoding)
	cur := data

	// Tokens reverse right-to-left (spec.md §4.2). Cipher's documented wire
	// position is outermost (immediately inside base64, wrapping any
	// vcdiff/json layers beneath it), so a plain right-to-left pass already
	// reverses cipher ahead of delta whenever both appear — matching "if
	// both appear the cipher layer is reversed first".
	var asJSON = false
	for i := len(tokens) - 1; i >= 0; i-- {
		switch t := tokens[i]; {
		case t == TokenBase64:
			decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cur)))
			n, err := base64.StdEncoding.Decode(decoded, cur)
			if err != nil {
				return nil, nil, rterrors.Wrap(rterrors.KindDecode, 0, err)
			}
			cur = decoded[:n]
		case t == TokenUTF8:
			// text <-> bytes; no-op for []byte representation.
		case isCipherToken(t):
			if p.Cipher == nil {
				return nil, nil, rterrors.New(rterrors.KindEncryption, 0, "message is encrypted but no cipher is configured")
			}
			decrypted, err := p.Cipher.Decrypt(cur)
			if err != nil {
				return nil, nil, rterrors.Wrap(rterrors.KindEncryption, 0, err)
			}
			cur = decrypted
		case t == TokenVCDiff:
			if p.Delta == nil {
				return nil, nil, rterrors.New(rterrors.KindBadRequest, 40019, "MissingVcdiffDecoder")
			}
			decoded, err := p.Delta.DecodeMessage(channel, deltaFrom, cur)
			if err != nil {
				return nil, nil, err // already a typed rterrors.Error (DeltaRecoverable or Internal)
			}
			cur = decoded
		case t == TokenJSON:
			asJSON = true
		default:
			return nil, nil, rterrors.New(rterrors.KindDecode, 0, fmt.Sprintf("unrecognized encoding token %q", t))
		}
	}

	if asJSON {
		var v interface{}
		if err := json.Unmarshal(cur, &v); err != nil {
			return nil, nil, rterrors.Wrap(rterrors.KindDecode, 0, err)
		}
		return cur, v, nil
	}
	return cur, cur, nil
}

// Encode applies the chain left-to-right, producing wire bytes and the
// resulting encoding string. want lists the tokens to apply in order
// (excluding cipher, which Encode appends automatically before base64 when
// p.Cipher is non-nil and useCipher is true).
func (p *Pipeline) Encode(value interface{}, want []Token, useCipher bool) ([]byte, string, error) {
	var cur []byte
	chain := make([]Token, 0, len(want)+1)

	for _, t := range want {
		switch t {
		case TokenJSON:
			b, err := json.Marshal(value)
			if err != nil {
				return nil, "", rterrors.Wrap(rterrors.KindBadRequest, 0, err)
			}
			cur = b
			chain = append(chain, TokenJSON)
		case TokenUTF8:
			if cur == nil {
				if s, ok := value.(string); ok {
					cur = []byte(s)
				}
			}
			chain = append(chain, TokenUTF8)
		case TokenBase64:
			enc := base64.StdEncoding.EncodeToString(cur)
			cur = []byte(enc)
			chain = append(chain, TokenBase64)
		default:
			return nil, "", rterrors.New(rterrors.KindBadRequest, 0, fmt.Sprintf("unsupported encode token %q", t))
		}
	}
	if cur == nil {
		if b, ok := value.([]byte); ok {
			cur = b
		} else if s, ok := value.(string); ok {
			cur = []byte(s)
		}
	}

	if useCipher {
		if p.Cipher == nil {
			return nil, "", rterrors.New(rterrors.KindEncryption, 0, "cipher requested but not configured")
		}
		ciphertext, err := p.Cipher.Encrypt(cur)
		if err != nil {
			return nil, "", rterrors.Wrap(rterrors.KindEncryption, 0, err)
		}
		cur = []byte(base64.StdEncoding.EncodeToString(ciphertext))
		chain = append(chain, Token(cipherPrefix+p.Cipher.AlgorithmToken()), TokenBase64)
	}

	return cur, joinChain(chain), nil
}
