package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/realtime-go/internal/rterrors"
)

// buildADDOnlyWindow builds a minimal single-window VCDIFF stream that
// ignores the source entirely and emits literal via one ADD instruction,
// enough to exercise decodeVCDiff's instruction-stream path without needing
// a full encoder. literal must be <=0x3F bytes (ADD's opcode encodes size
// directly).
func buildADDOnlyWindow(literal []byte) []byte {
	var b []byte
	b = append(b, magic[:]...)
	b = append(b, 0x00) // header indicator
	b = append(b, 0x00) // window indicator: no source/target segment
	b = append(b, 0x00) // delta encoding length (unused by the decoder)
	b = append(b, byte(len(literal)))
	b = append(b, 0x00) // delta indicator: no secondary compression
	b = append(b, byte(len(literal))) // data section length
	b = append(b, 0x01)               // instruction section length
	b = append(b, 0x00)               // address section length
	b = append(b, literal...)         // data section
	b = append(b, byte(len(literal))) // instruction: ADD <size>
	return b
}

func TestDecodeMessage_Success(t *testing.T) {
	e := New(0)
	e.SetBaseline("news", "msg-1", []byte("prior payload"))

	encoded := buildADDOnlyWindow([]byte("hi"))
	out, err := e.DecodeMessage("news", "msg-1", encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestDecodeMessage_BaselineMismatchIsRecoverable(t *testing.T) {
	e := New(0)
	e.SetBaseline("news", "msg-1", []byte("prior payload"))

	encoded := buildADDOnlyWindow([]byte("hi"))
	_, err := e.DecodeMessage("news", "msg-WRONG", encoded)
	require.Error(t, err)
	kind, ok := rterrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.KindDeltaRecoverable, kind)
}

func TestDecodeMessage_NoBaselineIsRecoverable(t *testing.T) {
	e := New(0)
	encoded := buildADDOnlyWindow([]byte("hi"))
	_, err := e.DecodeMessage("news", "msg-1", encoded)
	kind, ok := rterrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, rterrors.KindDeltaRecoverable, kind)
}

func TestClearBaseline(t *testing.T) {
	e := New(0)
	e.SetBaseline("news", "msg-1", []byte("payload"))
	e.ClearBaseline("news")
	_, _, ok := e.Baseline("news")
	assert.False(t, ok)
}

func TestDecodeVCDiff_RejectsBadMagic(t *testing.T) {
	_, err := decodeVCDiff([]byte("not a vcdiff stream"), nil, defaultMaxDecodedBytes)
	assert.Error(t, err)
}

func TestDecodeVCDiff_EnforcesOutputCap(t *testing.T) {
	encoded := buildADDOnlyWindow([]byte("hi"))
	_, err := decodeVCDiff(encoded, nil, 1)
	assert.Error(t, err)
}
