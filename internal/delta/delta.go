// Package delta implements the DeltaEngine of spec.md §4.9: a VCDIFF
// (RFC 3284) decoder over a per-channel baseline, with a decode-failure
// recovery signal (DeltaRecoverable) when the baseline doesn't match.
package delta

import (
	"fmt"
	"sync"

	"github.com/relaywire/realtime-go/internal/rterrors"
)

const defaultMaxDecodedBytes = 64 << 20 // 64 MiB, spec.md §4.9 default cap

// baseline is the (previous_id, previous_payload_bytes) pair a channel's
// next delta-encoded message decodes against (spec.md §4.9).
type baseline struct {
	id      string
	payload []byte
}

// Engine holds per-channel baselines. It is safe for concurrent use; in
// practice each channel's inbound frames are processed by one owner task
// (spec.md §5), but the map itself is guarded for defensive safety across
// multiple channels sharing an Engine.
type Engine struct {
	mu              sync.Mutex
	baselines       map[string]baseline
	maxDecodedBytes int
}

// New constructs an Engine. maxDecodedBytes <= 0 uses the spec.md §4.9
// default of 64 MiB.
func New(maxDecodedBytes int) *Engine {
	if maxDecodedBytes <= 0 {
		maxDecodedBytes = defaultMaxDecodedBytes
	}
	return &Engine{baselines: make(map[string]baseline), maxDecodedBytes: maxDecodedBytes}
}

// SetBaseline records (id, payload) as the new baseline for channel,
// called by the caller after a non-delta message (or a successfully
// decoded delta message) is delivered (spec.md §4.6 step 5).
func (e *Engine) SetBaseline(channel, id string, payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baselines[channel] = baseline{id: id, payload: payload}
}

// ClearBaseline discards channel's baseline, called on reattach (spec.md
// §4.6 step 2, S5).
func (e *Engine) ClearBaseline(channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.baselines, channel)
}

// DecodeMessage decodes a delta-encoded payload for channel given the
// "from" id it was encoded against, per spec.md invariant 3: if from
// doesn't match the recorded baseline id, it returns a DeltaRecoverable
// error (spec.md §4.2, §4.9) rather than attempting to decode.
func (e *Engine) DecodeMessage(channel, from string, vcdiffPayload []byte) ([]byte, error) {
	e.mu.Lock()
	b, ok := e.baselines[channel]
	e.mu.Unlock()
	if !ok || b.id != from {
		return nil, rterrors.New(rterrors.KindDeltaRecoverable, 40018, fmt.Sprintf("delta baseline mismatch: have %q, message wants %q", b.id, from))
	}
	return decodeVCDiff(vcdiffPayload, b.payload, e.maxDecodedBytes)
}

// Baseline returns the current (id, payload) baseline for channel, if any.
func (e *Engine) Baseline(channel string) (id string, payload []byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.baselines[channel]
	if !ok {
		return "", nil, false
	}
	return b.id, b.payload, true
}
