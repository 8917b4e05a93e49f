package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/relaywire/realtime-go/internal/rterrors"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the wire encoding, fixed for a connection's lifetime at
// connect time via the "format" URL parameter (spec.md §4.1, §6).
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// Codec encodes/decodes Frames for one wire Format, per spec.md §4.1.
type Codec interface {
	Format() Format
	Encode(f *Frame) ([]byte, error)
	Decode(b []byte) (*Frame, error)
}

// ForFormat returns the Codec for the given format.
func ForFormat(format Format) (Codec, error) {
	switch format {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatMsgpack:
		return msgpackCodec{}, nil
	default:
		return nil, rterrors.New(rterrors.KindBadRequest, 0, fmt.Sprintf("unsupported wire format %q", format))
	}
}

// decodeErr wraps err as a non-retryable Decode error, per spec.md §4.1
// ("Fails with DecodeError on malformed input").
func decodeErr(err error) error {
	return rterrors.Wrap(rterrors.KindDecode, 0, err)
}

type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatJSON }

// frameAlias avoids infinite recursion through MarshalJSON/UnmarshalJSON
// while still letting us splice Unknown fields in/out.
type frameAlias Frame

func (jsonCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, decodeErr(fmt.Errorf("nil frame"))
	}
	if !f.Action.Valid() {
		return nil, decodeErr(fmt.Errorf("invalid action %d", f.Action))
	}
	b, err := json.Marshal((*frameAlias)(f))
	if err != nil {
		return nil, decodeErr(err)
	}
	if len(f.Unknown) == 0 {
		return b, nil
	}
	// Merge Unknown fields back in without disturbing known ones: decode to
	// a generic map, add the preserved keys, re-encode.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, decodeErr(err)
	}
	for k, v := range f.Unknown {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

func (jsonCodec) Decode(b []byte) (*Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, decodeErr(err)
	}
	var alias frameAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return nil, decodeErr(err)
	}
	f := Frame(alias)
	if !f.Action.Valid() {
		return nil, decodeErr(fmt.Errorf("unknown action code %d", f.Action))
	}
	known := knownFrameKeys
	unknown := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			unknown[k] = v
		}
	}
	if len(unknown) > 0 {
		f.Unknown = unknown
	}
	return &f, nil
}

var knownFrameKeys = map[string]struct{}{
	"action": {}, "channel": {}, "id": {}, "channelSerial": {}, "connectionId": {},
	"connectionKey": {}, "msgSerial": {}, "count": {}, "flags": {}, "error": {},
	"messages": {}, "presence": {}, "connectionDetails": {}, "auth": {},
}

type msgpackCodec struct{}

func (msgpackCodec) Format() Format { return FormatMsgpack }

func (msgpackCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, decodeErr(fmt.Errorf("nil frame"))
	}
	if !f.Action.Valid() {
		return nil, decodeErr(fmt.Errorf("invalid action %d", f.Action))
	}
	b, err := msgpack.Marshal((*frameAlias)(f))
	if err != nil {
		return nil, decodeErr(err)
	}
	return b, nil
}

func (msgpackCodec) Decode(b []byte) (*Frame, error) {
	var alias frameAlias
	if err := msgpack.Unmarshal(b, &alias); err != nil {
		return nil, decodeErr(err)
	}
	f := Frame(alias)
	if !f.Action.Valid() {
		return nil, decodeErr(fmt.Errorf("unknown action code %d", f.Action))
	}
	return &f, nil
}
