package eventstore

import (
	"bytes"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpackHandle is the shared codec configuration. Canonical mode sorts map
// keys so that encoding the same logical value always yields the same bytes;
// projection rebuild equality depends on this. Untyped values decode back to
// map[string]interface{} and string, matching what was encoded.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	h.WriteExt = true
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// EncodeEvent binary-packs an event.
func EncodeEvent(e *Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(e); err != nil {
		return nil, wrapError(KindIO, err, "encode event")
	}
	return buf.Bytes(), nil
}

// DecodeEvent unpacks an event from its binary form.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(&e); err != nil {
		return nil, wrapError(KindIO, err, "decode event")
	}
	return &e, nil
}

// EncodeCanonical binary-packs an arbitrary value with sorted map keys.
// Snapshots and signatures both use this.
func EncodeCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, wrapError(KindIO, err, "encode canonical")
	}
	return buf.Bytes(), nil
}

// DecodeCanonical unpacks a value encoded with EncodeCanonical.
func DecodeCanonical(data []byte, v interface{}) error {
	if err := codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(v); err != nil {
		return wrapError(KindIO, err, "decode canonical")
	}
	return nil
}
