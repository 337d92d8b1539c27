package laika

import (
	"bytes"
	"encoding/json"
)

// Value is a canonicalized JSON permissions document. Two Values compare
// equal exactly when they are structurally equal: canonicalization strips
// whitespace and orders object keys, so byte comparison is sufficient.
type Value struct {
	raw json.RawMessage
}

// Canonical builds a Value from any JSON-marshalable Go value.
func Canonical(v any) (Value, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	var decoded any
	if err := json.Unmarshal(first, &decoded); err != nil {
		return Value{}, err
	}
	// Second marshal runs over plain maps/slices only, which encoding/json
	// emits with sorted keys and no insignificant whitespace.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: canonical}, nil
}

// ParseValue canonicalizes stored JSON bytes. Empty input yields the zero
// Value.
func ParseValue(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return Value{}, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, err
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: canonical}, nil
}

// IsZero reports whether the Value carries no document at all. Note that a
// present-but-empty document ({}) is not zero.
func (v Value) IsZero() bool { return len(v.raw) == 0 }

// JSON returns the canonical bytes, or nil for the zero Value.
func (v Value) JSON() json.RawMessage {
	if v.IsZero() {
		return nil
	}
	out := make(json.RawMessage, len(v.raw))
	copy(out, v.raw)
	return out
}

// Equal is structural equality on the canonical representation.
func (v Value) Equal(other Value) bool {
	if v.IsZero() || other.IsZero() {
		return v.IsZero() && other.IsZero()
	}
	return bytes.Equal(v.raw, other.raw)
}

func (v Value) String() string { return string(v.raw) }
