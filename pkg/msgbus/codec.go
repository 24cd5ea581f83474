package msgbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tinylib/msgp/msgp"
	"golang.org/x/exp/constraints"
)

// Kind selects how a reply payload is decoded.
type Kind string

const (
	KindString    Kind = "string"
	KindPackedMap Kind = "packed-map"
	KindUint32LE  Kind = "uint32-le"
	KindFloat64LE Kind = "float64-le"
)

var ErrUnsupportedKind = errors.New("unsupported decode kind")

// Encode turns a value into a message payload. Byte slices are sent as-is,
// everything else is packed as MessagePack.
func Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	}
	b, err := msgp.AppendIntf(nil, v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// Decode interprets a payload as the given kind. An empty payload decodes to
// nil for every kind, including unknown ones.
func Decode(b []byte, k Kind) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	switch k {
	case KindString:
		return string(b), nil
	case KindPackedMap:
		v, _, err := msgp.ReadIntfBytes(b)
		if err != nil {
			return nil, fmt.Errorf("decode packed map: %w", err)
		}
		return v, nil
	case KindUint32LE:
		if len(b) < 4 {
			return nil, fmt.Errorf("decode uint32: need 4 bytes, have %d", len(b))
		}
		return binary.LittleEndian.Uint32(b), nil
	case KindFloat64LE:
		if len(b) < 8 {
			return nil, fmt.Errorf("decode float64: need 8 bytes, have %d", len(b))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, string(k))
}

// DecodeMap decodes a packed-map payload into a string-keyed map. An empty
// payload yields an empty map.
func DecodeMap(b []byte) (map[string]any, error) {
	v, err := Decode(b, KindPackedMap)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode packed map: payload is a %T, not a map", v)
	}
	return m, nil
}

// Number converts a decoded MessagePack number to T. It reports false if v
// is not numeric.
func Number[T constraints.Integer | constraints.Float](v any) (T, bool) {
	switch n := v.(type) {
	case int64:
		return T(n), true
	case uint64:
		return T(n), true
	case float64:
		return T(n), true
	case float32:
		return T(n), true
	case int:
		return T(n), true
	case uint32:
		return T(n), true
	case int32:
		return T(n), true
	case uint8:
		return T(n), true
	case int8:
		return T(n), true
	case uint16:
		return T(n), true
	case int16:
		return T(n), true
	case uint:
		return T(n), true
	}
	return 0, false
}

// String returns v as a string if it is a string or byte slice.
func String(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}
