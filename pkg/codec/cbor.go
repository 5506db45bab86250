// Package codec is the single place samizdat encodes
// structured data. Everything that is hashed or signed goes
// through Core Deterministic Encoding so the same value
// always yields the same bytes.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Records keep full time precision; signed structures
	// carry integer timestamps instead of time.Time.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Peers are untrusted; bound what a single payload may
		// allocate while decoding.
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) { // A
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { // A
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal: %w", err)
	}
	return nil
}

// Encode is a generic convenience over Marshal.
func Encode[T any](v T) ([]byte, error) { // A
	return Marshal(v)
}

// Decode is a generic convenience over Unmarshal.
func Decode[T any](data []byte) (T, error) { // A
	var out T
	err := Unmarshal(data, &out)
	return out, err
}
