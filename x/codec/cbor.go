// Package codec is the binary encoding used for blobs handed to the
// config store.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Core deterministic encoding: identical values give identical bytes, so
// re-saving an unchanged config rewrites the same blob.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	enc := cbor.CoreDetEncOptions()
	// netip.Addr and friends go on the wire as text. They also implement
	// BinaryMarshaler, which would otherwise take precedence.
	enc.BinaryMarshaler = cbor.BinaryMarshalerNone
	enc.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = enc.EncMode()
	if err != nil {
		panic("codec: cbor encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		BinaryUnmarshaler: cbor.BinaryUnmarshalerNone,
		TextUnmarshaler:   cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: cbor decoder: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
