// Copyright 2026 The Palaver Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer widths, no indefinite-length items. The same
// logical value always encodes to identical bytes, which keeps store
// payloads comparable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so old
// clients can decode payloads written by newer ones.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Signaling payloads only ever use string map keys. When the
		// decode target is any, produce map[string]any rather than the
		// CBOR default map[any]any, which the rest of the codebase
		// cannot consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decoding or
// embedding pre-encoded output.
type RawMessage = cbor.RawMessage
