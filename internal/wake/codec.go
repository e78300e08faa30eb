package wake

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Payloads are stored with Core Deterministic Encoding so the same wake
// always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wake: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wake: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodePayload(p Payload) ([]byte, error) {
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := decMode.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
