package transcript

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("transcript: cbor encoding options: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("transcript: cbor decoding options: %v", err))
	}
}

// Encode returns the deterministic CBOR encoding of t. Equal transcripts
// always encode to identical bytes.
func Encode(t Transcript) ([]byte, error) {
	data, err := encMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return data, nil
}

// Decode parses a CBOR encoded transcript.
func Decode(data []byte) (Transcript, error) {
	var t Transcript
	if err := decMode.Unmarshal(data, &t); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return t, nil
}
