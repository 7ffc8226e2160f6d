package transcript

import (
	"encoding/hex"
	"fmt"
	"testing"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/sealedbid/core"
)

// mockAttester implements Attester for testing
type mockAttester struct {
	AttestFunc func(options enclave.AttestationOptions) ([]byte, error)
	calls      int
}

func (m *mockAttester) Attest(options enclave.AttestationOptions) ([]byte, error) {
	m.calls++
	if m.AttestFunc != nil {
		return m.AttestFunc(options)
	}
	return nil, fmt.Errorf("mock not configured")
}

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex string: %s", s)
	}
	return b
}

const (
	testPCR0 = "3b4cef27e672fdbcc808960a88ddfe7329dd2e367b6850c9a8d910315f0b47e4224d6db361b75e010c87691d86ca9c57"
	testPCR1 = "4b4d5b3661b3efc12920900c80e126e4ce783c522de6c02a2a5bf7af3a2b9327b86776f188e4be1c1c404a129dbda493"
	testPCR2 = "2bdd28c1d85bb3872da3617a29a6bfeb50c65750c995f92e7dac6b5f2c4c72e0f9976bdee62a0b25864d10dffb535e11"
)

// newMockAttester returns an attester that produces an NSM-shaped document:
// an untagged [header, metadata, document, signature] array.
func newMockAttester(t *testing.T) *mockAttester {
	t.Helper()
	return &mockAttester{
		AttestFunc: func(options enclave.AttestationOptions) ([]byte, error) {
			nestedDoc := map[string]any{
				"module_id": "test-enclave-12345",
				"digest":    "SHA384",
				"timestamp": uint64(1234567890),
				"pcrs": map[uint64][]byte{
					0: mustDecodeHex(t, testPCR0),
					1: mustDecodeHex(t, testPCR1),
					2: mustDecodeHex(t, testPCR2),
				},
				"certificate": []byte("test-certificate-data"),
				"cabundle":    [][]byte{[]byte("test-ca-cert")},
				"public_key":  []byte("test-public-key-data"),
				"user_data":   options.UserData,
				"nonce":       options.Nonce,
			}

			nestedBytes, err := cbor.Marshal(nestedDoc)
			if err != nil {
				return nil, err
			}

			return cbor.Marshal([]any{
				[]byte{0x01, 0x02, 0x03},
				map[string]any{},
				nestedBytes,
				[]byte{0x04, 0x05, 0x06},
			})
		},
	}
}

// sampleTranscript is the record of a three-worker auction decided in round 2.
func sampleTranscript() Transcript {
	r := NewRecorder("auction-1", 3)
	r.Registered(101)
	r.Registered(102)
	r.Registered(103)

	r.BeginRound(1)
	r.Bid(103, 20)
	r.Bid(101, 10)
	r.Bid(102, 20)
	r.Resolved(core.ResolveRound([]core.Bid{{WorkerID: 101, Value: 10}, {WorkerID: 102, Value: 20}, {WorkerID: 103, Value: 20}}), false)

	r.BeginRound(2)
	r.Bid(102, 5)
	r.Bid(103, 9)
	r.Resolved(core.ResolveRound([]core.Bid{{WorkerID: 102, Value: 5}, {WorkerID: 103, Value: 9}}), false)

	return r.Finish(OutcomeWinner, 103, 9)
}
