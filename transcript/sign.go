package transcript

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/veraison/go-cose"
)

// ErrNoAttester is returned by NitroAttester when the NSM device is unavailable.
var ErrNoAttester = errors.New("transcript: NSM not available")

// Attester produces an attestation document over caller supplied user data.
// *enclave.EnclaveHandle satisfies it.
type Attester interface {
	Attest(options enclave.AttestationOptions) ([]byte, error)
}

// NitroAttester returns the process-wide NSM handle.
func NitroAttester() (Attester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAttester, err)
	}
	return handle, nil
}

// Sealed is a signed transcript as written to disk.
type Sealed struct {
	// COSE is a tagged COSE_Sign1 message whose payload is the encoded transcript
	COSE []byte `cbor:"cose" json:"cose"`

	// PublicKey is the PKIX DER encoding of the ES384 verification key
	PublicKey []byte `cbor:"public_key" json:"public_key"`

	// Attestation is an optional NSM attestation document
	Attestation []byte `cbor:"attestation,omitempty" json:"attestation,omitempty"`
}

// Marshal encodes s as CBOR.
func (s Sealed) Marshal() ([]byte, error) {
	return encMode.Marshal(s)
}

// UnmarshalSealed decodes a CBOR encoded Sealed transcript.
func UnmarshalSealed(data []byte) (Sealed, error) {
	var s Sealed
	if err := decMode.Unmarshal(data, &s); err != nil {
		return Sealed{}, fmt.Errorf("decode sealed transcript: %w", err)
	}
	return s, nil
}

// Sign encodes t, signs it with a freshly generated P-384 key and, when
// attester is non-nil, attaches an attestation whose user data binds the
// payload and the key.
func Sign(t Transcript, attester Attester, logger *slog.Logger) (Sealed, error) {
	if logger == nil {
		logger = slog.Default()
	}

	payload, err := Encode(t)
	if err != nil {
		return Sealed{}, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("generate signing key: %w", err)
	}
	publicKey, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal public key: %w", err)
	}

	signer, err := cose.NewSigner(cose.AlgorithmES384, key)
	if err != nil {
		return Sealed{}, fmt.Errorf("create signer: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = cose.AlgorithmES384
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return Sealed{}, fmt.Errorf("sign transcript: %w", err)
	}
	coseBytes, err := msg.MarshalCBOR()
	if err != nil {
		return Sealed{}, fmt.Errorf("marshal COSE message: %w", err)
	}

	sealed := Sealed{COSE: coseBytes, PublicKey: publicKey}
	if attester == nil {
		return sealed, nil
	}

	nonce, err := generateNonce()
	if err != nil {
		return Sealed{}, err
	}
	doc, err := attester.Attest(enclave.AttestationOptions{
		UserData: bindingDigest(payload, publicKey),
		Nonce:    []byte(nonce),
	})
	if err != nil {
		logger.Error("NSM attestation failed", "auction_id", t.AuctionID, "error", err)
		return Sealed{}, fmt.Errorf("NSM attestation failed: %w", err)
	}
	logger.Info("transcript attested", "auction_id", t.AuctionID, "bytes", len(doc))

	sealed.Attestation = doc
	return sealed, nil
}

// bindingDigest is SHA-384(payload) followed by SHA-384(public key).
func bindingDigest(payload, publicKey []byte) []byte {
	p := sha512.Sum384(payload)
	k := sha512.Sum384(publicKey)
	out := make([]byte, 0, len(p)+len(k))
	out = append(out, p[:]...)
	return append(out, k[:]...)
}

func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
