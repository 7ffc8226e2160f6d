package transcript

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// nitroDocument is the raw CBOR structure produced by the Nitro Security Module.
type nitroDocument struct {
	ModuleID    string            `cbor:"module_id"`
	Digest      string            `cbor:"digest"`
	Timestamp   uint64            `cbor:"timestamp"`
	PCRs        map[uint64][]byte `cbor:"pcrs"`
	Certificate []byte            `cbor:"certificate"`
	CABundle    [][]byte          `cbor:"cabundle"`
	PublicKey   []byte            `cbor:"public_key"`
	UserData    []byte            `cbor:"user_data"`
	Nonce       []byte            `cbor:"nonce"`
}

// PCRSet is a known-good set of enclave image measurements.
type PCRSet struct {
	PCR0       string `json:"pcr0"`
	PCR1       string `json:"pcr1"`
	PCR2       string `json:"pcr2"`
	CommitHash string `json:"commit_hash"`
}

type pcrConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}

// LoadPCRsFromFile loads known PCR sets from a JSON file of the form
// {"pcr_sets": [{"pcr0": "...", "pcr1": "...", "pcr2": "..."}]}.
func LoadPCRsFromFile(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}

	var config pcrConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse PCR config: %w", err)
	}

	if len(config.PCRSets) == 0 {
		return nil, fmt.Errorf("no PCR sets found in config file")
	}
	return config.PCRSets, nil
}

func formatPCR(pcr []byte) string {
	if len(pcr) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", pcr)
}

// matchPCRs returns the index of the first known set matching PCR0-2, or -1.
func matchPCRs(pcrs map[uint64][]byte, known []PCRSet) int {
	for i, set := range known {
		if formatPCR(pcrs[0]) == set.PCR0 &&
			formatPCR(pcrs[1]) == set.PCR1 &&
			formatPCR(pcrs[2]) == set.PCR2 {
			return i
		}
	}
	return -1
}

// untaggedSign1 splits an untagged COSE_Sign1 array as emitted by the NSM:
// [protected, unprotected, payload, signature].
func untaggedSign1(coseBytes []byte) (protected, payload, signature []byte, err error) {
	var coseArray []any
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, nil, nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return nil, nil, nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	var ok bool
	if protected, ok = coseArray[0].([]byte); !ok {
		return nil, nil, nil, fmt.Errorf("invalid protected headers")
	}
	if payload, ok = coseArray[2].([]byte); !ok {
		return nil, nil, nil, fmt.Errorf("invalid payload in COSE structure")
	}
	if signature, ok = coseArray[3].([]byte); !ok {
		return nil, nil, nil, fmt.Errorf("invalid signature")
	}
	return protected, payload, signature, nil
}

func parseAttestation(coseBytes []byte) (*nitroDocument, error) {
	_, payload, _, err := untaggedSign1(coseBytes)
	if err != nil {
		return nil, err
	}

	var doc nitroDocument
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse attestation document: %w", err)
	}
	return &doc, nil
}

// verifyAttestationSignature checks the NSM signature against the leaf
// certificate embedded in the document. The NSM signs with ES384 and an
// empty external_aad.
func verifyAttestationSignature(coseBytes []byte, cert *x509.Certificate) error {
	protected, payload, signature, err := untaggedSign1(coseBytes)
	if err != nil {
		return err
	}

	ecdsaKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate public key is not ECDSA")
	}

	sigStructure, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	if err != nil {
		return fmt.Errorf("marshal Sig_structure: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, ecdsaKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(sigStructure, signature); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}

// awsNitroRootCA is the AWS Nitro Enclaves root certificate (G1), valid until
// 2049-10-28. https://docs.aws.amazon.com/enclaves/latest/user/verify-root.html
const awsNitroRootCA = `-----BEGIN CERTIFICATE-----
MIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD
VQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4
MTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL
DANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG
BSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb
48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE
h8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF
R+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC
MQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW
rfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N
IwLz3/Y=
-----END CERTIFICATE-----`

// verifyCertificateChain checks the leaf certificate against the Nitro root
// at the time the attestation was produced.
func verifyCertificateChain(doc *nitroDocument) (*x509.Certificate, error) {
	if len(doc.Certificate) == 0 {
		return nil, fmt.Errorf("missing certificate")
	}
	if len(doc.CABundle) == 0 {
		return nil, fmt.Errorf("missing CA bundle")
	}

	cert, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	intermediates := x509.NewCertPool()
	for _, der := range doc.CABundle {
		caCert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse CA certificate: %w", err)
		}
		intermediates.AddCert(caCert)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(awsNitroRootCA)) {
		return nil, fmt.Errorf("failed to parse AWS Nitro root CA")
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   time.UnixMilli(int64(doc.Timestamp)),
	}
	if _, err := cert.Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate chain validation failed: %w", err)
	}
	return cert, nil
}
