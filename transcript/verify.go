package transcript

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/veraison/go-cose"
)

// VerifyOptions selects which checks beyond the signature must pass.
type VerifyOptions struct {
	// RequireAttestation fails verification when no attestation is attached
	RequireAttestation bool

	// VerifyCertificateChain checks the attestation certificate chain against
	// the AWS Nitro root and the NSM signature over the document
	VerifyCertificateChain bool

	// KnownPCRs, when non-empty, must contain the attested PCR0-2 values
	KnownPCRs []PCRSet
}

// Result holds the outcome of each verification step.
type Result struct {
	SignatureValid     bool
	AttestationPresent bool
	AttestationBound   bool
	CertificateValid   bool
	PCRsValid          bool

	// Authenticated is true only when an attestation binds the payload and
	// the signing key. Without one the key travels with the transcript, so
	// anyone can re-sign an edited copy.
	Authenticated bool

	Transcript Transcript
	Details            []string

	opts VerifyOptions
}

// IsValid reports whether every requested check passed.
func (r *Result) IsValid() bool {
	if !r.SignatureValid {
		return false
	}
	if r.opts.RequireAttestation && !r.AttestationPresent {
		return false
	}
	if !r.AttestationPresent {
		return true
	}
	if !r.AttestationBound {
		return false
	}
	if r.opts.VerifyCertificateChain && !r.CertificateValid {
		return false
	}
	if len(r.opts.KnownPCRs) > 0 && !r.PCRsValid {
		return false
	}
	return true
}

// Verify checks a sealed transcript. A returned error means verification could
// not be performed at all; a failed check is reported through Result.
func Verify(s Sealed, opts VerifyOptions) (*Result, error) {
	result := &Result{opts: opts, Details: []string{}}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(s.COSE); err != nil {
		return nil, fmt.Errorf("parse COSE message: %w", err)
	}

	t, err := Decode(msg.Payload)
	if err != nil {
		return nil, err
	}
	result.Transcript = t

	if err := verifySignature(&msg, s.PublicKey); err != nil {
		result.Details = append(result.Details, fmt.Sprintf("Transcript signature invalid: %v", err))
	} else {
		result.SignatureValid = true
		result.Details = append(result.Details, "Transcript signature verified")
	}

	if len(s.Attestation) == 0 {
		result.Details = append(result.Details,
			"No attestation attached",
			"Transcript is self-signed and unauthenticated: the signature only proves integrity against the bundled key")
		return result, nil
	}
	result.AttestationPresent = true

	doc, err := parseAttestation(s.Attestation)
	if err != nil {
		result.Details = append(result.Details, fmt.Sprintf("Attestation unreadable: %v", err))
		return result, nil
	}

	if bytes.Equal(doc.UserData, bindingDigest(msg.Payload, s.PublicKey)) {
		result.AttestationBound = true
		result.Authenticated = true
		result.Details = append(result.Details, "Attestation binds transcript and signing key")
	} else {
		result.Details = append(result.Details, "Attestation user data does not match transcript")
	}

	if opts.VerifyCertificateChain {
		cert, err := verifyCertificateChain(doc)
		if err == nil {
			err = verifyAttestationSignature(s.Attestation, cert)
		}
		if err != nil {
			result.Details = append(result.Details, fmt.Sprintf("Attestation certificate invalid: %v", err))
		} else {
			result.CertificateValid = true
			result.Details = append(result.Details, "Attestation certificate chain verified")
		}
	}

	if len(opts.KnownPCRs) > 0 {
		if idx := matchPCRs(doc.PCRs, opts.KnownPCRs); idx >= 0 {
			result.PCRsValid = true
			result.Details = append(result.Details, fmt.Sprintf("Matched PCR set: #%d (commit: %s)", idx, opts.KnownPCRs[idx].CommitHash))
		} else {
			result.Details = append(result.Details, fmt.Sprintf("PCR0: %s (no match)", formatPCR(doc.PCRs[0])))
		}
	}

	return result, nil
}

func verifySignature(msg *cose.Sign1Message, publicKeyDER []byte) error {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	ecdsaKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("public key is not ECDSA")
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES384, ecdsaKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	return msg.Verify(nil, verifier)
}
