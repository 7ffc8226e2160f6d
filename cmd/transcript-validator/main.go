package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cloudx-io/sealedbid/transcript"
)

const (
	exitValid   = 0
	exitInvalid = 1
	exitInput   = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("transcript-validator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		transcriptPath     = fs.String("transcript", "", "Signed transcript file written by the manager")
		requireAttestation = fs.Bool("require-attestation", false, "Fail when no attestation is attached")
		verifyChain        = fs.Bool("verify-chain", false, "Verify the attestation certificate chain against the AWS Nitro root")
		pcrsPath           = fs.String("pcrs", "", "JSON file of known PCR sets")
		outputFormat       = fs.String("format", "text", "Output format: text or json")
		help               = fs.Bool("help", false, "Show usage information")
	)
	if err := fs.Parse(args); err != nil {
		return exitInput
	}

	if *help {
		showUsage(stdout)
		return exitValid
	}

	if *transcriptPath == "" {
		showUsage(stderr)
		fmt.Fprintf(stderr, "\nError: --transcript is required\n")
		return exitInput
	}

	data, err := os.ReadFile(*transcriptPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading transcript: %v\n", err)
		return exitInput
	}
	sealed, err := transcript.UnmarshalSealed(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing transcript: %v\n", err)
		return exitInput
	}

	opts := transcript.VerifyOptions{
		RequireAttestation:     *requireAttestation,
		VerifyCertificateChain: *verifyChain,
	}
	if *pcrsPath != "" {
		pcrs, err := transcript.LoadPCRsFromFile(*pcrsPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading PCRs: %v\n", err)
			return exitInput
		}
		opts.KnownPCRs = pcrs
	}

	result, err := transcript.Verify(sealed, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Validation error: %v\n", err)
		return exitInput
	}

	if *outputFormat == "json" {
		if err := outputJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error marshaling JSON: %v\n", err)
			return exitInput
		}
	} else {
		outputText(stdout, result)
	}

	if !result.IsValid() {
		return exitInvalid
	}
	return exitValid
}

func showUsage(w io.Writer) {
	fmt.Fprintln(w, "Auction Transcript Validator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Verifies the signature, and optionally the Nitro attestation, of an auction transcript.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  transcript-validator --transcript <file> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Required Flags:")
	fmt.Fprintln(w, "  --transcript <file>               Signed transcript (manager --transcript output)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Optional Flags:")
	fmt.Fprintln(w, "  --require-attestation             Fail when the transcript carries no attestation")
	fmt.Fprintln(w, "  --verify-chain                    Verify the attestation certificate chain")
	fmt.Fprintln(w, "  --pcrs <file>                     Known PCR sets (JSON)")
	fmt.Fprintln(w, "  --format <text|json>              Output format (default: text)")
	fmt.Fprintln(w, "  --help                            Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PCR file format:")
	fmt.Fprintln(w, "  {\"pcr_sets\": [{\"pcr0\": \"...\", \"pcr1\": \"...\", \"pcr2\": \"...\", \"commit_hash\": \"...\"}]}")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Exit Codes:")
	fmt.Fprintln(w, "  0 - Validation passed")
	fmt.Fprintln(w, "  1 - Validation failed")
	fmt.Fprintln(w, "  2 - Invalid input or runtime error")
}

func outputText(w io.Writer, result *transcript.Result) {
	t := result.Transcript

	fmt.Fprintln(w, "Auction Transcript Validator")
	fmt.Fprintln(w, "============================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Auction:")
	fmt.Fprintf(w, "  ID:                      %s\n", t.AuctionID)
	fmt.Fprintf(w, "  Workers:                 %d (registered %d)\n", t.Workers, len(t.Registered))
	fmt.Fprintf(w, "  Rounds:                  %d\n", len(t.Rounds))
	fmt.Fprintf(w, "  Outcome:                 %s\n", t.Outcome)
	if t.Outcome == transcript.OutcomeWinner {
		fmt.Fprintf(w, "  Winner:                  %d (bid %d)\n", t.WinnerID, t.WinningBid)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Rounds:")
	for _, r := range t.Rounds {
		forced := ""
		if r.ForcedTieBreak {
			forced = " (forced tie-break)"
		}
		fmt.Fprintf(w, "  #%d max=%d eliminated=%v vanished=%v survivors=%v%s\n",
			r.Number, r.MaxBid, r.Eliminated, r.Vanished, r.Survivors, forced)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  Signature Valid:         %v\n", result.SignatureValid)
	fmt.Fprintf(w, "  Attestation Present:     %v\n", result.AttestationPresent)
	fmt.Fprintf(w, "  Attestation Bound:       %v\n", result.AttestationBound)
	fmt.Fprintf(w, "  Authenticated:           %v\n", result.Authenticated)
	fmt.Fprintf(w, "  Certificate Valid:       %v\n", result.CertificateValid)
	fmt.Fprintf(w, "  PCRs Valid:              %v\n", result.PCRsValid)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Details:")
	for _, detail := range result.Details {
		fmt.Fprintf(w, "  - %s\n", detail)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "============================")
	if result.IsValid() {
		if !result.Authenticated {
			fmt.Fprintln(w, "WARNING: no attestation, transcript origin is not authenticated")
		}
		fmt.Fprintln(w, "VALIDATION: ✓ PASSED")
	} else {
		fmt.Fprintln(w, "VALIDATION: ✗ FAILED")
	}
}

func outputJSON(w io.Writer, result *transcript.Result) error {
	output := map[string]any{
		"valid":               result.IsValid(),
		"signature_valid":     result.SignatureValid,
		"attestation_present": result.AttestationPresent,
		"attestation_bound":   result.AttestationBound,
		"authenticated":       result.Authenticated,
		"certificate_valid":   result.CertificateValid,
		"pcrs_valid":          result.PCRsValid,
		"transcript":          result.Transcript,
		"details":             result.Details,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}
