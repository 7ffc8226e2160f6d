package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/transcript"
)

func writeSealedTranscript(t *testing.T) string {
	t.Helper()
	rec := transcript.NewRecorder("auction-7", 2)
	rec.Registered(1)
	rec.Registered(2)
	rec.BeginRound(1)
	rec.Bid(1, 30)
	rec.Bid(2, 45)
	rec.Resolved(core.ResolveRound([]core.Bid{{WorkerID: 1, Value: 30}, {WorkerID: 2, Value: 45}}), false)
	tr := rec.Finish(transcript.OutcomeWinner, 2, 45)
	tr.FinishedAt = tr.StartedAt.Add(time.Second)

	sealed, err := transcript.Sign(tr, nil, nil)
	assert.NoError(t, err)
	data, err := sealed.Marshal()
	assert.NoError(t, err)

	path := filepath.Join(t.TempDir(), "auction.cose")
	assert.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func runValidator(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestValidator_TextOutput(t *testing.T) {
	path := writeSealedTranscript(t)

	code, stdout, _ := runValidator("-transcript", path)
	check.Equal(t, exitValid, code)
	check.True(t, strings.Contains(stdout, "auction-7"))
	check.True(t, strings.Contains(stdout, "Winner:                  2 (bid 45)"))
	check.True(t, strings.Contains(stdout, "Authenticated:           false"))
	check.True(t, strings.Contains(stdout, "WARNING: no attestation"))
	check.True(t, strings.Contains(stdout, "VALIDATION: ✓ PASSED"))
}

func TestValidator_JSONOutput(t *testing.T) {
	path := writeSealedTranscript(t)

	code, stdout, _ := runValidator("-transcript", path, "-format", "json")
	check.Equal(t, exitValid, code)

	var out struct {
		Valid          bool `json:"valid"`
		SignatureValid bool `json:"signature_valid"`
		Authenticated  bool `json:"authenticated"`
		Transcript     struct {
			AuctionID string `json:"auction_id"`
			WinnerID  int64  `json:"winner_id"`
		} `json:"transcript"`
	}
	assert.NoError(t, json.Unmarshal([]byte(stdout), &out))
	check.True(t, out.Valid)
	check.True(t, out.SignatureValid)
	check.False(t, out.Authenticated)
	check.Equal(t, "auction-7", out.Transcript.AuctionID)
	check.Equal(t, int64(2), out.Transcript.WinnerID)
}

func TestValidator_RequireAttestationFails(t *testing.T) {
	path := writeSealedTranscript(t)

	code, stdout, _ := runValidator("-transcript", path, "-require-attestation")
	check.Equal(t, exitInvalid, code)
	check.True(t, strings.Contains(stdout, "VALIDATION: ✗ FAILED"))
}

func TestValidator_InputErrors(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "garbage")
	assert.NoError(t, os.WriteFile(garbage, []byte{0xff, 0x00, 0x01}, 0o600))
	path := writeSealedTranscript(t)

	tests := []struct {
		name string
		args []string
	}{
		{"missing transcript flag", nil},
		{"missing file", []string{"-transcript", "/nonexistent/auction.cose"}},
		{"garbage file", []string{"-transcript", garbage}},
		{"missing pcrs file", []string{"-transcript", path, "-pcrs", "/nonexistent/pcrs.json"}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runValidator(tt.args...)
			check.Equal(t, exitInput, code)
		})
	}
}

func TestValidator_Help(t *testing.T) {
	code, stdout, _ := runValidator("-help")
	check.Equal(t, exitValid, code)
	check.True(t, strings.Contains(stdout, "Exit Codes:"))
}
