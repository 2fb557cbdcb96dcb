// Package validator implements the pure, side-effect-free QoS proof checks
// of spec §4.1: structural/range/time/signature quick checks on a single
// proof, cross-proof deep validation, conflict classification, and
// multi-strategy resolution with a supplementary proof.
//
// None of this package performs I/O; every function is safe to call from
// any goroutine, matching spec §4.1's "pure, deterministic, side-effect-free
// ... safe to call from any thread."
package validator

import (
	"fmt"
	"time"

	"qosbft/internal/signer"
	"qosbft/internal/types"
)

const (
	maxProofAge = 7 * 24 * time.Hour
)

// QuickResult is the outcome of QuickValidate.
type QuickResult struct {
	Valid   bool
	Details string
}

// QuickValidate runs the single-proof checks of spec §4.1 in order, the
// first failure winning. now is injected so callers (and tests) control the
// clock rather than this package reaching for time.Now() itself.
func QuickValidate(p types.QoSProof, now time.Time, verify signer.Verifier) QuickResult {
	if fail := checkStructure(p); fail != "" {
		return QuickResult{Valid: false, Details: fail}
	}
	if fail := checkRanges(p); fail != "" {
		return QuickResult{Valid: false, Details: fail}
	}
	if fail := checkTime(p, now); fail != "" {
		return QuickResult{Valid: false, Details: fail}
	}
	if fail := checkSignature(p, verify); fail != "" {
		return QuickResult{Valid: false, Details: fail}
	}
	if len(p.VideoQualityData.GopScores) == 0 {
		return QuickResult{Valid: false, Details: "gopScores must not be empty"}
	}
	return QuickResult{Valid: true}
}

func checkStructure(p types.QoSProof) string {
	switch {
	case p.TaskID == "":
		return "missing taskId"
	case p.VerifierID == "":
		return "missing verifierId"
	case p.Timestamp == 0:
		return "missing timestamp"
	case p.MediaSpecs == (types.MediaSpecs{}):
		return "missing mediaSpecs"
	case p.Signature == "":
		return "missing signature"
	}
	return ""
}

func checkRanges(p types.QoSProof) string {
	score := p.VideoQualityData.OverallScore
	if score < 0 || score > 100 {
		return fmt.Sprintf("overallScore out of range: %v", score)
	}
	if p.MediaSpecs.Bitrate != 0 && p.MediaSpecs.Bitrate <= 0 {
		return fmt.Sprintf("bitrate must be positive: %v", p.MediaSpecs.Bitrate)
	}
	return ""
}

func checkTime(p types.QoSProof, now time.Time) string {
	// proof timestamps carry millisecond precision, so the comparison is
	// made at that precision: a proof exactly 7 days old still passes.
	nowMs := now.UnixMilli()
	if p.Timestamp > nowMs {
		return "timestamp is in the future"
	}
	if nowMs-p.Timestamp > maxProofAge.Milliseconds() {
		return "timestamp is older than 7 days"
	}
	return ""
}

func checkSignature(p types.QoSProof, verify signer.Verifier) string {
	if p.Signature == "" {
		return "missing signature"
	}
	if verify == nil {
		return ""
	}
	if !verify.Verify(p.VerifierID, []byte(p.TaskID+p.VerifierID), []byte(p.Signature)) {
		return "invalid signature"
	}
	return ""
}
