package validator

import (
	"fmt"
	"math"
	"strings"

	"qosbft/internal/types"
)

const (
	bitrateTolerance = 0.05 // 5%
	scoreTolerance   = 3.0
)

// DeepResult is the outcome of DeepValidate.
type DeepResult struct {
	Valid               bool
	HasConflict         bool
	ConflictingVerifiers []string
	Reason              string
}

// DeepValidate cross-checks the full set of stored proofs for a task
// against each other, per spec §4.1's table. Fewer than 2 proofs is not a
// conflict, just insufficient input (L1: deep-validate is monotone on
// subsets of size >= 2, so callers may always pass the full stored set).
func DeepValidate(proofs []types.QoSProof) DeepResult {
	if len(proofs) < 2 {
		return DeepResult{Valid: false, Reason: "insufficient proofs for deep validation"}
	}

	if verifiers, ok := allEqual(proofs, func(p types.QoSProof) string { return p.MediaSpecs.Codec }); !ok {
		return conflict(verifiers, "codec mismatch across proofs")
	}

	if verifiers, ok := allEqualResolution(proofs); !ok {
		return conflict(verifiers, "resolution mismatch across proofs")
	}

	if verifiers, ok := withinTolerance(proofs, func(p types.QoSProof) float64 { return p.MediaSpecs.Bitrate }, bitrateTolerance); !ok {
		return conflict(verifiers, "bitrate deviates more than 5% from the mean (video-score/bitrate conflict)")
	}

	if verifiers, ok := allEqual(proofs, func(p types.QoSProof) string { return fmt.Sprintf("%v", p.MediaSpecs.HasAudio) }); !ok {
		return conflict(verifiers, "hasAudio mismatch across proofs")
	}

	if verifiers, ok := withinAbsoluteTolerance(proofs, func(p types.QoSProof) float64 { return p.VideoQualityData.OverallScore }, scoreTolerance); !ok {
		return conflict(verifiers, "video overall score deviates more than 3 points from the mean (video-score conflict)")
	}

	if verifiers, gop, ok := commonGopScoresAgree(proofs); !ok {
		return conflict(verifiers, fmt.Sprintf("gop score mismatch at timestamp %q (specific-GOP conflict)", gop))
	}

	if verifiers, ok := audioPresenceAgrees(proofs); !ok {
		return conflict(verifiers, "audio presence mismatch: hasAudio=true but audioQualityData missing")
	}

	if verifiers, ok := audioScoreAgrees(proofs); !ok {
		return conflict(verifiers, "audio overall score mismatch across proofs")
	}

	return DeepResult{Valid: true}
}

func conflict(verifiers []string, reason string) DeepResult {
	return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifiers, Reason: reason}
}

func verifierIDs(proofs []types.QoSProof) []string {
	ids := make([]string, 0, len(proofs))
	for _, p := range proofs {
		ids = append(ids, p.VerifierID)
	}
	return ids
}

func allEqual(proofs []types.QoSProof, field func(types.QoSProof) string) ([]string, bool) {
	first := field(proofs[0])
	for _, p := range proofs[1:] {
		if field(p) != first {
			return verifierIDs(proofs), false
		}
	}
	return nil, true
}

func allEqualResolution(proofs []types.QoSProof) ([]string, bool) {
	w, h := proofs[0].MediaSpecs.Width, proofs[0].MediaSpecs.Height
	for _, p := range proofs[1:] {
		if p.MediaSpecs.Width != w || p.MediaSpecs.Height != h {
			return verifierIDs(proofs), false
		}
	}
	return nil, true
}

func withinTolerance(proofs []types.QoSProof, field func(types.QoSProof) float64, tolerance float64) ([]string, bool) {
	values := make([]float64, len(proofs))
	for i, p := range proofs {
		values[i] = field(p)
	}
	m := mean(values)
	if m == 0 {
		return nil, true
	}
	for i, v := range values {
		if math.Abs(v-m)/m > tolerance+1e-9 {
			return []string{proofs[i].VerifierID}, false
		}
	}
	return nil, true
}

func withinAbsoluteTolerance(proofs []types.QoSProof, field func(types.QoSProof) float64, tolerance float64) ([]string, bool) {
	values := make([]float64, len(proofs))
	for i, p := range proofs {
		values[i] = field(p)
	}
	m := mean(values)
	for i, v := range values {
		if math.Abs(v-m) > tolerance+1e-9 {
			return []string{proofs[i].VerifierID}, false
		}
	}
	return nil, true
}

// commonGopScoresAgree checks every GOP timestamp present in ALL proofs
// agrees exactly; GOP timestamps present in only some proofs are ignored,
// per spec ("For every GOP timestamp present in all proofs").
func commonGopScoresAgree(proofs []types.QoSProof) ([]string, string, bool) {
	common := make(map[string]bool)
	for gop := range proofs[0].VideoQualityData.GopScores {
		inAll := true
		for _, p := range proofs[1:] {
			if _, ok := p.VideoQualityData.GopScores[gop]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			common[gop] = true
		}
	}

	for gop := range common {
		first := proofs[0].VideoQualityData.GopScores[gop]
		for _, p := range proofs[1:] {
			if p.VideoQualityData.GopScores[gop] != first {
				return verifierIDs(proofs), gop, false
			}
		}
	}
	return nil, "", true
}

func audioPresenceAgrees(proofs []types.QoSProof) ([]string, bool) {
	anyHasAudio := false
	for _, p := range proofs {
		if p.MediaSpecs.HasAudio {
			anyHasAudio = true
			break
		}
	}
	if !anyHasAudio {
		return nil, true
	}
	for _, p := range proofs {
		if p.AudioQualityData == nil {
			return []string{p.VerifierID}, false
		}
	}
	return nil, true
}

func audioScoreAgrees(proofs []types.QoSProof) ([]string, bool) {
	var first *float64
	var mismatched []string
	for _, p := range proofs {
		if p.AudioQualityData == nil {
			continue
		}
		score := p.AudioQualityData.OverallScore
		if first == nil {
			first = &score
			continue
		}
		if score != *first {
			mismatched = append(mismatched, p.VerifierID)
		}
	}
	if len(mismatched) > 0 {
		return verifierIDs(proofs), false
	}
	return nil, true
}

// ClassifyConflict maps a failed DeepResult's reason onto a ConflictType,
// per spec §4.1: codec / resolution / specific-GOP / audio-presence /
// audio-score reasons are structural; video-score / bitrate reasons are
// score; anything else defaults to structural.
func ClassifyConflict(result DeepResult) types.ConflictType {
	if !result.HasConflict {
		return types.ConflictNone
	}
	reason := result.Reason
	switch {
	case containsAny(reason, "codec", "resolution", "specific-GOP", "gop score", "audio presence", "audio overall score"):
		return types.ConflictStructural
	case containsAny(reason, "video-score", "video overall score", "bitrate"):
		return types.ConflictScore
	default:
		return types.ConflictStructural
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
