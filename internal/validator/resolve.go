package validator

import (
	"math"
	"strings"

	"qosbft/internal/types"
)

// ResolveResult is the outcome of ResolveWithSupplementary.
type ResolveResult struct {
	Valid               bool
	NeedsManualReview   bool
	ResolvedBy          string // "majority" or "statistical"
	MajorityValue       string
	MedianValue         float64
	ReliableVerifiers   []string
	UnreliableVerifiers []string
}

// ResolveWithSupplementary adjudicates a prior conflict using a third,
// supplementary proof, per spec §4.1's two strategies. prior is the
// DeepResult that first detected the conflict — its Reason drives which
// field is extracted and compared.
func ResolveWithSupplementary(originals []types.QoSProof, supplementary types.QoSProof, conflictType types.ConflictType, prior DeepResult) ResolveResult {
	all := make([]types.QoSProof, 0, len(originals)+1)
	all = append(all, originals...)
	all = append(all, supplementary)

	if conflictType == types.ConflictScore {
		return resolveStatistical(all, prior.Reason)
	}
	return resolveMajority(all, prior.Reason)
}

func resolveMajority(proofs []types.QoSProof, reason string) ResolveResult {
	extract := structuralFieldExtractor(reason)
	if extract == nil {
		return ResolveResult{Valid: false, NeedsManualReview: true, ResolvedBy: "manual"}
	}

	counts := make(map[string][]string) // value -> verifierIDs agreeing
	for _, p := range proofs {
		v := extract(p)
		counts[v] = append(counts[v], p.VerifierID)
	}

	var bestValue string
	bestCount := 0
	tied := false
	for v, ids := range counts {
		switch {
		case len(ids) > bestCount:
			bestValue, bestCount, tied = v, len(ids), false
		case len(ids) == bestCount && bestCount > 0:
			tied = true
		}
	}

	if bestCount < 2 || tied {
		return ResolveResult{Valid: false, NeedsManualReview: true, ResolvedBy: "manual"}
	}

	reliable := counts[bestValue]
	unreliable := make([]string, 0)
	for v, ids := range counts {
		if v != bestValue {
			unreliable = append(unreliable, ids...)
		}
	}

	return ResolveResult{
		Valid:               true,
		ResolvedBy:          "majority",
		MajorityValue:       bestValue,
		ReliableVerifiers:   reliable,
		UnreliableVerifiers: unreliable,
	}
}

// structuralFieldExtractor returns the per-proof string-value accessor for
// the field named by a conflict reason, per spec §4.1 "extract the
// conflicting field per the reason".
func structuralFieldExtractor(reason string) func(types.QoSProof) string {
	switch {
	case strings.Contains(reason, "codec"):
		return func(p types.QoSProof) string { return p.MediaSpecs.Codec }
	case strings.Contains(reason, "resolution"):
		return func(p types.QoSProof) string { return formatResolution(p.MediaSpecs.Width, p.MediaSpecs.Height) }
	case strings.Contains(reason, "hasAudio") || strings.Contains(reason, "audio presence"):
		return func(p types.QoSProof) string { return formatBool(p.MediaSpecs.HasAudio) }
	case strings.Contains(reason, "gop score"):
		gopID := gopIDFromReason(reason)
		return func(p types.QoSProof) string { return p.VideoQualityData.GopScores[gopID] }
	case strings.Contains(reason, "audio overall score"):
		return func(p types.QoSProof) string {
			if p.AudioQualityData == nil {
				return ""
			}
			return formatFloat(p.AudioQualityData.OverallScore)
		}
	default:
		return nil
	}
}

func resolveStatistical(proofs []types.QoSProof, reason string) ResolveResult {
	extract := numericFieldExtractor(reason)

	values := make([]float64, len(proofs))
	for i, p := range proofs {
		values[i] = extract(p)
	}
	med := median(values)

	type distance struct {
		verifierID string
		dist       float64
	}
	dists := make([]distance, len(proofs))
	for i, p := range proofs {
		dists[i] = distance{verifierID: p.VerifierID, dist: math.Abs(values[i] - med)}
	}

	// select the two verifiers whose values are closest to the median
	reliable := make([]string, 0, 2)
	unreliable := make([]string, 0, 1)
	remaining := append([]distance{}, dists...)
	for len(reliable) < 2 && len(remaining) > 0 {
		bestIdx := 0
		for i, d := range remaining {
			if d.dist < remaining[bestIdx].dist {
				bestIdx = i
			}
		}
		reliable = append(reliable, remaining[bestIdx].verifierID)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	for _, d := range remaining {
		unreliable = append(unreliable, d.verifierID)
	}

	return ResolveResult{
		Valid:               true,
		ResolvedBy:          "statistical",
		MedianValue:         med,
		ReliableVerifiers:   reliable,
		UnreliableVerifiers: unreliable,
	}
}

func numericFieldExtractor(reason string) func(types.QoSProof) float64 {
	if strings.Contains(reason, "bitrate") {
		return func(p types.QoSProof) float64 { return p.MediaSpecs.Bitrate }
	}
	// default: video-score conflict
	return func(p types.QoSProof) float64 { return p.VideoQualityData.OverallScore }
}
