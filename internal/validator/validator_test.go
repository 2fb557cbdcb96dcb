package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qosbft/internal/types"
)

func baseProof(verifierID string) types.QoSProof {
	return types.QoSProof{
		TaskID:     "task-A",
		VerifierID: verifierID,
		Timestamp:  time.Now().UnixMilli(),
		MediaSpecs: types.MediaSpecs{Codec: "H.264", Width: 1920, Height: 1080, Bitrate: 5000, HasAudio: true},
		VideoQualityData: types.VideoQualityData{
			OverallScore: 85.5,
			GopScores:    map[string]string{"0": "86.2"},
		},
		AudioQualityData: &types.AudioQualityData{OverallScore: 90},
		Signature:        "sig",
	}
}

func TestQuickValidate_Happy(t *testing.T) {
	p := baseProof("v1")
	res := QuickValidate(p, time.Now(), nil)
	assert.True(t, res.Valid, res.Details)
}

func TestQuickValidate_EmptyGopScores(t *testing.T) {
	p := baseProof("v1")
	p.VideoQualityData.GopScores = map[string]string{}
	res := QuickValidate(p, time.Now(), nil)
	assert.False(t, res.Valid)
}

func TestQuickValidate_FutureTimestamp(t *testing.T) {
	p := baseProof("v1")
	p.Timestamp = time.Now().Add(time.Minute).UnixMilli()
	res := QuickValidate(p, time.Now(), nil)
	assert.False(t, res.Valid)
}

func TestQuickValidate_TimestampBoundary(t *testing.T) {
	now := time.Now()
	p := baseProof("v1")

	p.Timestamp = now.Add(-7 * 24 * time.Hour).UnixMilli()
	assert.True(t, QuickValidate(p, now, nil).Valid)

	p.Timestamp = now.Add(-7*24*time.Hour - time.Second).UnixMilli()
	assert.False(t, QuickValidate(p, now, nil).Valid)
}

func TestQuickValidate_ScoreOutOfRange(t *testing.T) {
	p := baseProof("v1")
	p.VideoQualityData.OverallScore = 101
	assert.False(t, QuickValidate(p, time.Now(), nil).Valid)
}

func TestQuickValidate_Idempotent(t *testing.T) {
	p := baseProof("v1")
	now := time.Now()
	r1 := QuickValidate(p, now, nil)
	r2 := QuickValidate(p, now, nil)
	assert.Equal(t, r1, r2)
}

func TestDeepValidate_InsufficientProofs(t *testing.T) {
	res := DeepValidate([]types.QoSProof{baseProof("v1")})
	assert.False(t, res.Valid)
	assert.False(t, res.HasConflict)
	assert.Contains(t, res.Reason, "insufficient")
}

func TestDeepValidate_Happy(t *testing.T) {
	res := DeepValidate([]types.QoSProof{baseProof("v1"), baseProof("v2")})
	assert.True(t, res.Valid)
}

func TestDeepValidate_BitrateBoundary(t *testing.T) {
	p1 := baseProof("v1")
	p2 := baseProof("v2")

	// For two proofs the mean sits exactly between them, so both deviate by
	// the same relative amount: solve (y-x)/(x+y) = 0.05 for y given x=5000.
	p1.MediaSpecs.Bitrate = 5000
	p2.MediaSpecs.Bitrate = 5000.0 * 1.05 / 0.95 // exactly 5% deviation from the mean
	res := DeepValidate([]types.QoSProof{p1, p2})
	assert.True(t, res.Valid)

	p2.MediaSpecs.Bitrate = 5000.0*1.05/0.95 + 1 // just past the boundary
	res = DeepValidate([]types.QoSProof{p1, p2})
	assert.False(t, res.Valid)
}

func TestDeepValidate_VideoScoreBoundary(t *testing.T) {
	p1 := baseProof("v1")
	p2 := baseProof("v2")

	p1.VideoQualityData.OverallScore = 85.0
	p2.VideoQualityData.OverallScore = 91.0 // mean 88, deviation exactly 3
	res := DeepValidate([]types.QoSProof{p1, p2})
	assert.True(t, res.Valid)

	p2.VideoQualityData.OverallScore = 91.1
	res = DeepValidate([]types.QoSProof{p1, p2})
	assert.False(t, res.Valid)
}

func TestDeepValidate_CodecConflict(t *testing.T) {
	p1 := baseProof("v1")
	p2 := baseProof("v2")
	p2.MediaSpecs.Codec = "H.265"

	res := DeepValidate([]types.QoSProof{p1, p2})
	require.False(t, res.Valid)
	require.True(t, res.HasConflict)
	assert.Equal(t, types.ConflictStructural, ClassifyConflict(res))
}

func TestDeepValidate_GopScoreConflict_OnlyCommonTimestampsCompared(t *testing.T) {
	p1 := baseProof("v1")
	p2 := baseProof("v2")
	p2.VideoQualityData.GopScores = map[string]string{"5": "70.0"} // disjoint from p1's "0"

	res := DeepValidate([]types.QoSProof{p1, p2})
	assert.True(t, res.Valid, "no shared GOP timestamps means nothing to compare")
}

func TestDeepValidate_GopScoreConflict(t *testing.T) {
	p1 := baseProof("v1")
	p2 := baseProof("v2")
	p2.VideoQualityData.GopScores = map[string]string{"0": "50.0"}

	res := DeepValidate([]types.QoSProof{p1, p2})
	require.True(t, res.HasConflict)
	assert.Equal(t, types.ConflictStructural, ClassifyConflict(res))
}

func TestDeepValidate_AudioPresenceConflict(t *testing.T) {
	p1 := baseProof("v1")
	p2 := baseProof("v2")
	p2.AudioQualityData = nil

	res := DeepValidate([]types.QoSProof{p1, p2})
	require.True(t, res.HasConflict)
	assert.Equal(t, types.ConflictStructural, ClassifyConflict(res))
}

func TestResolveWithSupplementary_StructuralMajority(t *testing.T) {
	v1 := baseProof("v1")
	v2 := baseProof("v2")
	v2.MediaSpecs.Codec = "H.265"
	supp := baseProof("supp")
	supp.MediaSpecs.Codec = "H.264"

	prior := DeepValidate([]types.QoSProof{v1, v2})
	require.True(t, prior.HasConflict)

	res := ResolveWithSupplementary([]types.QoSProof{v1, v2}, supp, types.ConflictStructural, prior)
	require.True(t, res.Valid)
	assert.Equal(t, "majority", res.ResolvedBy)
	assert.Equal(t, "H.264", res.MajorityValue)
	assert.ElementsMatch(t, []string{"v1", "supp"}, res.ReliableVerifiers)
	assert.ElementsMatch(t, []string{"v2"}, res.UnreliableVerifiers)
}

func TestResolveWithSupplementary_StructuralNoMajority(t *testing.T) {
	v1 := baseProof("v1")
	v1.MediaSpecs.Codec = "H.264"
	v2 := baseProof("v2")
	v2.MediaSpecs.Codec = "H.265"
	supp := baseProof("supp")
	supp.MediaSpecs.Codec = "VP9"

	prior := DeepValidate([]types.QoSProof{v1, v2})
	res := ResolveWithSupplementary([]types.QoSProof{v1, v2}, supp, types.ConflictStructural, prior)
	assert.False(t, res.Valid)
	assert.True(t, res.NeedsManualReview)
	assert.Equal(t, "manual", res.ResolvedBy)
}

func TestResolveWithSupplementary_Statistical(t *testing.T) {
	v1 := baseProof("v1")
	v1.MediaSpecs.Bitrate = 5000
	v2 := baseProof("v2")
	v2.MediaSpecs.Bitrate = 6000
	supp := baseProof("supp")
	supp.MediaSpecs.Bitrate = 5100

	prior := DeepValidate([]types.QoSProof{v1, v2})
	require.True(t, prior.HasConflict)

	res := ResolveWithSupplementary([]types.QoSProof{v1, v2}, supp, types.ConflictScore, prior)
	require.True(t, res.Valid)
	assert.Equal(t, "statistical", res.ResolvedBy)
	assert.Equal(t, 5100.0, res.MedianValue)
	assert.ElementsMatch(t, []string{"v1", "supp"}, res.ReliableVerifiers)
	assert.ElementsMatch(t, []string{"v2"}, res.UnreliableVerifiers)
}
