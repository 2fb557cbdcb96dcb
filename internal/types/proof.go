package types

// MediaSpecs describes the encoded media properties a verifier observed.
type MediaSpecs struct {
	Codec    string  `json:"codec"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Bitrate  float64 `json:"bitrate"`
	HasAudio bool    `json:"hasAudio"`
}

// VideoQualityData is the per-GOP and overall video score a verifier reports.
type VideoQualityData struct {
	OverallScore float64           `json:"overallScore"`
	GopScores    map[string]string `json:"gopScores"`
}

// AudioQualityData is the optional audio quality summary.
type AudioQualityData struct {
	OverallScore float64 `json:"overallScore"`
}

// SyncQualityData is the optional audio/video sync summary. Its shape is not
// constrained further by validation; it is carried opaquely.
type SyncQualityData struct {
	OverallScore float64 `json:"overallScore,omitempty"`
}

// QoSProof is one verifier's signed attestation about a transcoding task.
// Immutable once accepted into a TaskStatus.
type QoSProof struct {
	ID         string `json:"id,omitempty"`
	TaskID     string `json:"taskId"`
	VerifierID string `json:"verifierId"`
	Timestamp  int64  `json:"timestamp"`

	MediaSpecs       MediaSpecs        `json:"mediaSpecs"`
	VideoQualityData VideoQualityData  `json:"videoQualityData"`
	AudioQualityData *AudioQualityData `json:"audioQualityData,omitempty"`
	SyncQualityData  *SyncQualityData  `json:"syncQualityData,omitempty"`

	Signature string `json:"signature"`

	// SupplementaryInfo is attached by the leader to the first stored proof
	// when the final consensus round is driven off a resolved conflict; it
	// is never set on an incoming proof.
	SupplementaryInfo *SupplementaryInfo `json:"supplementaryInfo,omitempty"`
}

// SupplementaryInfo records how a conflict was resolved, carried alongside
// the final-round proposal so every replica can observe the resolution.
type SupplementaryInfo struct {
	ResolvedBy          string   `json:"resolvedBy"`
	SupplementaryProofID string  `json:"supplementaryProofId"`
	ReliableVerifiers   []string `json:"reliableVerifiers,omitempty"`
	UnreliableVerifiers []string `json:"unreliableVerifiers,omitempty"`
}

// Clone returns a shallow copy safe to hand to a different owner; QoSProof
// values are otherwise treated as shared-immutable once stored.
func (p QoSProof) Clone() QoSProof {
	clone := p
	if p.AudioQualityData != nil {
		aq := *p.AudioQualityData
		clone.AudioQualityData = &aq
	}
	if p.SyncQualityData != nil {
		sq := *p.SyncQualityData
		clone.SyncQualityData = &sq
	}
	if p.VideoQualityData.GopScores != nil {
		gop := make(map[string]string, len(p.VideoQualityData.GopScores))
		for k, v := range p.VideoQualityData.GopScores {
			gop[k] = v
		}
		clone.VideoQualityData.GopScores = gop
	}
	return clone
}
