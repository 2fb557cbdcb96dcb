package types

// MessageType tags the variant carried by a Message.
type MessageType string

const (
	MsgPrePrepare         MessageType = "PrePrepare"
	MsgPrepare            MessageType = "Prepare"
	MsgCommit             MessageType = "Commit"
	MsgStatusUpdate       MessageType = "StatusUpdate"
	MsgSupplementaryReady MessageType = "SupplementaryReady"
	MsgSupplementaryAck   MessageType = "SupplementaryAck"

	// MsgIdent is the first frame a peer sends after connecting, per
	// spec §6: {type:"IDENT", nodeId}.
	MsgIdent MessageType = "IDENT"
	// MsgDisconnect is a cooperative close frame, per spec §6.
	MsgDisconnect MessageType = "DISCONNECT"
)

// ConsensusType tags a round as resolving a normal proof set or a
// previously-conflicted one awaiting supplementary resolution.
type ConsensusType string

const (
	ConsensusNormal   ConsensusType = "Normal"
	ConsensusConflict ConsensusType = "Conflict"
)

// Message is the single tagged sum all PBFT and supplementary envelopes
// belong to (spec §9: "model all PBFT and supplementary envelopes as a
// single tagged sum; exhaustive matching is required"). Every message
// carries the common fields; PrePrepare additionally carries Data, and the
// two supplementary variants carry SupplementaryProofID/Timestamp.
type Message struct {
	Type           MessageType   `json:"type"`
	ConsensusType  ConsensusType `json:"consensusType"`
	ViewNumber     int64         `json:"viewNumber"`
	SequenceNumber int64         `json:"sequenceNumber"`
	NodeID         string        `json:"nodeId"`
	TaskID         string        `json:"taskId"`
	Digest         string        `json:"digest"`
	Signature      string        `json:"signature"`

	// Data carries the proposed QoSProof; set only on PrePrepare.
	Data *QoSProof `json:"data,omitempty"`

	// SupplementaryProofID/Timestamp are set only on SupplementaryReady
	// and SupplementaryAck.
	SupplementaryProofID string `json:"supplementaryProofId,omitempty"`
	Timestamp            int64  `json:"timestamp,omitempty"`
}

// SlotKey identifies a PBFT log slot by (view, sequence) — the key the
// engine's Prepare/Commit sets and pending buffers are indexed by.
type SlotKey struct {
	View int64
	Seq  int64
}
