package types

import "time"

// TaskState is the task's position in the state machine of spec §4.3.
type TaskState string

const (
	TaskPending               TaskState = "Pending"
	TaskValidating            TaskState = "Validating"
	TaskVerified              TaskState = "Verified" // reserved, never assigned
	TaskConsensus             TaskState = "Consensus"
	TaskRejected              TaskState = "Rejected" // reserved, unreachable
	TaskFinalized             TaskState = "Finalized"
	TaskConflict              TaskState = "Conflict"
	TaskAwaitingSupplementary TaskState = "AwaitingSupplementary"
	TaskValidated             TaskState = "Validated"
	TaskFailed                TaskState = "Failed"
	TaskNeedsManualReview     TaskState = "NeedsManualReview"
	TaskExpired               TaskState = "Expired"
)

// HumanTag maps a TaskState onto the wire tag used by the HTTP ingress
// (spec §6).
func (s TaskState) HumanTag() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskValidating:
		return "validating"
	case TaskVerified:
		return "verified"
	case TaskConsensus:
		return "in_consensus"
	case TaskConflict:
		return "conflict_detected"
	case TaskAwaitingSupplementary:
		return "awaiting_supplementary_verification"
	case TaskValidated:
		return "validated"
	case TaskFinalized:
		return "finalized"
	case TaskRejected:
		return "rejected"
	case TaskFailed:
		return "failed"
	case TaskNeedsManualReview:
		return "needs_manual_review"
	case TaskExpired:
		return "expired"
	default:
		return string(s)
	}
}

// ConflictType classifies a deep-validation failure.
type ConflictType string

const (
	ConflictNone       ConflictType = "none"
	ConflictStructural ConflictType = "structural"
	ConflictScore      ConflictType = "score"
)

// ValidationInfo records what the validator found while processing a task.
type ValidationInfo struct {
	ConflictType             ConflictType `json:"conflictType,omitempty"`
	ConflictDetails          string       `json:"conflictDetails,omitempty"`
	ResolvedResult           string       `json:"resolvedResult,omitempty"`
	SupplementaryRequested   bool         `json:"supplementaryRequested,omitempty"`
	SupplementaryRequestTime time.Time    `json:"supplementaryRequestTime,omitempty"`
	TimeoutReason            string       `json:"timeoutReason,omitempty"`
	ErrorMessage             string       `json:"errorMessage,omitempty"`
}

// Result holds the outcome stamped on a task once consensus finalizes it.
type Result struct {
	ConsensusTimestamp time.Time `json:"consensusTimestamp"`
	TxHash             string    `json:"txHash,omitempty"`
}

// TaskStatus is the per-task record each node holds in its task table.
//
// Invariants (spec §3 P1/P2): ProofCount == len(VerifierIDs), and
// VerifierIDs has no duplicate entries.
type TaskStatus struct {
	TaskID      string
	State       TaskState
	ProofCount  int
	VerifierIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time

	SupplementaryVerifierIDs []string
	ValidationInfo           *ValidationInfo
	Result                   *Result

	// Proofs is keyed by VerifierID; ProofOrder records arrival order, and
	// OrderedProofs()[0] is the "first stored proof" the spec uses as the
	// consensus payload.
	Proofs       map[string]QoSProof
	ProofOrder   []string
	Supplementary *QoSProof

	ConsensusType ConsensusType
}

// HasVerifier reports whether verifierID already contributed a proof.
func (t *TaskStatus) HasVerifier(verifierID string) bool {
	for _, id := range t.VerifierIDs {
		if id == verifierID {
			return true
		}
	}
	return false
}

// OrderedProofs returns the stored proofs in arrival order.
func (t *TaskStatus) OrderedProofs() []QoSProof {
	proofs := make([]QoSProof, 0, len(t.ProofOrder))
	for _, id := range t.ProofOrder {
		proofs = append(proofs, t.Proofs[id])
	}
	return proofs
}
