// Package types holds the wire and domain types shared across the node:
// QoS attestations, task records, PBFT envelopes and committee membership.
//
// Adapted from chainbft_demo's types.Validator/types.ValidatorSet, stripped
// of voting-power and proposer-rotation bookkeeping: committee membership
// and leadership here are both fixed by configuration (spec §1 Non-goals).
package types

import "fmt"

// Member is one committee node.
type Member struct {
	NodeID   string `json:"nodeId"`
	IsLeader bool   `json:"isLeader"`
}

// Committee is the fixed, ordered membership list for a consensus run.
type Committee struct {
	Members []Member
}

// NewCommittee builds a Committee from member node IDs; leaderID must be
// one of them.
func NewCommittee(nodeIDs []string, leaderID string) (*Committee, error) {
	if len(nodeIDs) == 0 {
		return nil, fmt.Errorf("committee must have at least one member")
	}
	members := make([]Member, 0, len(nodeIDs))
	found := false
	for _, id := range nodeIDs {
		isLeader := id == leaderID
		found = found || isLeader
		members = append(members, Member{NodeID: id, IsLeader: isLeader})
	}
	if !found {
		return nil, fmt.Errorf("leader %q is not a committee member", leaderID)
	}
	return &Committee{Members: members}, nil
}

// Size returns N, the total committee membership.
func (c *Committee) Size() int {
	return len(c.Members)
}

// FaultTolerance returns f = floor((N-1)/3).
func (c *Committee) FaultTolerance() int {
	return (c.Size() - 1) / 3
}

// Threshold returns tau = 2f+1, the quorum size for Prepare/Commit sets.
func (c *Committee) Threshold() int {
	return 2*c.FaultTolerance() + 1
}

// Leader returns the fixed leader's node ID.
func (c *Committee) Leader() string {
	for _, m := range c.Members {
		if m.IsLeader {
			return m.NodeID
		}
	}
	return ""
}

// Has reports whether nodeID is a committee member.
func (c *Committee) Has(nodeID string) bool {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return true
		}
	}
	return false
}
