// Package pbft implements the three-phase PBFT engine of spec §4.2: one
// replicated-log slot at a time, late-message buffering, a completed-
// sequence set, and the Normal/Conflict consensus-type tag.
//
// Modeled directly on consensus/state.go (chainbft_demo): a sync.Mutex-
// guarded struct holding the round state. The engine owns a
// tendermint/libs/events.EventSwitch that callers may Subscribe to, but it
// fires no events on it. Unlike the
// teacher, there is no slot clock or separate receive goroutine — spec §5
// models each node as a single cooperative event loop with no per-handler
// concurrency, so Engine methods are called directly and return their
// outbound message rather than posting it to an internal channel.
package pbft

import (
	"fmt"
	"sync"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"

	"qosbft/internal/eventlog"
	"qosbft/internal/signer"
	"qosbft/internal/types"
)

// Event names a Subscribe listener can register for on the engine's
// EventSwitch, mirroring consensus.EventNewProposal/EventNewVote. The
// engine does not fire EventOutboundMessage itself.
const (
	EventOutboundMessage = "OutboundMessage"
)

// OnConsensusReached is the one-way callback the task pipeline supplies;
// the engine holds no back-reference to the pipeline beyond this (spec §9).
type OnConsensusReached func(proof types.QoSProof, consensusType types.ConsensusType, taskID string)

// Engine is one node's PBFT state for whichever (view, seq) slot is
// currently active. At most one slot is active at a time (spec §5's
// single-consensus invariant); other tasks queue in the pipeline.
type Engine struct {
	mtx sync.Mutex

	nodeID     string
	isLeader   bool
	totalNodes int
	threshold  int

	signer   signer.Signer
	verifier signer.Verifier
	sink     eventlog.Sink
	Logger   log.Logger

	eventSwitch events.EventSwitch
	onReached   OnConsensusReached

	viewNumber     int64
	sequenceNumber int64
	state          Phase

	currentTaskID         string
	currentProposal       *types.QoSProof
	currentDigest         string
	currentConsensusType  types.ConsensusType

	prepares map[types.SlotKey]map[string]bool
	commits  map[types.SlotKey]map[string]bool

	pendingPrepares map[types.SlotKey]map[string]*types.Message
	pendingCommits  map[types.SlotKey]map[string]*types.Message

	completedSequences map[int64]bool
}

// NewEngine constructs an Engine per spec §4.2: threshold = 2*floor((N-1)/3)+1.
func NewEngine(nodeID string, isLeader bool, totalNodes int, sign signer.Signer, verify signer.Verifier, sink eventlog.Sink, onReached OnConsensusReached) *Engine {
	f := (totalNodes - 1) / 3
	e := &Engine{
		nodeID:              nodeID,
		isLeader:            isLeader,
		totalNodes:          totalNodes,
		threshold:           2*f + 1,
		signer:              sign,
		verifier:            verify,
		sink:                sink,
		Logger:              log.NewNopLogger(),
		eventSwitch:         events.NewEventSwitch(),
		onReached:           onReached,
		state:               Idle,
		prepares:            make(map[types.SlotKey]map[string]bool),
		commits:             make(map[types.SlotKey]map[string]bool),
		pendingPrepares:     make(map[types.SlotKey]map[string]*types.Message),
		pendingCommits:      make(map[types.SlotKey]map[string]*types.Message),
		completedSequences:  make(map[int64]bool),
	}
	if err := e.eventSwitch.Start(); err != nil {
		panic(err)
	}
	return e
}

func (e *Engine) SetLogger(logger log.Logger) {
	e.Logger = logger
}

// Subscribe registers a listener for outbound messages the engine produces
// internally (none today — StartConsensus/HandlePrePrepare/HandlePrepare
// return their message directly to the caller, per spec §4.2). No code in
// this repository subscribes, and the engine fires no events.
func (e *Engine) Subscribe(subscriber string, cb func(events.EventData)) {
	e.eventSwitch.AddListenerForEvent(subscriber, EventOutboundMessage, cb)
}

func (e *Engine) slotKey() types.SlotKey {
	return types.SlotKey{View: e.viewNumber, Seq: e.sequenceNumber}
}

// StartConsensus begins a new round as leader. Preconditions: isLeader &&
// state == Idle; fails silently (returns nil) otherwise, per spec §4.2.
func (e *Engine) StartConsensus(taskID string, proof types.QoSProof, consensusType types.ConsensusType) *types.Message {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.isLeader || e.state != Idle {
		e.Logger.Debug("StartConsensus preconditions not met", "isLeader", e.isLeader, "state", e.state)
		return nil
	}

	e.sequenceNumber++
	e.currentTaskID = taskID
	e.currentProposal = &proof
	e.currentDigest = digest(proof)
	e.currentConsensusType = consensusType
	e.state = PrePrepared

	msg := &types.Message{
		Type:           types.MsgPrePrepare,
		ConsensusType:  consensusType,
		ViewNumber:     e.viewNumber,
		SequenceNumber: e.sequenceNumber,
		NodeID:         e.nodeID,
		TaskID:         taskID,
		Digest:         e.currentDigest,
		Data:           &proof,
	}
	e.sign(msg)
	return msg
}

// HandlePrePrepare accepts a PrePrepare in Idle (follower), or when this
// node is the leader consuming its own PrePrepare while already
// PrePrepared (spec §4.2). The caller is responsible for feeding the
// returned Prepare back into HandlePrepare so this node's own vote is
// counted (spec §4.3.3/§9).
func (e *Engine) HandlePrePrepare(msg *types.Message) *types.Message {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.validateMessage(msg) {
		return nil
	}

	selfAlreadyPrePrepared := e.isLeader && e.state == PrePrepared && e.currentTaskID == msg.TaskID
	if e.state != Idle && !selfAlreadyPrePrepared {
		e.Logger.Debug("HandlePrePrepare: wrong state", "state", e.state)
		return nil
	}

	if msg.Data == nil {
		e.Logger.Error("HandlePrePrepare: missing payload")
		return nil
	}

	recomputed := digest(*msg.Data)
	if recomputed != msg.Digest {
		e.Logger.Error("HandlePrePrepare: digest mismatch", "want", msg.Digest, "got", recomputed)
		return nil
	}

	e.currentTaskID = msg.TaskID
	e.currentProposal = msg.Data
	e.currentDigest = msg.Digest
	e.currentConsensusType = msg.ConsensusType
	e.sequenceNumber = msg.SequenceNumber
	if e.state != PrePrepared {
		e.state = PrePrepared
	}

	prepare := &types.Message{
		Type:           types.MsgPrepare,
		ConsensusType:  e.currentConsensusType,
		ViewNumber:     e.viewNumber,
		SequenceNumber: e.sequenceNumber,
		NodeID:         e.nodeID,
		TaskID:         e.currentTaskID,
		Digest:         e.currentDigest,
	}
	e.sign(prepare)

	// Deliberately NOT self-seeded here: spec §9 requires the own vote be
	// appended via HandlePrepare so the pending-buffer drain (which fires
	// on the first own-vote append) triggers correctly. The caller must
	// feed this returned Prepare back into HandlePrepare.
	return prepare
}

// HandlePrepare implements spec §4.2's Prepare handling: drop if the
// sequence already completed or this node's phase is past PrePrepared,
// buffer if the phase hasn't reached PrePrepared yet, otherwise dedup-append
// and check the quorum threshold.
func (e *Engine) HandlePrepare(msg *types.Message) *types.Message {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.validateMessage(msg) {
		return nil
	}

	key := types.SlotKey{View: msg.ViewNumber, Seq: msg.SequenceNumber}
	if e.completedSequences[msg.SequenceNumber] {
		return nil
	}
	if e.state > PrePrepared {
		return nil
	}
	if e.state < PrePrepared {
		e.bufferPrepare(key, msg)
		return nil
	}

	firstOwnVote := e.ensurePrepareSet(key)
	if firstOwnVote {
		e.drainPendingPrepares(key)
	}
	e.prepares[key][msg.NodeID] = true

	if len(e.prepares[key]) >= e.threshold && e.state == PrePrepared {
		e.state = Prepared

		commit := &types.Message{
			Type:           types.MsgCommit,
			ConsensusType:  e.currentConsensusType,
			ViewNumber:     e.viewNumber,
			SequenceNumber: e.sequenceNumber,
			NodeID:         e.nodeID,
			TaskID:         e.currentTaskID,
			Digest:         e.currentDigest,
		}
		e.sign(commit)

		// Not self-seeded for the same reason as HandlePrePrepare's
		// Prepare: the caller feeds this back into HandleCommit so the
		// pendingCommits drain fires on the genuine first own-vote append.
		return commit
	}
	return nil
}

// HandleCommit mirrors HandlePrepare. On reaching the quorum threshold it
// finalizes the sequence, invokes onConsensusReached, and resets the
// engine to Idle for the next slot.
func (e *Engine) HandleCommit(msg *types.Message) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if !e.validateMessage(msg) {
		return
	}

	key := types.SlotKey{View: msg.ViewNumber, Seq: msg.SequenceNumber}
	if e.completedSequences[msg.SequenceNumber] {
		return
	}
	if e.state > Prepared {
		return
	}
	if e.state < Prepared {
		e.bufferCommit(key, msg)
		return
	}

	firstOwnVote := e.ensureCommitSet(key)
	if firstOwnVote {
		e.drainPendingCommits(key)
	}
	e.commits[key][msg.NodeID] = true

	if len(e.commits[key]) >= e.threshold && e.state == Prepared {
		e.state = Committed
		e.completedSequences[msg.SequenceNumber] = true

		proposal, consensusType, taskID := *e.currentProposal, e.currentConsensusType, e.currentTaskID
		if e.sink != nil {
			e.sink.RecordEvent(taskID, "PBFT_COMMITTED", map[string]interface{}{
				"seq":  msg.SequenceNumber,
				"view": msg.ViewNumber,
			})
		}

		// reset for the next slot before invoking the callback, so a
		// callback that itself starts a new round sees a clean engine.
		e.state = Idle
		e.currentProposal = nil
		e.currentDigest = ""
		e.currentTaskID = ""
		delete(e.prepares, key)
		delete(e.commits, key)
		delete(e.pendingPrepares, key)
		delete(e.pendingCommits, key)

		if e.onReached != nil {
			e.mtx.Unlock()
			e.onReached(proposal, consensusType, taskID)
			e.mtx.Lock()
		}
	}
}

// State returns the engine's current phase, for status reporting.
func (e *Engine) State() Phase {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.state
}

// CompletedSequences reports whether seq has already reached commit
// quorum (P4: no subsequent message for a completed seq mutates state).
func (e *Engine) CompletedSequences(seq int64) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.completedSequences[seq]
}

func (e *Engine) ensurePrepareSet(key types.SlotKey) bool {
	if _, ok := e.prepares[key]; !ok {
		e.prepares[key] = make(map[string]bool)
		return true
	}
	return false
}

func (e *Engine) ensureCommitSet(key types.SlotKey) bool {
	if _, ok := e.commits[key]; !ok {
		e.commits[key] = make(map[string]bool)
		return true
	}
	return false
}

func (e *Engine) bufferPrepare(key types.SlotKey, msg *types.Message) {
	if e.pendingPrepares[key] == nil {
		e.pendingPrepares[key] = make(map[string]*types.Message)
	}
	e.pendingPrepares[key][msg.NodeID] = msg
}

func (e *Engine) bufferCommit(key types.SlotKey, msg *types.Message) {
	if e.pendingCommits[key] == nil {
		e.pendingCommits[key] = make(map[string]*types.Message)
	}
	e.pendingCommits[key][msg.NodeID] = msg
}

// drainPendingPrepares adds every buffered Prepare for key into the
// accepted set, exactly once, atomically with the transition that unblocks
// it (spec §9: "must be drained exactly once, atomically at the state
// transition").
func (e *Engine) drainPendingPrepares(key types.SlotKey) {
	pending := e.pendingPrepares[key]
	delete(e.pendingPrepares, key)
	for nodeID := range pending {
		e.prepares[key][nodeID] = true
	}
}

func (e *Engine) drainPendingCommits(key types.SlotKey) {
	pending := e.pendingCommits[key]
	delete(e.pendingCommits, key)
	for nodeID := range pending {
		e.commits[key][nodeID] = true
	}
}

// validateMessage checks the view number and, when a Verifier is wired,
// the sender's signature (REDESIGN FLAG: the spec's source stubs signing
// without verifying; this engine verifies per spec §9's Open Question).
func (e *Engine) validateMessage(msg *types.Message) bool {
	if msg == nil {
		return false
	}
	if msg.ViewNumber != e.viewNumber {
		e.Logger.Debug("validateMessage: wrong view", "want", e.viewNumber, "got", msg.ViewNumber)
		return false
	}
	if e.verifier == nil {
		return true
	}
	if !e.verifier.Verify(msg.NodeID, []byte(signBytes(msg)), []byte(msg.Signature)) {
		e.Logger.Error("validateMessage: invalid signature", "from", msg.NodeID)
		return false
	}
	return true
}

func (e *Engine) sign(msg *types.Message) {
	if e.signer == nil {
		msg.Signature = "unsigned"
		return
	}
	sig, err := e.signer.Sign([]byte(signBytes(msg)))
	if err != nil {
		e.Logger.Error("sign message failed", "err", err)
		return
	}
	msg.Signature = string(sig)
}

// signBytes is the canonical payload a PBFT message's signature covers:
// (type, consensusType, view, seq, taskID, digest), per spec §4.2.
func signBytes(msg *types.Message) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%s", msg.Type, msg.ConsensusType, msg.ViewNumber, msg.SequenceNumber, msg.TaskID, msg.Digest)
}
