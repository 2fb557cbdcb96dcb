// Package pipeline owns the task status table, the serial consensus
// queue, and the glue between inbound transport messages and the PBFT
// engine, per spec §4.3. Grounded on consensus/state.go's single
// mutex-guarded state machine (chainbft_demo): one struct, one lock, a
// set of handler methods each acquiring it for their whole body — no
// actor mailbox, since spec §5 already models the node as a single
// cooperative event loop.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendermint/tendermint/libs/log"

	"qosbft/internal/eventlog"
	"qosbft/internal/pbft"
	"qosbft/internal/signer"
	"qosbft/internal/transport"
	"qosbft/internal/types"
	"qosbft/internal/validator"
)

const supplementaryTimeout = 2 * time.Hour
const taskExpiry = 24 * time.Hour

// Clock is injected so tests can control "now" without sleeping;
// production code passes time.Now.
type Clock func() time.Time

// Pipeline is one node's task table plus consensus-queue driver. The
// exported handler methods lock mtx for their full body, matching
// consensus/state.go's handler shape; OnConsensusReached runs under the
// lock its caller already holds, and the read-only accessors IsLeader,
// Committee and EngineState do not take it.
type Pipeline struct {
	mtx sync.Mutex

	nodeID    string
	isLeader  bool
	committee *types.Committee
	now       Clock

	engine    *pbft.Engine
	broadcast transport.Broadcaster
	verifier  signer.Verifier
	sink      eventlog.Sink
	Logger    log.Logger

	tasks map[string]*types.TaskStatus
	queue []string

	processingConsensus    bool
	currentConsensusTaskID string

	pendingPrePrepare      map[string]*types.Message
	pendingFinalPrePrepare map[string]*types.Message

	// leader-only bookkeeping for the supplementary ready/ack handshake.
	supplementaryReady            map[string]map[string]bool
	pendingSupplementaryConsensus map[string]types.QoSProof

	// lastDeepResult records the most recent deep-validate outcome per
	// task, consulted by ResolveWithSupplementary; kept out of
	// types.TaskStatus to avoid a types->validator import cycle.
	lastDeepResult map[string]validator.DeepResult
}

// New constructs a Pipeline. engine's onConsensusReached callback must be
// wired to p.OnConsensusReached by the caller (node wiring), since the
// engine is constructed before the pipeline that references it.
func New(nodeID string, isLeader bool, committee *types.Committee, engine *pbft.Engine, broadcast transport.Broadcaster, verifier signer.Verifier, sink eventlog.Sink, now Clock) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		nodeID:                        nodeID,
		isLeader:                      isLeader,
		committee:                     committee,
		now:                           now,
		engine:                        engine,
		broadcast:                     broadcast,
		verifier:                      verifier,
		sink:                          sink,
		Logger:                        log.NewNopLogger(),
		tasks:                         make(map[string]*types.TaskStatus),
		pendingPrePrepare:             make(map[string]*types.Message),
		pendingFinalPrePrepare:        make(map[string]*types.Message),
		supplementaryReady:            make(map[string]map[string]bool),
		pendingSupplementaryConsensus: make(map[string]types.QoSProof),
		lastDeepResult:                make(map[string]validator.DeepResult),
	}
}

func (p *Pipeline) SetLogger(logger log.Logger) {
	p.Logger = logger
}

// Status returns a copy-free snapshot pointer for read-only reporting by
// the ingress layer. Callers must not mutate the returned value.
func (p *Pipeline) Status(taskID string) (*types.TaskStatus, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	t, ok := p.tasks[taskID]
	return t, ok
}

// IsLeader reports whether this node is the committee's fixed leader.
func (p *Pipeline) IsLeader() bool {
	return p.isLeader
}

// Committee exposes the fixed membership list for read-only reporting.
func (p *Pipeline) Committee() *types.Committee {
	return p.committee
}

// EngineState reports the PBFT engine's current phase, for status
// reporting.
func (p *Pipeline) EngineState() pbft.Phase {
	return p.engine.State()
}

func (p *Pipeline) getOrCreateTask(taskID string) *types.TaskStatus {
	t, ok := p.tasks[taskID]
	if ok {
		return t
	}
	now := p.now()
	t = &types.TaskStatus{
		TaskID:     taskID,
		State:      types.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Proofs:     make(map[string]types.QoSProof),
		ProofOrder: nil,
	}
	p.tasks[taskID] = t
	return t
}

// IngestProof implements spec §4.3.1.
func (p *Pipeline) IngestProof(taskID string, proof types.QoSProof) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if proof.ID == "" {
		proof.ID = uuid.NewString()
	}

	if p.sink != nil {
		p.sink.RecordEvent(taskID, eventlog.EventProofReceived, map[string]interface{}{"verifierId": proof.VerifierID})
	}

	qr := validator.QuickValidate(proof, p.now(), p.verifier)
	if !qr.Valid {
		p.Logger.Debug("IngestProof: quick-validate failed, dropping", "taskId", taskID, "reason", qr.Details)
		return nil
	}

	task := p.getOrCreateTask(taskID)
	if task.HasVerifier(proof.VerifierID) {
		p.Logger.Debug("IngestProof: duplicate verifier, dropping", "taskId", taskID, "verifierId", proof.VerifierID)
		return nil
	}

	task.Proofs[proof.VerifierID] = proof
	task.ProofOrder = append(task.ProofOrder, proof.VerifierID)
	task.ProofCount++
	task.VerifierIDs = append(task.VerifierIDs, proof.VerifierID)
	task.UpdatedAt = p.now()

	if task.State == types.TaskPending {
		task.State = types.TaskValidating
	}

	if p.isLeader && task.ProofCount >= 2 && task.State != types.TaskConsensus {
		p.runDeepValidateAndEnqueue(task)
	}

	if !p.isLeader {
		if buffered, ok := p.pendingPrePrepare[taskID]; ok {
			delete(p.pendingPrePrepare, taskID)
			p.dispatchPrePrepare(buffered)
		}
	}

	return nil
}

func (p *Pipeline) runDeepValidateAndEnqueue(task *types.TaskStatus) {
	result := validator.DeepValidate(task.OrderedProofs())
	p.lastDeepResult[task.TaskID] = result

	if !result.Valid {
		ct := validator.ClassifyConflict(result)
		task.ConsensusType = types.ConsensusConflict
		task.ValidationInfo = &types.ValidationInfo{
			ConflictType:    ct,
			ConflictDetails: result.Reason,
		}
	} else {
		task.ConsensusType = types.ConsensusNormal
	}

	task.State = types.TaskConsensus
	task.UpdatedAt = p.now()
	p.queue = append(p.queue, task.TaskID)
	p.drainQueue()
}

// drainQueue implements spec §4.3.2. Callers must hold p.mtx.
func (p *Pipeline) drainQueue() {
	for !p.processingConsensus && len(p.queue) > 0 {
		taskID := p.queue[0]
		p.queue = p.queue[1:]

		task, ok := p.tasks[taskID]
		if !ok {
			continue
		}
		if task.State == types.TaskAwaitingSupplementary {
			continue
		}
		if task.State != types.TaskConsensus {
			continue
		}

		p.processingConsensus = true
		p.currentConsensusTaskID = taskID

		proofs := task.OrderedProofs()
		if len(proofs) == 0 {
			p.Logger.Error("drainQueue: task has no stored proofs", "taskId", taskID)
			p.processingConsensus = false
			p.currentConsensusTaskID = ""
			continue
		}

		pp := p.engine.StartConsensus(taskID, proofs[0], task.ConsensusType)
		if pp == nil {
			p.Logger.Error("drainQueue: StartConsensus failed", "taskId", taskID)
			p.processingConsensus = false
			p.currentConsensusTaskID = ""
			continue
		}
		p.broadcast.Broadcast(pp)

		ownPrepare := p.engine.HandlePrePrepare(pp)
		if ownPrepare != nil {
			p.broadcast.Broadcast(ownPrepare)
			if ownCommit := p.engine.HandlePrepare(ownPrepare); ownCommit != nil {
				p.broadcast.Broadcast(ownCommit)
				p.engine.HandleCommit(ownCommit)
			}
		}
		return
	}
}

// HandleMessage implements spec §4.3.3, the inbound dispatch for every
// PBFT and supplementary envelope.
func (p *Pipeline) HandleMessage(msg *types.Message) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	switch msg.Type {
	case types.MsgPrePrepare, types.MsgPrepare, types.MsgCommit:
		if p.currentConsensusTaskID != "" && msg.TaskID != p.currentConsensusTaskID {
			return
		}
	}

	switch msg.Type {
	case types.MsgPrePrepare:
		p.dispatchPrePrepare(msg)
	case types.MsgPrepare:
		if commit := p.engine.HandlePrepare(msg); commit != nil {
			p.broadcast.Broadcast(commit)
			p.engine.HandleCommit(commit)
		}
	case types.MsgCommit:
		p.engine.HandleCommit(msg)
	case types.MsgSupplementaryReady:
		p.handleSupplementaryReady(msg)
	case types.MsgSupplementaryAck:
		p.handleSupplementaryAck(msg)
	default:
		p.Logger.Error("HandleMessage: unknown message type", "type", msg.Type)
	}
}

// dispatchPrePrepare runs processPrePrepare (§4.3.3) and, if it yields a
// Prepare, broadcasts it and feeds it back into the engine so this node's
// own vote is counted.
func (p *Pipeline) dispatchPrePrepare(msg *types.Message) {
	prepare := p.processPrePrepare(msg)
	if prepare == nil {
		return
	}
	p.broadcast.Broadcast(prepare)
	if commit := p.engine.HandlePrepare(prepare); commit != nil {
		p.broadcast.Broadcast(commit)
		p.engine.HandleCommit(commit)
	}
}

// processPrePrepare implements spec §4.3.3's processPrePrepare. Callers
// must hold p.mtx.
func (p *Pipeline) processPrePrepare(msg *types.Message) *types.Message {
	p.currentConsensusTaskID = msg.TaskID
	task := p.getOrCreateTask(msg.TaskID)

	if task.ProofCount < 2 {
		p.pendingPrePrepare[msg.TaskID] = msg
		return nil
	}

	isSecondRound := msg.ConsensusType == types.ConsensusNormal &&
		(task.State == types.TaskValidated || task.State == types.TaskAwaitingSupplementary)

	if isSecondRound {
		if task.State == types.TaskValidated {
			task.State = types.TaskConsensus
			task.UpdatedAt = p.now()
			return p.engine.HandlePrePrepare(msg)
		}
		// AwaitingSupplementary: this node hasn't finished supplementary
		// handling yet.
		p.pendingFinalPrePrepare[msg.TaskID] = msg
		return nil
	}

	if msg.Data == nil {
		p.Logger.Error("processPrePrepare: missing payload", "taskId", msg.TaskID)
		return nil
	}
	qr := validator.QuickValidate(*msg.Data, p.now(), p.verifier)
	if !qr.Valid {
		p.Logger.Debug("processPrePrepare: quick-validate failed on payload, dropping", "taskId", msg.TaskID, "reason", qr.Details)
		return nil
	}

	result := validator.DeepValidate(task.OrderedProofs())
	p.lastDeepResult[task.TaskID] = result
	if !result.Valid {
		ct := validator.ClassifyConflict(result)
		task.ConsensusType = types.ConsensusConflict
		task.ValidationInfo = &types.ValidationInfo{
			ConflictType:    ct,
			ConflictDetails: result.Reason,
		}
	} else {
		task.ConsensusType = types.ConsensusNormal
	}

	task.State = types.TaskConsensus
	task.UpdatedAt = p.now()
	return p.engine.HandlePrePrepare(msg)
}

// OnConsensusReached is the callback wired to the engine (spec §4.3.4).
//
// It does NOT lock p.mtx: the engine invokes this callback synchronously
// from inside HandleCommit, which the pipeline only ever calls while
// already holding p.mtx (from drainQueue, dispatchPrePrepare,
// HandleMessage, or startFinalConsensus); sync.Mutex is not reentrant, so locking here
// would deadlock the same goroutine against itself.
func (p *Pipeline) OnConsensusReached(proof types.QoSProof, consensusType types.ConsensusType, taskID string) {
	task, ok := p.tasks[taskID]
	if !ok {
		p.Logger.Error("onConsensusReached: unknown task", "taskId", taskID)
		return
	}

	switch consensusType {
	case types.ConsensusNormal:
		task.State = types.TaskFinalized
		task.Result = &types.Result{ConsensusTimestamp: p.now()}
		if p.sink != nil {
			p.sink.RecordEvent(taskID, eventlog.EventConsensusReachNormal, nil)
		}
	case types.ConsensusConflict:
		task.State = types.TaskAwaitingSupplementary
		if task.ValidationInfo == nil {
			task.ValidationInfo = &types.ValidationInfo{}
		}
		task.ValidationInfo.SupplementaryRequested = true
		task.ValidationInfo.SupplementaryRequestTime = p.now()
		if p.sink != nil {
			p.sink.RecordEvent(taskID, eventlog.EventConsensusReachConflict, nil)
		}
	}
	task.UpdatedAt = p.now()

	if len(p.queue) > 0 && p.queue[0] == taskID {
		p.queue = p.queue[1:]
	}
	p.processingConsensus = false
	p.currentConsensusTaskID = ""
	p.drainQueue()
}

// IngestSupplementary implements spec §4.3.5's supplementary ingestion.
func (p *Pipeline) IngestSupplementary(taskID string, proof types.QoSProof) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	task, ok := p.tasks[taskID]
	if !ok || task.State != types.TaskAwaitingSupplementary || len(task.OrderedProofs()) < 2 {
		p.Logger.Debug("IngestSupplementary: precondition failed", "taskId", taskID)
		return nil
	}

	qr := validator.QuickValidate(proof, p.now(), p.verifier)
	if !qr.Valid {
		task.State = types.TaskFailed
		task.ValidationInfo.ErrorMessage = qr.Details
		task.UpdatedAt = p.now()
		return nil
	}

	if proof.ID == "" {
		proof.ID = uuid.NewString()
	}
	task.Supplementary = &proof
	task.SupplementaryVerifierIDs = append(task.SupplementaryVerifierIDs, proof.VerifierID)
	task.UpdatedAt = p.now()

	conflictType := types.ConflictStructural
	if task.ValidationInfo != nil && task.ValidationInfo.ConflictType != "" {
		conflictType = task.ValidationInfo.ConflictType
	}
	prior := p.lastDeepResult[taskID]

	rr := validator.ResolveWithSupplementary(task.OrderedProofs(), proof, conflictType, prior)

	switch {
	case rr.Valid:
		task.State = types.TaskValidated
		task.ValidationInfo.ResolvedResult = rr.ResolvedBy
		task.UpdatedAt = p.now()

		payload := task.OrderedProofs()[0]
		payload.SupplementaryInfo = &types.SupplementaryInfo{
			ResolvedBy:          rr.ResolvedBy,
			SupplementaryProofID: proof.ID,
			ReliableVerifiers:   rr.ReliableVerifiers,
			UnreliableVerifiers: rr.UnreliableVerifiers,
		}

		if p.isLeader {
			p.pendingSupplementaryConsensus[taskID] = payload
			p.supplementaryReady[taskID] = map[string]bool{p.nodeID: true}
			ready := &types.Message{
				Type:                 types.MsgSupplementaryReady,
				NodeID:               p.nodeID,
				TaskID:               taskID,
				SupplementaryProofID: proof.ID,
				Timestamp:            p.now().Unix(),
			}
			p.broadcast.Broadcast(ready)
		} else {
			if buffered, ok := p.pendingFinalPrePrepare[taskID]; ok {
				delete(p.pendingFinalPrePrepare, taskID)
				p.dispatchPrePrepare(buffered)
			} else {
				ack := &types.Message{
					Type:                 types.MsgSupplementaryAck,
					NodeID:               p.nodeID,
					TaskID:               taskID,
					SupplementaryProofID: proof.ID,
					Timestamp:            p.now().Unix(),
				}
				if leaderID := p.committee.Leader(); leaderID != "" {
					_ = p.broadcast.Send(leaderID, ack)
				}
			}
		}
	case rr.NeedsManualReview:
		task.State = types.TaskNeedsManualReview
		task.UpdatedAt = p.now()
	default:
		task.State = types.TaskFailed
		task.UpdatedAt = p.now()
	}

	return nil
}

// handleSupplementaryReady implements the follower half of spec §4.3.5's
// ready/ack handshake.
func (p *Pipeline) handleSupplementaryReady(msg *types.Message) {
	task, ok := p.tasks[msg.TaskID]
	if !ok {
		return
	}
	switch task.State {
	case types.TaskValidated, types.TaskConsensus, types.TaskFinalized:
		ack := &types.Message{
			Type:                 types.MsgSupplementaryAck,
			NodeID:               p.nodeID,
			TaskID:               msg.TaskID,
			SupplementaryProofID: msg.SupplementaryProofID,
			Timestamp:            p.now().Unix(),
		}
		_ = p.broadcast.Send(msg.NodeID, ack)
	default:
		if task.Supplementary == nil || task.Supplementary.ID != msg.SupplementaryProofID {
			p.Logger.Info("handleSupplementaryReady: missing referenced supplementary proof, no automatic fetch", "taskId", msg.TaskID, "supplementaryProofId", msg.SupplementaryProofID)
		}
	}
}

// handleSupplementaryAck implements the leader half of spec §4.3.5's
// ready/ack handshake.
func (p *Pipeline) handleSupplementaryAck(msg *types.Message) {
	if !p.isLeader {
		return
	}
	task, ok := p.tasks[msg.TaskID]
	if !ok {
		return
	}
	if task.State == types.TaskConsensus || task.State == types.TaskFinalized {
		return
	}

	set, ok := p.supplementaryReady[msg.TaskID]
	if !ok {
		set = map[string]bool{p.nodeID: true}
		p.supplementaryReady[msg.TaskID] = set
	}
	set[msg.NodeID] = true

	payload, havePayload := p.pendingSupplementaryConsensus[msg.TaskID]
	if len(set) >= p.committee.Threshold() && havePayload {
		p.startFinalConsensus(msg.TaskID, payload)
		delete(p.supplementaryReady, msg.TaskID)
		delete(p.pendingSupplementaryConsensus, msg.TaskID)
	}
}

// startFinalConsensus implements spec §4.3.5's startFinalConsensus.
func (p *Pipeline) startFinalConsensus(taskID string, payload types.QoSProof) {
	task, ok := p.tasks[taskID]
	if !ok || task.State != types.TaskValidated {
		return
	}

	task.State = types.TaskConsensus
	task.UpdatedAt = p.now()
	p.currentConsensusTaskID = taskID
	p.processingConsensus = true

	pp := p.engine.StartConsensus(taskID, payload, types.ConsensusNormal)
	if pp == nil {
		p.Logger.Error("startFinalConsensus: StartConsensus failed", "taskId", taskID)
		p.processingConsensus = false
		p.currentConsensusTaskID = ""
		return
	}
	p.broadcast.Broadcast(pp)

	if ownPrepare := p.engine.HandlePrePrepare(pp); ownPrepare != nil {
		p.broadcast.Broadcast(ownPrepare)
		if ownCommit := p.engine.HandlePrepare(ownPrepare); ownCommit != nil {
			p.broadcast.Broadcast(ownCommit)
			p.engine.HandleCommit(ownCommit)
		}
	}
}

// CheckSupplementaryTimeouts implements spec §4.3.5's 2h timeout sweep.
// Idempotent: re-checks state and no-ops if the task has moved on.
func (p *Pipeline) CheckSupplementaryTimeouts() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	now := p.now()
	for _, task := range p.tasks {
		if task.State != types.TaskAwaitingSupplementary {
			continue
		}
		if len(task.SupplementaryVerifierIDs) > 0 {
			continue
		}
		if task.ValidationInfo == nil || now.Sub(task.ValidationInfo.SupplementaryRequestTime) < supplementaryTimeout {
			continue
		}
		task.State = types.TaskNeedsManualReview
		task.ValidationInfo.TimeoutReason = "supplementary proof timeout after 2h"
		task.UpdatedAt = now
	}
}

// GCSweep implements spec §4.3.6's hourly expiry sweep.
func (p *Pipeline) GCSweep() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	now := p.now()
	for _, task := range p.tasks {
		if task.State != types.TaskPending {
			continue
		}
		if now.Sub(task.UpdatedAt) >= taskExpiry {
			task.State = types.TaskExpired
			task.UpdatedAt = now
		}
	}
}
