// Package ingress exposes the node's HTTP surface over gin, per spec §6:
// health/status reporting and the proof-submission endpoints verifiers
// call into. Grounded on Aigen6-preworker's internal/handlers package — one
// handler struct per concern holding its collaborator service, registered
// onto a gin.Engine by a single router-builder function, request bodies
// bound with ShouldBindJSON and every response a gin.H.
package ingress

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qosbft/internal/pipeline"
	"qosbft/internal/transport"
	"qosbft/internal/types"
)

// Handler owns the collaborators the HTTP surface dispatches into.
type Handler struct {
	nodeID    string
	pipeline  *pipeline.Pipeline
	transport *transport.Transport
}

// NewHandler constructs the ingress handler bound to one node's pipeline.
func NewHandler(nodeID string, p *pipeline.Pipeline, t *transport.Transport) *Handler {
	return &Handler{nodeID: nodeID, pipeline: p, transport: t}
}

// Router builds the gin.Engine spec §6 describes: GET /health, GET
// /status, GET /metrics (prometheus), GET /proof/:taskId/status, POST
// /proof, POST /proofs/batch, POST /proof/:taskId/supplementary.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)
	r.GET("/status", h.nodeStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/proof/:taskId/status", h.taskStatus)
	r.POST("/proof", h.submitProof)
	r.POST("/proofs/batch", h.submitBatch)
	r.POST("/proof/:taskId/supplementary", h.submitSupplementary)

	return r
}

// health reports liveness only, per spec §6's bit-exact {status:"ok"}.
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// nodeStatus reports this node's identity, PBFT phase and connection
// table, per spec §6's GET /status.
func (h *Handler) nodeStatus(c *gin.Context) {
	committee := h.pipeline.Committee()
	total := 0
	if committee != nil {
		total = committee.Size() - 1
	}
	c.JSON(http.StatusOK, gin.H{
		"nodeId":    h.nodeID,
		"isLeader":  h.pipeline.IsLeader(),
		"pbftState": h.pipeline.EngineState().String(),
		"connections": gin.H{
			"total":     total,
			"connected": h.transport.PeerCount(),
			"peers":     h.transport.PeerIDs(),
		},
	})
}

func (h *Handler) submitProof(c *gin.Context) {
	var proof types.QoSProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if proof.TaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}

	if err := h.pipeline.IngestProof(proof.TaskID, proof); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "proof accepted", "taskId": proof.TaskID})
}

func (h *Handler) submitBatch(c *gin.Context) {
	var proofs []types.QoSProof
	if err := c.ShouldBindJSON(&proofs); err != nil || len(proofs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a non-empty array of proofs"})
		return
	}

	results := make([]gin.H, 0, len(proofs))
	for _, proof := range proofs {
		if proof.TaskID == "" {
			results = append(results, gin.H{"taskId": "", "status": "rejected", "error": "taskId is required"})
			continue
		}
		if err := h.pipeline.IngestProof(proof.TaskID, proof); err != nil {
			results = append(results, gin.H{"taskId": proof.TaskID, "status": "failed", "error": err.Error()})
			continue
		}
		results = append(results, gin.H{"taskId": proof.TaskID, "status": "accepted"})
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "batch accepted", "results": results})
}

func (h *Handler) submitSupplementary(c *gin.Context) {
	taskID := c.Param("taskId")
	var proof types.QoSProof
	if err := c.ShouldBindJSON(&proof); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	proof.TaskID = taskID

	if err := h.pipeline.IngestSupplementary(taskID, proof); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "supplementary proof accepted", "taskId": taskID})
}

func (h *Handler) taskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	status, ok := h.pipeline.Status(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task", "taskId": taskID})
		return
	}
	c.JSON(http.StatusOK, statusResponse(status))
}

// statusResponse maps a TaskStatus onto the wire shape spec §6 returns,
// surfacing the human-readable tag under state and the validator's
// findings under conflictInfo.
func statusResponse(s *types.TaskStatus) gin.H {
	resp := gin.H{
		"taskId":      s.TaskID,
		"state":       s.State.HumanTag(),
		"proofCount":  s.ProofCount,
		"verifierIds": s.VerifierIDs,
		"createdAt":   s.CreatedAt,
		"updatedAt":   s.UpdatedAt,
	}
	if s.ValidationInfo != nil {
		resp["conflictInfo"] = s.ValidationInfo
	}
	if s.Result != nil {
		resp["result"] = s.Result
	}
	return resp
}
