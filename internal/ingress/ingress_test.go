package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qosbft/internal/pbft"
	"qosbft/internal/pipeline"
	"qosbft/internal/transport"
	"qosbft/internal/types"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	committee, err := types.NewCommittee([]string{"n0"}, "n0")
	require.NoError(t, err)

	var p *pipeline.Pipeline
	engine := pbft.NewEngine("n0", true, 1, nil, nil, nil, func(proof types.QoSProof, ct types.ConsensusType, taskID string) {
		p.OnConsensusReached(proof, ct, taskID)
	})
	tp := transport.NewTransport("n0", nil)
	broadcast := tp
	p = pipeline.New("n0", true, committee, engine, broadcast, nil, nil, nil)

	return NewHandler("n0", p, tp)
}

func validProof(taskID, verifierID string) map[string]interface{} {
	return map[string]interface{}{
		"taskId":     taskID,
		"verifierId": verifierID,
		"timestamp":  time.Now().UnixMilli(),
		"signature":  "sig",
		"mediaSpecs": map[string]interface{}{
			"codec": "H.264", "width": 1920, "height": 1080, "bitrate": 5000, "hasAudio": false,
		},
		"videoQualityData": map[string]interface{}{
			"overallScore": 85.5,
			"gopScores":    map[string]string{"0": "86.2"},
		},
	}
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIngress_Health(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]interface{}{"status": "ok"}, body)
}

func TestIngress_NodeStatus(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "n0", body["nodeId"])
	assert.Equal(t, true, body["isLeader"])
	assert.Equal(t, "Idle", body["pbftState"])
	conns := body["connections"].(map[string]interface{})
	assert.Equal(t, float64(0), conns["total"])
	assert.Equal(t, float64(0), conns["connected"])
	assert.Empty(t, conns["peers"])
}

func TestIngress_SubmitProof_ThenStatus(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/proof", validProof("task-1", "v0"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "task-1", accepted["taskId"])
	assert.NotEmpty(t, accepted["message"])

	req := httptest.NewRequest(http.MethodGet, "/proof/task-1/status", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validating", body["state"])
	assert.Equal(t, float64(1), body["proofCount"])
}

func TestIngress_SubmitProof_BadBody(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	req := httptest.NewRequest(http.MethodPost, "/proof", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngress_SubmitProof_MissingTaskID(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	proof := validProof("task-x", "v0")
	delete(proof, "taskId")
	rec := doJSON(t, router, http.MethodPost, "/proof", proof)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngress_Status_UnknownTask(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	req := httptest.NewRequest(http.MethodGet, "/proof/does-not-exist/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngress_SubmitBatch(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	batch := []map[string]interface{}{
		validProof("task-2", "v0"),
		validProof("task-2", "v1"),
	}
	rec := doJSON(t, router, http.MethodPost, "/proofs/batch", batch)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	for _, r := range results {
		item := r.(map[string]interface{})
		assert.Equal(t, "accepted", item["status"])
	}
}

func TestIngress_SubmitBatch_EmptyArrayRejected(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/proofs/batch", []map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngress_SubmitBatch_NotAnArrayRejected(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	rec := doJSON(t, router, http.MethodPost, "/proofs/batch", validProof("task-3", "v0"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngress_SubmitSupplementary(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	// drive the single-node committee to AwaitingSupplementary first via a
	// conflicting pair of proofs.
	one := validProof("task-4", "v0")
	two := validProof("task-4", "v1")
	two["mediaSpecs"].(map[string]interface{})["codec"] = "H.265"

	require.Equal(t, http.StatusAccepted, doJSON(t, router, http.MethodPost, "/proof", one).Code)
	require.Equal(t, http.StatusAccepted, doJSON(t, router, http.MethodPost, "/proof", two).Code)

	req := httptest.NewRequest(http.MethodGet, "/proof/task-4/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "awaiting_supplementary_verification", body["state"])

	supplementary := validProof("task-4", "v2")
	rec = doJSON(t, router, http.MethodPost, "/proof/task-4/supplementary", supplementary)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "task-4", accepted["taskId"])
}
