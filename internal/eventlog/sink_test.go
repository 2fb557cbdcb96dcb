package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SetAndHas(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Has("task-A:PROOF_RECEIVED"))

	r.Set("task-A:PROOF_RECEIVED", &eventItem{TaskID: "task-A", Name: "PROOF_RECEIVED"})
	assert.True(t, r.Has("task-A:PROOF_RECEIVED"))
	assert.Len(t, r.Labels(), 1)
}

func TestPromSink_RecordEvent_TracksLastEvent(t *testing.T) {
	s := NewPromSink()
	s.RecordEvent("task-A", EventProofReceived, map[string]interface{}{"verifierId": "v1"})

	last := s.LastEvent("task-A", EventProofReceived)
	if assert.NotNil(t, last) {
		assert.Equal(t, "task-A", last.TaskID)
		assert.Contains(t, last.JSONString(), "PROOF_RECEIVED")
	}

	assert.Nil(t, s.LastEvent("task-A", EventConsensusReachNormal))
}
