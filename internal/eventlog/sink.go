package eventlog

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is the recordEvent interface the pipeline and PBFT engine depend on.
// Never a package-level global (spec §9) — constructors take a Sink.
type Sink interface {
	RecordEvent(taskID, name string, fields map[string]interface{})
}

// Well-known event names used throughout §4.3.
const (
	EventProofReceived        = "PROOF_RECEIVED"
	EventConsensusReachNormal = "CONSENSUS_REACH_NORMAL"
	EventConsensusReachConflict = "CONSENSUS_REACH_CONFLICT"
)

// PromSink counts events by name with a prometheus counter, and keeps the
// most recent event of each name per task in a Registry for the /status-style surfaces.
type PromSink struct {
	registry *Registry
	counter  *prometheus.CounterVec
}

func NewPromSink() *PromSink {
	return &PromSink{
		registry: NewRegistry(),
		counter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "qosbft_events_total",
			Help: "Total number of pipeline/consensus events recorded, by event name.",
		}, []string{"event"}),
	}
}

func (s *PromSink) RecordEvent(taskID, name string, fields map[string]interface{}) {
	s.counter.WithLabelValues(name).Inc()
	s.registry.Set(taskID+":"+name, &eventItem{TaskID: taskID, Name: name, Fields: fields})
}

// LastEvent returns the most recently recorded event of name for taskID, or
// nil if none was recorded.
func (s *PromSink) LastEvent(taskID, name string) *eventItem {
	item := s.registry.Get(taskID + ":" + name)
	if item == nil {
		return nil
	}
	return item.(*eventItem)
}

type eventItem struct {
	TaskID string                 `json:"taskId"`
	Name   string                 `json:"event"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

func (e *eventItem) JSONString() string {
	s, _ := jsoniter.MarshalToString(e)
	return s
}
