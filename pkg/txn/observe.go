package txn

import "time"

// EventType names a transaction lifecycle event.
type EventType string

const (
	EventStarted              EventType = "transaction.started"
	EventFinished             EventType = "transaction.finished"
	EventStepCompleted        EventType = "step.completed"
	EventStepFailed           EventType = "step.failed"
	EventStepCompensated      EventType = "step.compensated"
	EventCompensationFailed   EventType = "step.compensation_failed"
	EventVote                 EventType = "participant.voted"
	EventDecision             EventType = "transaction.decided"
	EventParticipantFinalized EventType = "participant.finalized"
	EventAbortRequested       EventType = "transaction.abort_requested"
)

// Event is published to an EventSink as a transaction progresses.
type Event struct {
	Type        EventType `json:"type"`
	TxID        string    `json:"tx_id"`
	Kind        Kind      `json:"kind"`
	StepID      string    `json:"step_id,omitempty"`
	Participant string    `json:"participant,omitempty"`
	Status      string    `json:"status,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// MetricsRecorder receives coordinator metrics.
type MetricsRecorder interface {
	IncActive(kind Kind)
	DecActive(kind Kind)
	RecordTransaction(kind Kind, status Status, duration time.Duration)
	RecordStep(kind Kind, phase string, outcome string)
	RecordRecovery(kind Kind, outcome string)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) IncActive(Kind)                                {}
func (NopMetrics) DecActive(Kind)                                {}
func (NopMetrics) RecordTransaction(Kind, Status, time.Duration) {}
func (NopMetrics) RecordStep(Kind, string, string)               {}
func (NopMetrics) RecordRecovery(Kind, string)                   {}
