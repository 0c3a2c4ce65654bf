// Package audit appends immutable records of every detection, abstraction,
// and verdict decision.
//
// The recorder is process-wide but stateless beyond its sink handle: it is
// created once at startup and shared by all concurrent validations. The
// append path must never block a verdict: a failing sink degrades to a
// warning, and that degradation is surfaced to callers rather than hidden.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mgrinell/veil/internal/safety"
)

// EventType classifies an audit event.
type EventType string

// Event types, one per pipeline stage decision.
const (
	EventDetection   EventType = "detection"
	EventAbstraction EventType = "abstraction"
	EventVerdict     EventType = "verdict"
)

// Safety impact levels for an event.
const (
	ImpactNone     = "none"
	ImpactLow      = "low"
	ImpactCritical = "critical"
)

// Event is one append-only audit record. No update or delete path exists,
// here or in the data tier.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"event_type"`
	Source       string    `json:"source"`
	ContentID    string    `json:"content_id,omitempty"`
	Action       string    `json:"action"`
	Details      string    `json:"details,omitempty"`
	SafetyImpact string    `json:"safety_impact"`
	At           string    `json:"at"`
}

// Sink receives events. Implementations must be safe for concurrent
// appenders; insert-level atomicity is all that is required.
type Sink interface {
	Append(e Event) error
}

// Recorder writes events to a sink.
type Recorder struct {
	sink   Sink
	source string
}

// New creates a Recorder writing to sink, labeling events with source.
func New(sink Sink, source string) *Recorder {
	return &Recorder{sink: sink, source: source}
}

// Record appends an event. It returns nil on success and an AuditDegraded
// warning when the sink is unavailable, never a blocking error. The
// caller attaches the warning to its result so audit loss is explicit.
func (r *Recorder) Record(typ EventType, contentID, action, details, impact string) *safety.Error {
	if r == nil || r.sink == nil {
		return degraded("no audit sink configured")
	}
	e := Event{
		ID:           uuid.NewString(),
		Type:         typ,
		Source:       r.source,
		ContentID:    contentID,
		Action:       action,
		Details:      details,
		SafetyImpact: impact,
		At:           time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.sink.Append(e); err != nil {
		return degraded(err.Error())
	}
	return nil
}

func degraded(reason string) *safety.Error {
	return &safety.Error{
		Code:     safety.CodeAuditDegraded,
		Message:  fmt.Sprintf("audit sink unavailable: %s", reason),
		Severity: safety.SeverityWarning,
	}
}
