// Package events defines the event envelope and the event type constants
// published on the tandem event bus.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants. Dotted names group related events by component.
const (
	// Session lifecycle
	SessionCreated  = "session.created"
	MessageAppended = "message.appended"

	// Run lifecycle
	RunStarted  = "session.run.started"
	RunFinished = "session.run.finished"
	RunConflict = "session.run.conflict"

	// Sidecar supervision
	SidecarStatus = "sidecar.status"

	// Tool permission flow
	ToolRequested = "tool.requested"
	ToolDecided   = "tool.decided"

	// Staging area
	StagingStaged   = "staging.staged"
	StagingRemoved  = "staging.removed"
	StagingExecuted = "staging.executed"
	StagingCleared  = "staging.cleared"

	// Execution journal
	JournalRecorded = "journal.recorded"
	JournalUndone   = "journal.undone"
)

// Envelope is the wire form of every event on the bus. SessionID and
// RunID are empty for events not scoped to a session or run.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with a fresh UUID and current timestamp.
// The payload is marshaled to JSON; a payload that cannot be marshaled
// produces an envelope with empty data.
func NewEnvelope(eventType, sessionID, runID string, payload any) *Envelope {
	var data json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			data = b
		}
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
