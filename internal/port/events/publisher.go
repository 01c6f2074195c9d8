// Package events defines the event-publish port consumed by UI and
// notification collaborators, plus the subject constants the core emits on.
package events

import "context"

// Publisher is the port interface for publishing domain events.
type Publisher interface {
	// Publish sends a JSON-encoded payload to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subject constants for events emitted by the mediation core.
const (
	SubjectApprovalRequested = "approvals.requested"
	SubjectApprovalResolved  = "approvals.resolved"
	SubjectToolCallStarted   = "runs.toolcall.started"
	SubjectRunCompleted      = "runs.completed"

	// SubjectRunDispatch carries dispatch payloads to the sandbox host.
	SubjectRunDispatch = "runs.dispatch"
)

// Noop is a Publisher that discards everything. Used when no queue is
// configured and by tests that don't assert on events.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, string, []byte) error { return nil }
