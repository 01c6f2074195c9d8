// Package call defines the per-call domain model: requests, persisted call
// records with monotonic status transitions, and the immutable receipt
// trail a run accumulates.
package call

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a mediated tool call.
type Status string

const (
	StatusRequested       Status = "requested"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusDenied          Status = "denied"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
)

// Terminal reports whether a status can never be left again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDenied:
		return true
	}
	return false
}

// transitions is the monotonic state machine. Terminal states have no
// outgoing edges; re-entering one is a bug in the caller.
var transitions = map[Status][]Status{
	StatusRequested:       {StatusPendingApproval, StatusApproved, StatusDenied, StatusRunning, StatusFailed},
	StatusPendingApproval: {StatusApproved, StatusDenied},
	StatusApproved:        {StatusRunning, StatusFailed},
	StatusRunning:         {StatusSucceeded, StatusFailed},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Request is one tool-call attempt from generated code. CallID is the
// idempotency key for everything downstream: a repeated request with the
// same (RunID, CallID) must reuse the existing record and never
// re-evaluate policy from scratch.
type Request struct {
	RunID    string         `json:"run_id"`
	CallID   string         `json:"call_id"`
	ToolPath string         `json:"tool_path"`
	Input    map[string]any `json:"input,omitempty"`
}

// Record is the persisted state of one tool call.
type Record struct {
	RunID      string    `json:"run_id"`
	CallID     string    `json:"call_id"`
	ToolPath   string    `json:"tool_path"`
	Status     Status    `json:"status"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// redactedKeys are input field names whose values never appear in
// previews, regardless of content.
var redactedKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey"}

const maxPreviewValueLen = 256

// PreviewInput returns a copy of input safe for receipts and approval
// previews: secret-looking keys redacted, long strings truncated, nested
// structures summarized.
func PreviewInput(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if isRedactedKey(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = previewValue(v)
	}
	return out
}

func isRedactedKey(k string) bool {
	lk := strings.ToLower(k)
	for _, r := range redactedKeys {
		if strings.Contains(lk, r) {
			return true
		}
	}
	return false
}

func previewValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxPreviewValueLen {
			return val[:maxPreviewValueLen] + "…"
		}
		return val
	case map[string]any:
		return PreviewInput(val)
	case []any:
		if len(val) > 10 {
			return val[:10]
		}
		return val
	default:
		return v
	}
}
