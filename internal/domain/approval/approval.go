// Package approval defines the durable human-in-the-loop approval record
// that gates a single tool call. Exactly one approval exists per call that
// required one; resolution is external and idempotent.
package approval

import (
	"fmt"
	"time"

	"github.com/toolgate/toolgate/internal/domain/call"
	"github.com/toolgate/toolgate/internal/domain/tool"
)

// Status is the resolution state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Resolved reports whether the approval has a terminal decision.
func (s Status) Resolved() bool { return s == StatusApproved || s == StatusDenied }

// Preview is the human-readable summary shown to approvers. It is built
// from redacted input only; secret values never reach it.
type Preview struct {
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
	Action  string `json:"action"`
}

// Approval is a durable record representing a pending-or-resolved human
// decision gating one tool call.
type Approval struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	CallID     string         `json:"call_id"`
	ToolPath   string         `json:"tool_path"`
	Input      map[string]any `json:"input,omitempty"`
	Preview    Preview        `json:"preview"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// New builds a pending approval for a call against the given descriptor.
// The stored input is the redacted preview form, not the raw payload.
func New(id string, req call.Request, d tool.Descriptor, now time.Time) *Approval {
	return &Approval{
		ID:        id,
		RunID:     req.RunID,
		CallID:    req.CallID,
		ToolPath:  req.ToolPath,
		Input:     call.PreviewInput(req.Input),
		Preview:   buildPreview(req, d),
		Status:    StatusPending,
		CreatedAt: now,
	}
}

func buildPreview(req call.Request, d tool.Descriptor) Preview {
	action := "execute"
	if d.Effect == tool.EffectWrite {
		action = "write"
	}
	details := ""
	if preview := call.PreviewInput(req.Input); len(preview) > 0 {
		details = fmt.Sprintf("%d argument(s): %v", len(preview), preview)
	}
	return Preview{
		Title:   fmt.Sprintf("Approve %s call to %s", action, req.ToolPath),
		Details: details,
		Action:  string(d.Effect),
	}
}

// DecisionFromString parses an external resolver's decision string.
func DecisionFromString(s string) (Status, error) {
	switch s {
	case "approve", "approved", "allow":
		return StatusApproved, nil
	case "deny", "denied", "reject":
		return StatusDenied, nil
	default:
		return "", fmt.Errorf("invalid approval decision %q", s)
	}
}
