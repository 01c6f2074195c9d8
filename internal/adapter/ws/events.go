package ws

// Event type constants for WebSocket messages.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventReceipt           = "tool.call.receipt"
	EventRunStatus         = "run.status"
)

// ApprovalRequestedEvent is broadcast when a call suspends on approval.
type ApprovalRequestedEvent struct {
	ApprovalID string `json:"approval_id"`
	RunID      string `json:"run_id"`
	CallID     string `json:"call_id"`
	ToolPath   string `json:"tool_path"`
	Title      string `json:"title"`
	Details    string `json:"details,omitempty"`
	Action     string `json:"action"`
}

// ApprovalResolvedEvent is broadcast when an approval reaches a decision.
type ApprovalResolvedEvent struct {
	ApprovalID string `json:"approval_id"`
	RunID      string `json:"run_id"`
	CallID     string `json:"call_id"`
	Status     string `json:"status"`
}

// ReceiptEvent is broadcast when a receipt is appended to a run's trail.
type ReceiptEvent struct {
	RunID    string `json:"run_id"`
	CallID   string `json:"call_id"`
	ToolPath string `json:"tool_path"`
	Decision string `json:"decision"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// RunStatusEvent is broadcast when a run reaches a terminal status.
type RunStatusEvent struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
