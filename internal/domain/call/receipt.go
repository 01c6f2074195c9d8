package call

import (
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain/tool"
)

// ReceiptDecision records how a call was cleared (or not) for execution.
type ReceiptDecision string

const (
	ReceiptAuto     ReceiptDecision = "auto"
	ReceiptApproved ReceiptDecision = "approved"
	ReceiptDenied   ReceiptDecision = "denied"
)

// ReceiptStatus records the final outcome of a call.
type ReceiptStatus string

const (
	ReceiptSucceeded    ReceiptStatus = "succeeded"
	ReceiptFailed       ReceiptStatus = "failed"
	ReceiptStatusDenied ReceiptStatus = "denied"
)

// Receipt is the immutable audit record of one attempted tool call.
// Appended exactly once; never mutated afterward.
type Receipt struct {
	CallID       string          `json:"call_id"`
	ToolPath     string          `json:"tool_path"`
	Effect       tool.SideEffect `json:"effect"`
	Decision     ReceiptDecision `json:"decision"`
	Status       ReceiptStatus   `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
	InputPreview map[string]any  `json:"input_preview,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// RunStatus is the aggregate state of one generated-code execution.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
)

// RunResult aggregates a run: the value (or error) the code produced and
// the ordered receipt trail. OK is false if the code failed to complete or
// any receipt in the trail is denied/failed — code-level recovery does not
// flip a bad receipt back to OK, it only affects Value.
type RunResult struct {
	RunID    string    `json:"run_id"`
	OK       bool      `json:"ok"`
	Status   RunStatus `json:"status"`
	Value    any       `json:"value,omitempty"`
	Error    string    `json:"error,omitempty"`
	Receipts []Receipt `json:"receipts"`
}

// Journal accumulates receipts in call-initiation order. A slot is
// reserved when the gateway first sees a call and committed when the call
// reaches a terminal state, so the trail reads in the order the code
// issued calls even when concurrent calls complete out of order.
type Journal struct {
	mu      sync.Mutex
	slots   []*Receipt
	pending []pendingSlot // parallel to slots; identity for unfilled ones
}

// pendingSlot is what the journal knows about a call before its receipt
// is committed, enough to synthesize a failed receipt on a run timeout.
type pendingSlot struct {
	callID   string
	toolPath string
	effect   tool.SideEffect
	decision ReceiptDecision
}

// NewJournal creates an empty journal.
func NewJournal() *Journal { return &Journal{} }

// Begin reserves the next slot for a call and returns its index.
func (j *Journal) Begin(callID, toolPath string, effect tool.SideEffect) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.slots = append(j.slots, nil)
	j.pending = append(j.pending, pendingSlot{callID: callID, toolPath: toolPath, effect: effect})
	return len(j.slots) - 1
}

// Mark records the clearance decision for a reserved slot, so a receipt
// synthesized by FailPending carries how the call was cleared.
func (j *Journal) Mark(slot int, d ReceiptDecision) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if slot < 0 || slot >= len(j.pending) || j.slots[slot] != nil {
		return
	}
	j.pending[slot].decision = d
}

// Commit fills a reserved slot. Committing the same slot twice is a no-op:
// receipts are append-once.
func (j *Journal) Commit(slot int, r Receipt) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if slot < 0 || slot >= len(j.slots) || j.slots[slot] != nil {
		return
	}
	rc := r
	j.slots[slot] = &rc
}

// FailPending commits a failed receipt into every unfilled slot. Used when
// a run-level timeout aborts in-flight calls: completed receipts are
// preserved, outstanding calls are marked failed with the given reason.
func (j *Journal) FailPending(reason string, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, s := range j.slots {
		if s == nil {
			p := j.pending[i]
			j.slots[i] = &Receipt{
				CallID:    p.callID,
				ToolPath:  p.toolPath,
				Effect:    p.effect,
				Decision:  p.decision,
				Status:    ReceiptFailed,
				Timestamp: now,
				Error:     reason,
			}
		}
	}
}

// Snapshot returns committed receipts in initiation order. Slots still
// awaiting completion are skipped.
func (j *Journal) Snapshot() []Receipt {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Receipt, 0, len(j.slots))
	for _, s := range j.slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// Clean reports whether the trail contains no denied or failed entries.
func Clean(receipts []Receipt) bool {
	for i := range receipts {
		if receipts[i].Status != ReceiptSucceeded {
			return false
		}
	}
	return true
}
