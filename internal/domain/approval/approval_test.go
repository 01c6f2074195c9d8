package approval_test

import (
	"strings"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/call"
	"github.com/toolgate/toolgate/internal/domain/tool"
)

func TestNew_PreviewRedactsSecrets(t *testing.T) {
	req := call.Request{
		RunID:    "run-1",
		CallID:   "call-1",
		ToolPath: "mail.send",
		Input:    map[string]any{"to": "a@b.c", "api_key": "sk-secret"},
	}
	d := tool.Descriptor{Path: "mail.send", Source: tool.SourceOpenAPI, Effect: tool.EffectWrite, Approval: tool.ApprovalRequired}

	a := approval.New("ap-1", req, d, time.Now())

	if a.Status != approval.StatusPending {
		t.Errorf("new approval should be pending, got %s", a.Status)
	}
	if a.Input["api_key"] != "[redacted]" {
		t.Errorf("stored input must be redacted, got %v", a.Input["api_key"])
	}
	if strings.Contains(a.Preview.Details, "sk-secret") {
		t.Error("secret value leaked into preview details")
	}
	if !strings.Contains(a.Preview.Title, "mail.send") {
		t.Errorf("title should name the tool, got %q", a.Preview.Title)
	}
}

func TestStatusResolved(t *testing.T) {
	if approval.StatusPending.Resolved() {
		t.Error("pending is not resolved")
	}
	if !approval.StatusApproved.Resolved() || !approval.StatusDenied.Resolved() {
		t.Error("approved and denied are resolved")
	}
}

func TestDecisionFromString(t *testing.T) {
	for _, s := range []string{"approve", "approved", "allow"} {
		got, err := approval.DecisionFromString(s)
		if err != nil || got != approval.StatusApproved {
			t.Errorf("DecisionFromString(%q) = %v, %v", s, got, err)
		}
	}
	for _, s := range []string{"deny", "denied", "reject"} {
		got, err := approval.DecisionFromString(s)
		if err != nil || got != approval.StatusDenied {
			t.Errorf("DecisionFromString(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := approval.DecisionFromString("maybe"); err == nil {
		t.Error("expected error for unknown decision")
	}
}
