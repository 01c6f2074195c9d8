package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain/call"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/port/coderunner"
	"github.com/toolgate/toolgate/internal/port/events"
	"github.com/toolgate/toolgate/internal/service"
)

func startRemote(t *testing.T, s *stack, j service.RunJob) *service.DispatchEnvelope {
	t.Helper()
	env, err := s.dispatch.StartRemote(context.Background(), j)
	if err != nil {
		t.Fatalf("start remote: %v", err)
	}
	return env
}

func TestStartRemote_PublishesEnvelopeWithManifest(t *testing.T) {
	s := newStack(t)

	env := startRemote(t, s, job(s, "run-1", "const x = 1;", nil))

	if env.CallbackToken == "" {
		t.Fatal("envelope must carry a callback token")
	}
	if env.TimeoutMs != 1000 {
		t.Errorf("timeoutMs = %d, want 1000", env.TimeoutMs)
	}
	if env.CallbackBaseURL != "http://127.0.0.1:8080/api/v1" {
		t.Errorf("unexpected callback base URL %q", env.CallbackBaseURL)
	}

	data, ok := s.pub.last(events.SubjectRunDispatch)
	if !ok {
		t.Fatal("no dispatch event published")
	}
	var published service.DispatchEnvelope
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if published.CallbackToken != env.CallbackToken {
		t.Error("published token must match the returned envelope")
	}

	modes := map[string]string{}
	for _, e := range published.ToolManifest {
		modes[e.ToolPath] = e.ApprovalMode
	}
	if modes["calendar.read"] != "auto" || modes["mail.send"] != "required" {
		t.Errorf("unexpected manifest modes %v", modes)
	}
}

func TestStartRemote_ValidationFailurePublishesNothing(t *testing.T) {
	s := newStack(t)

	_, err := s.dispatch.StartRemote(context.Background(), job(s, "run-1", "tools.calendar.wipe()", nil))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if _, ok := s.pub.last(events.SubjectRunDispatch); ok {
		t.Error("rejected run must not be dispatched")
	}
}

func TestStartRemote_PolicyUpgradesManifestMode(t *testing.T) {
	s := newStack(t)
	rules := []policy.Rule{
		{Selector: policy.Selector{Workspace: "w1", PathPattern: "crm.*"}, Decision: policy.DecisionRequireApproval},
	}

	env := startRemote(t, s, job(s, "run-1", "const x = 1;", rules))

	for _, e := range env.ToolManifest {
		if e.ToolPath == "crm.update" && e.ApprovalMode != "required" {
			t.Errorf("policy should upgrade crm.update to required, got %s", e.ApprovalMode)
		}
	}
}

func TestHandleCallback_RejectsBadCredentials(t *testing.T) {
	s := newStack(t)
	env := startRemote(t, s, job(s, "run-1", "const x = 1;", nil))

	req := call.Request{CallID: "c1", ToolPath: "calendar.read"}

	_, err := s.dispatch.HandleCallback(context.Background(), "run-unknown", env.CallbackToken, req)
	if !errors.Is(err, service.ErrUnauthorizedCallback) {
		t.Errorf("unknown run: expected unauthorized, got %v", err)
	}

	_, err = s.dispatch.HandleCallback(context.Background(), "run-1", "wrong-token", req)
	if !errors.Is(err, service.ErrUnauthorizedCallback) {
		t.Errorf("bad token: expected unauthorized, got %v", err)
	}

	_, err = s.dispatch.HandleCallback(context.Background(), "run-1", "", req)
	if !errors.Is(err, service.ErrUnauthorizedCallback) {
		t.Errorf("empty token: expected unauthorized, got %v", err)
	}
}

func TestHandleCallback_NeverAuthorizesInProcessRuns(t *testing.T) {
	s := newStack(t)

	started := make(chan struct{})
	release := make(chan struct{})
	driver := coderunner.DriverFunc(func(ctx context.Context, _ string, tools coderunner.Invoker) (any, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tools.Call(ctx, "crm.update", map[string]any{"id": "1"})
	})

	resCh := make(chan call.RunResult, 1)
	go func() {
		resCh <- s.gateway.Run(context.Background(), job(s, "run-1", "const x = 1;", nil), driver)
	}()
	<-started

	// An in-process session holds no callback token. A callback presenting
	// an empty token against it must not match the session's empty token.
	req := call.Request{CallID: "c1", ToolPath: "calendar.read"}
	_, err := s.dispatch.HandleCallback(context.Background(), "run-1", "", req)
	if !errors.Is(err, service.ErrUnauthorizedCallback) {
		t.Errorf("empty token on in-process run: expected unauthorized, got %v", err)
	}
	if s.rec.count("calendar.read") != 0 {
		t.Error("unauthorized callback must never invoke a tool")
	}

	close(release)
	res := <-resCh
	if !res.OK {
		t.Fatalf("run should finish clean, got status=%s err=%q", res.Status, res.Error)
	}
}

func TestHandleCallback_ConcurrentSameCallIDInvokesOnce(t *testing.T) {
	s := newStack(t)
	env := startRemote(t, s, job(s, "run-1", "const x = 1;", nil))
	req := call.Request{CallID: "c1", ToolPath: "slow.echo", Input: map[string]any{"n": 7, "ms": 40}}

	var wg sync.WaitGroup
	responses := make([]service.CallbackResponse, 4)
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req)
		}(i)
	}
	wg.Wait()

	for i := range 4 {
		if errs[i] != nil || !responses[i].OK {
			t.Fatalf("callback %d: resp=%+v err=%v", i, responses[i], errs[i])
		}
	}
	if s.rec.count("slow.echo") != 1 {
		t.Errorf("racing callbacks with one call ID must invoke once, got %d", s.rec.count("slow.echo"))
	}
	stored, _ := s.gateway.Receipts(context.Background(), "run-1")
	if len(stored) != 1 {
		t.Errorf("expected a single receipt, got %d", len(stored))
	}
}

func TestHandleCallback_AutoCallIdempotentPerCallID(t *testing.T) {
	s := newStack(t)
	env := startRemote(t, s, job(s, "run-1", "const x = 1;", nil))
	req := call.Request{CallID: "c1", ToolPath: "calendar.read"}

	first, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req)
	if err != nil || !first.OK {
		t.Fatalf("first callback: resp=%+v err=%v", first, err)
	}

	replay, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req)
	if err != nil || !replay.OK {
		t.Fatalf("replay callback: resp=%+v err=%v", replay, err)
	}

	if s.rec.count("calendar.read") != 1 {
		t.Errorf("replayed call ID must not re-invoke the tool, got %d invocations", s.rec.count("calendar.read"))
	}
	stored, _ := s.gateway.Receipts(context.Background(), "run-1")
	if len(stored) != 1 {
		t.Errorf("replay must not duplicate the receipt, got %d", len(stored))
	}
}

func TestHandleCallback_PendingThenApprovedThenComplete(t *testing.T) {
	s := newStack(t)
	env := startRemote(t, s, job(s, "run-1", "const x = 1;", nil))
	req := call.Request{CallID: "c1", ToolPath: "mail.send", Input: map[string]any{"to": "a@b.c"}}

	first, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req)
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if !first.Pending || first.ApprovalID == "" {
		t.Fatalf("expected pending response, got %+v", first)
	}
	if first.RetryAfterMs != 10 {
		t.Errorf("retryAfterMs = %d, want 10", first.RetryAfterMs)
	}

	// Polling again before a decision stays pending on the same approval.
	second, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req)
	if err != nil || !second.Pending {
		t.Fatalf("poll: resp=%+v err=%v", second, err)
	}
	if second.ApprovalID != first.ApprovalID {
		t.Error("retried call must see the same approval")
	}
	if s.pub.count(events.SubjectApprovalRequested) != 1 {
		t.Errorf("expected a single approval request, got %d", s.pub.count(events.SubjectApprovalRequested))
	}

	if _, err := s.approvals.Resolve(context.Background(), first.ApprovalID, "approve"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	final, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req)
	if err != nil || !final.OK {
		t.Fatalf("post-approval callback: resp=%+v err=%v", final, err)
	}
	if s.rec.count("mail.send") != 1 {
		t.Errorf("mail.send should run exactly once, got %d", s.rec.count("mail.send"))
	}

	res, err := s.dispatch.Complete(context.Background(), "run-1", env.CallbackToken, "all done", "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.OK || res.Status != call.RunCompleted || res.Value != "all done" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Receipts) != 1 || res.Receipts[0].Decision != call.ReceiptApproved {
		t.Errorf("expected one approved receipt, got %+v", res.Receipts)
	}

	// The session is gone; late callbacks are unauthorized.
	if _, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken, req); !errors.Is(err, service.ErrUnauthorizedCallback) {
		t.Errorf("expected unauthorized after completion, got %v", err)
	}
}

func TestHandleCallback_PolicyDenyReturnsDeniedShape(t *testing.T) {
	s := newStack(t)
	rules := []policy.Rule{
		{Selector: policy.Selector{Workspace: "w1", PathPattern: "calendar.delete"}, Decision: policy.DecisionDeny},
	}
	env := startRemote(t, s, job(s, "run-1", "const x = 1;", rules))

	resp, err := s.dispatch.HandleCallback(context.Background(), "run-1", env.CallbackToken,
		call.Request{CallID: "c1", ToolPath: "calendar.delete", Input: map[string]any{"id": "7"}})
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if !resp.Denied || resp.OK {
		t.Fatalf("expected denied response, got %+v", resp)
	}
	if s.rec.count("calendar.delete") != 0 {
		t.Error("denied tool capability must never be invoked")
	}
}

func TestWatchdog_TimesOutSilentRun(t *testing.T) {
	s := newStack(t)
	j := job(s, "run-1", "const x = 1;", nil)
	j.Timeout = 40 * time.Millisecond
	env := startRemote(t, s, j)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.dispatch.Result("run-1"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watchdog never finalized the run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	res, _ := s.dispatch.Result("run-1")
	if res.Status != call.RunTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "timed out after 40ms") {
		t.Errorf("error should state the timeout, got %q", res.Error)
	}

	// A completion arriving after the watchdog finds the session gone.
	if _, err := s.dispatch.Complete(context.Background(), "run-1", env.CallbackToken, "late", ""); !errors.Is(err, service.ErrUnauthorizedCallback) {
		t.Errorf("expected unauthorized after timeout, got %v", err)
	}
}

func TestComplete_FailedRunCarriesErrorAndDirtyFlag(t *testing.T) {
	s := newStack(t)
	env := startRemote(t, s, job(s, "run-1", "const x = 1;", nil))

	res, err := s.dispatch.Complete(context.Background(), "run-1", env.CallbackToken, nil, "TypeError: boom")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.OK || res.Status != call.RunFailed || res.Error != "TypeError: boom" {
		t.Errorf("unexpected result %+v", res)
	}

	stored, ok := s.dispatch.Result("run-1")
	if !ok || stored.Status != call.RunFailed {
		t.Errorf("terminal result should be retained, got ok=%v %+v", ok, stored)
	}
}
