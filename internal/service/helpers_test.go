package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/adapter/memstore"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/port/events"
	"github.com/toolgate/toolgate/internal/port/vault"
	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Runtime.ApprovalTimeout = 300 * time.Millisecond
	cfg.Runtime.RetryAfter = 10 * time.Millisecond
	cfg.Runtime.DispatchTimeout = 2 * time.Second
	cfg.Runtime.CredentialMaxRetries = 2
	cfg.Runtime.CredentialBaseDelay = time.Millisecond
	cfg.Runtime.CallTimeout = time.Second
	return cfg
}

// runRecorder tracks which tool capabilities were actually invoked.
type runRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (rr *runRecorder) record(path string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.calls = append(rr.calls, path)
}

func (rr *runRecorder) invoked() []string {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]string, len(rr.calls))
	copy(out, rr.calls)
	return out
}

func (rr *runRecorder) count(path string) int {
	n := 0
	for _, p := range rr.invoked() {
		if p == path {
			n++
		}
	}
	return n
}

func testCatalog(t *testing.T, rec *runRecorder) *tool.Catalog {
	t.Helper()
	cat, err := tool.NewCatalog([]tool.Descriptor{
		{
			Path: "calendar.read", Source: tool.SourceInternal, Effect: tool.EffectRead, Approval: tool.ApprovalAuto,
			Run: func(_ context.Context, _ tool.Invocation) (any, error) {
				rec.record("calendar.read")
				return map[string]any{"events": 2}, nil
			},
		},
		{
			Path: "calendar.delete", Source: tool.SourceInternal, Effect: tool.EffectWrite, Approval: tool.ApprovalRequired,
			Run: func(_ context.Context, _ tool.Invocation) (any, error) {
				rec.record("calendar.delete")
				return map[string]any{"deleted": true}, nil
			},
		},
		{
			Path: "mail.send", Source: tool.SourceOpenAPI, Effect: tool.EffectWrite, Approval: tool.ApprovalRequired,
			Args: &tool.Schema{
				Properties: map[string]tool.Property{
					"to": {Type: "string"},
					"n":  {Type: "number"},
				},
				Required: []string{"to"},
			},
			Run: func(_ context.Context, inv tool.Invocation) (any, error) {
				rec.record("mail.send")
				return map[string]any{"sent": true, "n": inv.Input["n"]}, nil
			},
		},
		{
			Path: "crm.update", Source: tool.SourceOpenAPI, Effect: tool.EffectWrite, Approval: tool.ApprovalAuto,
			Credential: &tool.CredentialRef{Source: "crm", Scope: tool.ScopeWorkspace},
			Run: func(_ context.Context, inv tool.Invocation) (any, error) {
				rec.record("crm.update")
				if inv.Credential == nil {
					return nil, errors.New("credential was not injected")
				}
				return map[string]any{"authorization": inv.Credential.Headers["Authorization"]}, nil
			},
		},
		{
			Path: "flaky.op", Source: tool.SourceInternal, Effect: tool.EffectRead, Approval: tool.ApprovalAuto,
			Run: func(_ context.Context, _ tool.Invocation) (any, error) {
				rec.record("flaky.op")
				return nil, errors.New("backend exploded")
			},
		},
		{
			Path: "slow.echo", Source: tool.SourceInternal, Effect: tool.EffectRead, Approval: tool.ApprovalAuto,
			Args: &tool.Schema{
				Properties: map[string]tool.Property{
					"n":  {Type: "number"},
					"ms": {Type: "number"},
				},
			},
			Run: func(ctx context.Context, inv tool.Invocation) (any, error) {
				rec.record("slow.echo")
				ms, _ := inv.Input["ms"].(int)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return inv.Input["n"], nil
			},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cat
}

type capturedEvent struct {
	subject string
	data    []byte
}

// recordingPublisher captures published events and surfaces approval
// requests on a channel so tests can play the human approver.
type recordingPublisher struct {
	mu               sync.Mutex
	events           []capturedEvent
	approvalRequests chan approval.Approval
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{approvalRequests: make(chan approval.Approval, 16)}
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	p.events = append(p.events, capturedEvent{subject: subject, data: data})
	p.mu.Unlock()

	if subject == events.SubjectApprovalRequested {
		var a approval.Approval
		if err := json.Unmarshal(data, &a); err == nil {
			p.approvalRequests <- a
		}
	}
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.subject == subject {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) last(subject string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].subject == subject {
			return p.events[i].data, true
		}
	}
	return nil, false
}

// fakeVault serves secrets from a map, optionally failing the first N
// fetches with a transient error.
type fakeVault struct {
	mu            sync.Mutex
	secrets       map[string]string
	transientLeft int
	calls         int
}

func (v *fakeVault) FetchSecret(_ context.Context, source string, _ tool.CredentialScope, _ string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.transientLeft > 0 {
		v.transientLeft--
		return "", vault.ErrSecretNotReady
	}
	s, ok := v.secrets[source]
	if !ok {
		return "", vault.ErrSecretNotFound
	}
	return s, nil
}

func (v *fakeVault) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// stack bundles a fully wired in-memory mediation core for tests.
type stack struct {
	cfg       config.Config
	store     *memstore.Store
	pub       *recordingPublisher
	vault     *fakeVault
	rec       *runRecorder
	catalog   *tool.Catalog
	approvals *service.ApprovalService
	gateway   *service.Gateway
	dispatch  *service.DispatchService
}

func newStack(t *testing.T) *stack {
	t.Helper()
	cfg := testConfig()
	log := discardLogger()
	st := memstore.New()
	pub := newRecordingPublisher()
	v := &fakeVault{secrets: map[string]string{"crm": "crm-secret"}}
	rec := &runRecorder{}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	creds := service.NewCredentialResolver(v, breaker, cfg.Runtime, log)
	approvals := service.NewApprovalService(st, pub, nil, nil, cfg.Runtime, log)
	gateway := service.NewGateway(st, pub, approvals, creds, nil, nil, nil, cfg, log)
	dispatch := service.NewDispatchService(gateway, pub, "http://127.0.0.1:8080/api/v1", log)

	return &stack{
		cfg:       cfg,
		store:     st,
		pub:       pub,
		vault:     v,
		rec:       rec,
		catalog:   testCatalog(t, rec),
		approvals: approvals,
		gateway:   gateway,
		dispatch:  dispatch,
	}
}

// resolveAll plays the approver: every approval request gets the given
// decision until the returned stop func is called.
func (s *stack) resolveAll(t *testing.T, decision string) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case a := <-s.pub.approvalRequests:
				if _, err := s.approvals.Resolve(context.Background(), a.ID, decision); err != nil {
					t.Errorf("resolve %s: %v", a.ID, err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
