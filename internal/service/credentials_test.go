package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/service"
)

func crmRef() *tool.CredentialRef {
	return &tool.CredentialRef{Source: "crm", Scope: tool.ScopeWorkspace}
}

func TestResolve_TransientErrorRetriedToSuccess(t *testing.T) {
	v := &fakeVault{secrets: map[string]string{"crm": "crm-secret"}, transientLeft: 1}
	breaker := resilience.NewBreaker(10, time.Second)
	r := service.NewCredentialResolver(v, breaker, testConfig().Runtime, discardLogger())

	cred, err := r.Resolve(context.Background(), crmRef(), service.ScopeContext{Workspace: "w1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.Headers["Authorization"] != "Bearer crm-secret" {
		t.Errorf("unexpected header %q", cred.Headers["Authorization"])
	}
	if v.callCount() != 2 {
		t.Errorf("expected 2 vault fetches, got %d", v.callCount())
	}
}

func TestResolve_RetryBudgetExhausted(t *testing.T) {
	v := &fakeVault{secrets: map[string]string{"crm": "crm-secret"}, transientLeft: 10}
	breaker := resilience.NewBreaker(10, time.Second)
	r := service.NewCredentialResolver(v, breaker, testConfig().Runtime, discardLogger())

	_, err := r.Resolve(context.Background(), crmRef(), service.ScopeContext{Workspace: "w1"})
	if !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	// Initial attempt plus the configured retries.
	if v.callCount() != 3 {
		t.Errorf("expected 3 vault fetches, got %d", v.callCount())
	}
}

func TestResolve_MissingSecretFailsFast(t *testing.T) {
	v := &fakeVault{secrets: map[string]string{}}
	breaker := resilience.NewBreaker(10, time.Second)
	r := service.NewCredentialResolver(v, breaker, testConfig().Runtime, discardLogger())

	_, err := r.Resolve(context.Background(), crmRef(), service.ScopeContext{Workspace: "w1"})
	if !errors.Is(err, domain.ErrCredentialMissing) {
		t.Fatalf("expected missing, got %v", err)
	}
	if v.callCount() != 1 {
		t.Errorf("a permanent error must not be retried, got %d fetches", v.callCount())
	}
}

func TestResolve_OpenBreakerFailsWithoutFetching(t *testing.T) {
	v := &fakeVault{secrets: map[string]string{"crm": "crm-secret"}}
	breaker := resilience.NewBreaker(1, time.Minute)
	if err := breaker.Execute(func() error { return errors.New("vault down") }); err == nil {
		t.Fatal("setup: expected failure to trip the breaker")
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("setup: breaker should be open, got %s", breaker.State())
	}

	r := service.NewCredentialResolver(v, breaker, testConfig().Runtime, discardLogger())

	_, err := r.Resolve(context.Background(), crmRef(), service.ScopeContext{Workspace: "w1"})
	if !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if v.callCount() != 0 {
		t.Errorf("open breaker must not reach the vault, got %d fetches", v.callCount())
	}
}

func TestResolve_OrganizationScopeSelectsOrgID(t *testing.T) {
	v := &scopeCapturingVault{secret: "org-secret"}
	breaker := resilience.NewBreaker(10, time.Second)
	r := service.NewCredentialResolver(v, breaker, testConfig().Runtime, discardLogger())

	ref := &tool.CredentialRef{Source: "slack", Scope: tool.ScopeOrganization}
	_, err := r.Resolve(context.Background(), ref, service.ScopeContext{Workspace: "w1", Organization: "org-9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v.scopeID != "org-9" {
		t.Errorf("org-scoped ref should resolve against the organization, got %q", v.scopeID)
	}
}

type scopeCapturingVault struct {
	secret  string
	scopeID string
}

func (v *scopeCapturingVault) FetchSecret(_ context.Context, _ string, _ tool.CredentialScope, scopeID string) (string, error) {
	v.scopeID = scopeID
	return v.secret, nil
}
