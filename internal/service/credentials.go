package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/port/vault"
	"github.com/toolgate/toolgate/internal/resilience"
)

// ScopeContext identifies the workspace and organization a run executes
// under; it selects which scoped secret a credential reference resolves to.
type ScopeContext struct {
	Workspace    string
	Organization string
}

// CredentialResolver resolves a tool's credential reference into an
// injectable credential. Secret values pass straight from the vault into
// the credential headers; they never appear in logs, errors, or receipts.
type CredentialResolver struct {
	vault      vault.Vault
	breaker    *resilience.Breaker
	maxRetries uint64
	baseDelay  time.Duration
	log        *slog.Logger
}

// NewCredentialResolver wires the vault behind the circuit breaker with
// the configured retry budget.
func NewCredentialResolver(v vault.Vault, breaker *resilience.Breaker, rt config.Runtime, log *slog.Logger) *CredentialResolver {
	return &CredentialResolver{
		vault:      v,
		breaker:    breaker,
		maxRetries: rt.CredentialMaxRetries,
		baseDelay:  rt.CredentialBaseDelay,
		log:        log,
	}
}

// Resolve fetches the secret for ref within the given scope. Transient
// vault errors are retried with exponential backoff up to the configured
// budget; a missing secret fails immediately as ErrCredentialMissing.
func (r *CredentialResolver) Resolve(ctx context.Context, ref *tool.CredentialRef, scope ScopeContext) (*tool.Credential, error) {
	scopeID := scope.Workspace
	if ref.Scope == tool.ScopeOrganization {
		scopeID = scope.Organization
	}

	var secret string
	backoff := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.baseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetchErr := r.breaker.Execute(func() error {
			s, err := r.vault.FetchSecret(ctx, ref.Source, ref.Scope, scopeID)
			if err != nil {
				return err
			}
			secret = s
			return nil
		})
		if fetchErr == nil {
			return nil
		}
		if vault.Retryable(fetchErr) {
			r.log.Warn("vault transient error, retrying",
				"source", ref.Source, "scope", string(ref.Scope))
			return retry.RetryableError(fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrSecretNotFound):
			return nil, fmt.Errorf("credential %q (scope %s): %w", ref.Source, ref.Scope, domain.ErrCredentialMissing)
		case vault.Retryable(err), errors.Is(err, resilience.ErrCircuitOpen):
			return nil, fmt.Errorf("credential %q (scope %s): %w", ref.Source, ref.Scope, domain.ErrCredentialUnavailable)
		default:
			return nil, fmt.Errorf("credential %q (scope %s): %w", ref.Source, ref.Scope, err)
		}
	}

	return &tool.Credential{
		Source:  ref.Source,
		Headers: map[string]string{"Authorization": "Bearer " + secret},
	}, nil
}
