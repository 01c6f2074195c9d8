// Package secrets provides a thread-safe credential vault with hot reload
// support, implementing the vault port over a pluggable loader.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/port/vault"
)

// Loader retrieves secrets from a source (env vars, file, remote vault).
// Keys are scoped secret references, see Key.
type Loader func() (map[string]string, error)

// Key builds the lookup key for a scoped secret: "<scope>/<scopeID>/<source>".
// Secrets may also be provisioned scope-wide under "<scope>//<source>".
func Key(source string, scope tool.CredentialScope, scopeID string) string {
	return fmt.Sprintf("%s/%s/%s", scope, scopeID, source)
}

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// FetchSecret resolves a scoped secret. Exact scope match wins; a
// scope-wide entry is the fallback. A missing secret is permanent
// (vault.ErrSecretNotFound), never retried.
func (v *Vault) FetchSecret(_ context.Context, source string, scope tool.CredentialScope, scopeID string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if val, ok := v.values[Key(source, scope, scopeID)]; ok {
		return val, nil
	}
	if val, ok := v.values[Key(source, scope, "")]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%s (scope %s/%s): %w", source, scope, scopeID, vault.ErrSecretNotFound)
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}
