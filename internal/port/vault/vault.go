// Package vault defines the credential vault port (interface).
package vault

import (
	"context"
	"errors"

	"github.com/toolgate/toolgate/internal/domain/tool"
)

// ErrSecretNotFound indicates the secret is not provisioned for the scope.
// Permanent: callers must not retry.
var ErrSecretNotFound = errors.New("secret not found")

// ErrSecretNotReady indicates the backing vault cannot serve the secret
// right now but expects to shortly (replication lag, sealed vault, rate
// limit). The credential resolver retries these with backoff.
var ErrSecretNotReady = errors.New("secret not ready")

// Retryable reports whether a vault error is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrSecretNotReady)
}

// Vault is the port interface for fetching secrets. scopeID is the
// workspace or organization identity the secret is scoped to.
type Vault interface {
	FetchSecret(ctx context.Context, source string, scope tool.CredentialScope, scopeID string) (string, error)
}
