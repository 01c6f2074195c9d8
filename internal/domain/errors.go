// Package domain provides shared domain-level sentinel errors.
//
// The error taxonomy distinguishes expected terminal outcomes (policy or
// human denial), configuration errors (missing credentials), and control
// signals (a pending approval is not a failure, it means "retry later").
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrPolicyDenied indicates a tool call was denied by an access policy
// before any approval was requested. Terminal for the call.
var ErrPolicyDenied = errors.New("denied by policy")

// ErrApprovalDenied indicates a human reviewer denied the tool call.
// Terminal for the call.
var ErrApprovalDenied = errors.New("denied by approver")

// ErrApprovalTimeout indicates no decision arrived before the approval
// deadline. Treated as a denial for the call.
var ErrApprovalTimeout = errors.New("approval timed out")

// ErrApprovalPending is a control signal, not a failure: the call is
// suspended on a durable approval and the caller should retry with the
// same call ID once a decision exists. It must never cross the remote
// dispatch boundary as a generic error; the callback handler converts it
// into a structured pending response.
var ErrApprovalPending = errors.New("approval pending")

// ErrCredentialMissing indicates the credential a tool requires is not
// configured for the current scope. Permanent; retrying cannot help.
var ErrCredentialMissing = errors.New("credential not configured")

// ErrCredentialUnavailable indicates the vault kept reporting a transient
// condition until the retry budget was exhausted. Distinguishable from
// ErrCredentialMissing so callers can surface "try again" rather than
// "go configure this".
var ErrCredentialUnavailable = errors.New("credential unavailable after retries")

// ErrRunTimeout indicates the run-level deadline elapsed before the
// sandbox (or in-process driver) produced a final result.
var ErrRunTimeout = errors.New("run timed out")

// IsDenied reports whether err represents a per-call denial, regardless of
// whether the policy engine or a human approver produced it. Generated code
// drivers use this to give denied calls a distinguished, catchable outcome.
func IsDenied(err error) bool {
	return errors.Is(err, ErrPolicyDenied) ||
		errors.Is(err, ErrApprovalDenied) ||
		errors.Is(err, ErrApprovalTimeout)
}

// PendingError carries the durable approval identity and a retry hint for a
// suspended call. It unwraps to ErrApprovalPending.
type PendingError struct {
	ApprovalID string
	RetryAfter time.Duration
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("approval pending (approval_id=%s, retry_after=%s)", e.ApprovalID, e.RetryAfter)
}

func (e *PendingError) Unwrap() error { return ErrApprovalPending }

// AsPending extracts a PendingError from an error chain.
func AsPending(err error) (*PendingError, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
