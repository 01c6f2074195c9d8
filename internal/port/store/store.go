// Package store defines the persistence port (interface) for call records,
// approvals, and receipts. The core consumes persistence through this
// narrow contract; upserts are idempotent on their natural keys.
package store

import (
	"context"

	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/call"
)

// Store is the port interface for durable call/approval state.
type Store interface {
	// Call records, keyed (runID, callID). CreateCallRecord is idempotent:
	// inserting an existing key returns the stored record untouched.
	CreateCallRecord(ctx context.Context, rec *call.Record) (*call.Record, error)
	GetCallRecord(ctx context.Context, runID, callID string) (*call.Record, error)
	// UpdateCallStatus applies a monotonic transition; it fails with
	// domain.ErrConflict when the stored status does not allow it.
	UpdateCallStatus(ctx context.Context, runID, callID string, status call.Status, approvalID, errMsg string) error

	// Approvals, keyed by id, with a secondary lookup by call.
	CreateApproval(ctx context.Context, a *approval.Approval) error
	GetApproval(ctx context.Context, id string) (*approval.Approval, error)
	GetApprovalByCall(ctx context.Context, runID, callID string) (*approval.Approval, error)
	// ResolveApproval is idempotent: resolving an already-resolved approval
	// returns applied=false and leaves the first decision in place.
	ResolveApproval(ctx context.Context, id string, status approval.Status) (applied bool, err error)

	// Receipts are append-once per (runID, seq).
	AppendReceipt(ctx context.Context, runID string, seq int, r call.Receipt) error
	ListReceipts(ctx context.Context, runID string) ([]call.Receipt, error)
}
