// Package memstore implements the store port in memory. It backs tests and
// single-process deployments where durability is not required; the
// postgres adapter is the production implementation.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/call"
)

type callKey struct{ runID, callID string }

type receiptRow struct {
	seq int
	r   call.Receipt
}

// Store is an in-memory store.Store implementation.
type Store struct {
	mu        sync.RWMutex
	calls     map[callKey]*call.Record
	approvals map[string]*approval.Approval
	byCall    map[callKey]string // (runID, callID) → approvalID
	receipts  map[string][]receiptRow
	now       func() time.Time
}

// New creates an empty memory store.
func New() *Store {
	return &Store{
		calls:     make(map[callKey]*call.Record),
		approvals: make(map[string]*approval.Approval),
		byCall:    make(map[callKey]string),
		receipts:  make(map[string][]receiptRow),
		now:       time.Now,
	}
}

// CreateCallRecord inserts a record, or returns the existing one untouched
// when the (runID, callID) key is already present.
func (s *Store) CreateCallRecord(_ context.Context, rec *call.Record) (*call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := callKey{rec.RunID, rec.CallID}
	if existing, ok := s.calls[key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *rec
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.calls[key] = &cp
	out := cp
	return &out, nil
}

// GetCallRecord returns the record for (runID, callID).
func (s *Store) GetCallRecord(_ context.Context, runID, callID string) (*call.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callKey{runID, callID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateCallStatus applies a monotonic status transition.
func (s *Store) UpdateCallStatus(_ context.Context, runID, callID string, status call.Status, approvalID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callKey{runID, callID}]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status == status {
		return nil
	}
	if !call.CanTransition(rec.Status, status) {
		return domain.ErrConflict
	}
	rec.Status = status
	if approvalID != "" {
		rec.ApprovalID = approvalID
	}
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.UpdatedAt = s.now()
	return nil
}

// CreateApproval inserts a pending approval.
func (s *Store) CreateApproval(_ context.Context, a *approval.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.approvals[a.ID]; dup {
		return domain.ErrConflict
	}
	cp := *a
	s.approvals[a.ID] = &cp
	s.byCall[callKey{a.RunID, a.CallID}] = a.ID
	return nil
}

// GetApproval returns an approval by id.
func (s *Store) GetApproval(_ context.Context, id string) (*approval.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetApprovalByCall returns the approval gating (runID, callID).
func (s *Store) GetApprovalByCall(_ context.Context, runID, callID string) (*approval.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCall[callKey{runID, callID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s.approvals[id]
	return &cp, nil
}

// ResolveApproval applies a terminal decision. Returns applied=false when
// the approval was already resolved; the first decision stands.
func (s *Store) ResolveApproval(_ context.Context, id string, status approval.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if a.Status.Resolved() {
		return false, nil
	}
	a.Status = status
	t := s.now()
	a.ResolvedAt = &t
	return true, nil
}

// AppendReceipt stores a receipt at the given sequence. Appending the same
// (runID, seq) twice is a no-op: receipts are append-once.
func (s *Store) AppendReceipt(_ context.Context, runID string, seq int, r call.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.receipts[runID] {
		if row.seq == seq {
			return nil
		}
	}
	s.receipts[runID] = append(s.receipts[runID], receiptRow{seq: seq, r: r})
	return nil
}

// ListReceipts returns a run's receipts in sequence order.
func (s *Store) ListReceipts(_ context.Context, runID string) ([]call.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.receipts[runID]
	sorted := make([]receiptRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })
	out := make([]call.Receipt, len(sorted))
	for i, row := range sorted {
		out[i] = row.r
	}
	return out, nil
}
