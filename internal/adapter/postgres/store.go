package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/call"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Call records ---

// CreateCallRecord inserts a record; on a (run_id, call_id) conflict the
// existing row is returned untouched, making retries idempotent.
func (s *Store) CreateCallRecord(ctx context.Context, rec *call.Record) (*call.Record, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tool_call_records (run_id, call_id, tool_path, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, call_id) DO UPDATE SET updated_at = tool_call_records.updated_at
		 RETURNING run_id, call_id, tool_path, status, approval_id, error, created_at, updated_at`,
		rec.RunID, rec.CallID, rec.ToolPath, rec.Status)

	out, err := scanCallRecord(row)
	if err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}
	return out, nil
}

func (s *Store) GetCallRecord(ctx context.Context, runID, callID string) (*call.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, call_id, tool_path, status, approval_id, error, created_at, updated_at
		 FROM tool_call_records WHERE run_id = $1 AND call_id = $2`, runID, callID)

	rec, err := scanCallRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get call record %s/%s: %w", runID, callID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get call record %s/%s: %w", runID, callID, err)
	}
	return rec, nil
}

// UpdateCallStatus applies a monotonic transition. The legal-transition
// check runs in SQL so concurrent updaters cannot revive a terminal state.
func (s *Store) UpdateCallStatus(ctx context.Context, runID, callID string, status call.Status, approvalID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tool_call_records
		 SET status = $3,
		     approval_id = CASE WHEN $4 <> '' THEN $4 ELSE approval_id END,
		     error = CASE WHEN $5 <> '' THEN $5 ELSE error END,
		     updated_at = now()
		 WHERE run_id = $1 AND call_id = $2
		   AND (status = $3 OR status NOT IN ('succeeded', 'failed', 'denied'))`,
		runID, callID, status, approvalID, errMsg)
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record does not exist or it is already terminal.
		if _, getErr := s.GetCallRecord(ctx, runID, callID); getErr != nil {
			return getErr
		}
		return domain.ErrConflict
	}
	return nil
}

func scanCallRecord(row pgx.Row) (*call.Record, error) {
	var rec call.Record
	err := row.Scan(&rec.RunID, &rec.CallID, &rec.ToolPath, &rec.Status,
		&rec.ApprovalID, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Approvals ---

func (s *Store) CreateApproval(ctx context.Context, a *approval.Approval) error {
	inputJSON, err := json.Marshal(a.Input)
	if err != nil {
		return fmt.Errorf("marshal approval input: %w", err)
	}
	previewJSON, err := json.Marshal(a.Preview)
	if err != nil {
		return fmt.Errorf("marshal approval preview: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO approvals (id, run_id, call_id, tool_path, input, preview, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.RunID, a.CallID, a.ToolPath, inputJSON, previewJSON, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, call_id, tool_path, input, preview, status, created_at, resolved_at
		 FROM approvals WHERE id = $1`, id)

	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get approval %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) GetApprovalByCall(ctx context.Context, runID, callID string) (*approval.Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, call_id, tool_path, input, preview, status, created_at, resolved_at
		 FROM approvals WHERE run_id = $1 AND call_id = $2`, runID, callID)

	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get approval for %s/%s: %w", runID, callID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get approval for %s/%s: %w", runID, callID, err)
	}
	return a, nil
}

// ResolveApproval is idempotent: only a pending row is updated, so the
// second resolution of the same id reports applied=false.
func (s *Store) ResolveApproval(ctx context.Context, id string, status approval.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status = $2, resolved_at = now()
		 WHERE id = $1 AND status = 'pending'`, id, status)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func scanApproval(row pgx.Row) (*approval.Approval, error) {
	var (
		a           approval.Approval
		inputJSON   []byte
		previewJSON []byte
	)
	err := row.Scan(&a.ID, &a.RunID, &a.CallID, &a.ToolPath, &inputJSON, &previewJSON,
		&a.Status, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &a.Input); err != nil {
			return nil, fmt.Errorf("unmarshal approval input: %w", err)
		}
	}
	if len(previewJSON) > 0 {
		if err := json.Unmarshal(previewJSON, &a.Preview); err != nil {
			return nil, fmt.Errorf("unmarshal approval preview: %w", err)
		}
	}
	return &a, nil
}

// --- Receipts ---

// AppendReceipt stores a receipt; a (run_id, seq) conflict is ignored so
// receipts stay append-once.
func (s *Store) AppendReceipt(ctx context.Context, runID string, seq int, r call.Receipt) error {
	previewJSON, err := json.Marshal(r.InputPreview)
	if err != nil {
		return fmt.Errorf("marshal receipt preview: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO receipts (run_id, seq, call_id, tool_path, effect, decision, status, input_preview, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		runID, seq, r.CallID, r.ToolPath, r.Effect, r.Decision, r.Status, previewJSON, r.Error, r.Timestamp)
	if err != nil {
		return fmt.Errorf("append receipt: %w", err)
	}
	return nil
}

func (s *Store) ListReceipts(ctx context.Context, runID string) ([]call.Receipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT call_id, tool_path, effect, decision, status, input_preview, error, created_at
		 FROM receipts WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []call.Receipt
	for rows.Next() {
		var (
			r           call.Receipt
			previewJSON []byte
		)
		if err := rows.Scan(&r.CallID, &r.ToolPath, &r.Effect, &r.Decision, &r.Status,
			&previewJSON, &r.Error, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		if len(previewJSON) > 0 {
			if err := json.Unmarshal(previewJSON, &r.InputPreview); err != nil {
				return nil, fmt.Errorf("unmarshal receipt preview: %w", err)
			}
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
