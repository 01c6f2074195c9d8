package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelad "github.com/toolgate/toolgate/internal/adapter/otel"
	"github.com/toolgate/toolgate/internal/adapter/ws"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/call"
	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/port/events"
	"github.com/toolgate/toolgate/internal/port/store"
)

// Broadcaster pushes UI events to connected dashboard clients.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastEvent(context.Context, string, any) {}

// ApprovalService owns the human-in-the-loop workflow: it creates exactly
// one durable approval per gated call, lets in-process calls block on a
// decision, and applies external resolutions idempotently.
//
// Delivery is dual: the durable record survives restarts and serves
// polling callers, while an in-memory waiter channel wakes a blocked call
// the moment a decision lands.
type ApprovalService struct {
	store   store.Store
	events  events.Publisher
	hub     Broadcaster
	metrics *otelad.Metrics
	log     *slog.Logger
	timeout time.Duration

	waiters sync.Map // approvalID -> chan approval.Status (buffered, 1)
}

// NewApprovalService creates the approval workflow service. hub and
// metrics may be nil.
func NewApprovalService(st store.Store, pub events.Publisher, hub Broadcaster, metrics *otelad.Metrics, rt config.Runtime, log *slog.Logger) *ApprovalService {
	if hub == nil {
		hub = noopBroadcaster{}
	}
	return &ApprovalService{
		store:   st,
		events:  pub,
		hub:     hub,
		metrics: metrics,
		log:     log,
		timeout: rt.ApprovalTimeout,
	}
}

// Ensure returns the approval gating the given call, creating it on first
// encounter. The approval.requested event fires only on creation, so a
// retried call with the same call ID never produces a duplicate request.
func (s *ApprovalService) Ensure(ctx context.Context, req call.Request, d tool.Descriptor) (*approval.Approval, bool, error) {
	existing, err := s.store.GetApprovalByCall(ctx, req.RunID, req.CallID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup approval: %w", err)
	}

	a := approval.New(uuid.NewString(), req, d, time.Now().UTC())
	if err := s.store.CreateApproval(ctx, a); err != nil {
		// Lost a creation race; the winner's record is authoritative.
		if errors.Is(err, domain.ErrConflict) {
			won, lookupErr := s.store.GetApprovalByCall(ctx, req.RunID, req.CallID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("lookup approval after conflict: %w", lookupErr)
			}
			return won, false, nil
		}
		return nil, false, fmt.Errorf("create approval: %w", err)
	}

	s.log.Info("approval requested",
		"approval_id", a.ID, "run_id", a.RunID, "call_id", a.CallID, "tool", a.ToolPath)
	if s.metrics != nil {
		s.metrics.ApprovalsRequested.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tool", a.ToolPath)))
	}
	s.publish(ctx, events.SubjectApprovalRequested, a)
	s.hub.BroadcastEvent(ctx, ws.EventApprovalRequested, ws.ApprovalRequestedEvent{
		ApprovalID: a.ID,
		RunID:      a.RunID,
		CallID:     a.CallID,
		ToolPath:   a.ToolPath,
		Title:      a.Preview.Title,
		Details:    a.Preview.Details,
		Action:     a.Preview.Action,
	})
	return a, true, nil
}

// Await blocks until the approval is resolved, the configured timeout
// elapses, or ctx is done. A timeout resolves the approval as denied so
// later pollers observe a consistent terminal state, and returns
// domain.ErrApprovalTimeout.
func (s *ApprovalService) Await(ctx context.Context, approvalID string) (approval.Status, error) {
	ch := make(chan approval.Status, 1)
	actual, loaded := s.waiters.LoadOrStore(approvalID, ch)
	if loaded {
		ch = actual.(chan approval.Status)
	}
	defer s.waiters.Delete(approvalID)

	// A decision may have landed between record creation and waiter
	// registration; the durable record is the source of truth.
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", fmt.Errorf("lookup approval %s: %w", approvalID, err)
	}
	if a.Status.Resolved() {
		return a.Status, nil
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case status := <-ch:
		return status, nil
	case <-timer.C:
		if _, err := s.store.ResolveApproval(ctx, approvalID, approval.StatusDenied); err != nil {
			s.log.Error("mark timed-out approval denied", "approval_id", approvalID, "error", err)
		}
		s.log.Warn("approval timed out", "approval_id", approvalID, "timeout", s.timeout)
		return approval.StatusDenied, domain.ErrApprovalTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve applies an external decision. The first resolution wins;
// repeats return applied=false without error and without re-emitting
// events.
func (s *ApprovalService) Resolve(ctx context.Context, approvalID, decision string) (bool, error) {
	status, err := approval.DecisionFromString(decision)
	if err != nil {
		return false, err
	}

	applied, err := s.store.ResolveApproval(ctx, approvalID, status)
	if err != nil {
		return false, fmt.Errorf("resolve approval %s: %w", approvalID, err)
	}
	if !applied {
		return false, nil
	}

	if w, ok := s.waiters.Load(approvalID); ok {
		select {
		case w.(chan approval.Status) <- status:
		default:
		}
	}

	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return true, fmt.Errorf("reload approval %s: %w", approvalID, err)
	}

	s.log.Info("approval resolved",
		"approval_id", a.ID, "run_id", a.RunID, "call_id", a.CallID, "status", string(a.Status))
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.Add(ctx, 1,
			metric.WithAttributes(attribute.String("decision", string(a.Status))))
	}
	s.publish(ctx, events.SubjectApprovalResolved, a)
	s.hub.BroadcastEvent(ctx, ws.EventApprovalResolved, ws.ApprovalResolvedEvent{
		ApprovalID: a.ID,
		RunID:      a.RunID,
		CallID:     a.CallID,
		Status:     string(a.Status),
	})
	return true, nil
}

// Get returns an approval by ID.
func (s *ApprovalService) Get(ctx context.Context, approvalID string) (*approval.Approval, error) {
	return s.store.GetApproval(ctx, approvalID)
}

func (s *ApprovalService) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event payload", "subject", subject, "error", err)
		return
	}
	if err := s.events.Publish(ctx, subject, data); err != nil {
		s.log.Error("publish event", "subject", subject, "error", err)
	}
}
