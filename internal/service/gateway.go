// Package service implements the mediation core's use cases: the
// execution gateway every tool call passes through, the human approval
// workflow, credential resolution, and remote sandbox dispatch.
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
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/domain/typecheck"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/port/cache"
	"github.com/toolgate/toolgate/internal/port/coderunner"
	"github.com/toolgate/toolgate/internal/port/events"
	"github.com/toolgate/toolgate/internal/port/store"
)

// RunJob describes one generated-code execution: the code, the catalog
// snapshot and policy rules it runs against, and the scope identity.
type RunJob struct {
	RunID        string
	Code         string
	Workspace    string
	Organization string
	Caller       string
	SourceHints  []string
	Catalog      *tool.Catalog
	// Rules is read through at decision time, once per call, so rule
	// changes apply to future calls even mid-run.
	Rules policy.Source
	// Timeout bounds the run end to end; zero means the configured default.
	Timeout time.Duration
}

// callOutcome is the cached terminal result of one call within a session,
// replayed verbatim on retries with the same call ID.
type callOutcome struct {
	value any
	err   error
}

// RunSession is the per-run state the gateway keeps while a run is live:
// the catalog snapshot resolved at run start, the receipt journal, and
// the per-call idempotency bookkeeping.
type RunSession struct {
	job       RunJob
	catalog   *tool.Catalog // full snapshot, used for execution
	visible   *tool.Catalog // post-deny-filter snapshot, used for validation
	policyCtx policy.Context
	journal   *call.Journal
	started   time.Time

	// token authenticates sandbox callbacks for remotely dispatched runs.
	token string
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	slots    map[string]int
	outcomes map[string]callOutcome
}

// callLock returns the mutex serializing all attempts for one call ID.
func (s *RunSession) callLock(callID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[callID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[callID] = mu
	}
	return mu
}

// slot reserves (once) and returns the journal slot for the call.
func (s *RunSession) slot(req call.Request, effect tool.SideEffect) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.slots[req.CallID]; ok {
		return n
	}
	n := s.journal.Begin(req.CallID, req.ToolPath, effect)
	s.slots[req.CallID] = n
	return n
}

// rules reads the rules currently in force.
func (s *RunSession) rules() []policy.Rule {
	return s.job.Rules.Rules()
}

func (s *RunSession) outcome(callID string) (callOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[callID]
	return o, ok
}

func (s *RunSession) complete(callID string, value any, err error) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[callID] = callOutcome{value: value, err: err}
	return value, err
}

// Token returns the callback bearer token for a remotely dispatched run.
func (s *RunSession) Token() string { return s.token }

// Done is closed when the run finishes, however it finishes.
func (s *RunSession) Done() <-chan struct{} { return s.done }

// finish runs f exactly once across all finalizers of the run (normal
// completion, remote completion, timeout watchdog) and closes Done.
// Reports whether this caller won finalization.
func (s *RunSession) finish(f func()) bool {
	won := false
	s.once.Do(func() {
		if f != nil {
			f()
		}
		close(s.done)
		won = true
	})
	return won
}

// Gateway is the execution gateway: the single chokepoint every tool call
// from generated code must pass through. Each call runs the same pipeline
// (resolve, policy, approval, credential, invoke) and leaves exactly one
// receipt; results are idempotent per (runID, callID).
type Gateway struct {
	store     store.Store
	events    events.Publisher
	approvals *ApprovalService
	creds     *CredentialResolver
	cache     cache.Cache
	hub       Broadcaster
	metrics   *otelad.Metrics
	log       *slog.Logger
	rt        config.Runtime
	cacheTTL  time.Duration

	sessions sync.Map // runID -> *RunSession
}

// NewGateway wires the execution gateway. cache, hub, and metrics may be
// nil; events may be events.Noop{}.
func NewGateway(st store.Store, pub events.Publisher, approvals *ApprovalService, creds *CredentialResolver, c cache.Cache, hub Broadcaster, metrics *otelad.Metrics, cfg config.Config, log *slog.Logger) *Gateway {
	if hub == nil {
		hub = noopBroadcaster{}
	}
	return &Gateway{
		store:     st,
		events:    pub,
		approvals: approvals,
		creds:     creds,
		cache:     c,
		hub:       hub,
		metrics:   metrics,
		log:       log,
		rt:        cfg.Runtime,
		cacheTTL:  cfg.Cache.TTL,
	}
}

// Prepare resolves the run's catalog view and validates the code against
// it. The catalog passed in is snapshotted for the whole run; validation
// failures reject the run before any call. The session is not yet visible
// to lookups: callers admit it once it is fully initialized, which for
// remote runs means after the callback token is set.
func (g *Gateway) Prepare(ctx context.Context, job RunJob) (*RunSession, error) {
	if job.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if job.Catalog == nil {
		return nil, errors.New("catalog snapshot is required")
	}
	if job.Rules == nil {
		job.Rules = policy.Static(nil)
	}
	if job.Timeout <= 0 {
		job.Timeout = g.rt.DispatchTimeout
	}

	pctx := policy.Context{
		Workspace:    job.Workspace,
		Organization: job.Organization,
		Caller:       job.Caller,
		SourceHints:  job.SourceHints,
	}

	// Tools a policy denies outright are invisible to the caller: they are
	// excluded from the declaration so generated code cannot reference
	// them, and a runtime attempt against one still lands in the denied
	// path of the execution pipeline. The validation view is a snapshot;
	// per-call decisions re-read the rules.
	ruleSnap := job.Rules.Rules()
	visible := job.Catalog.Filter(func(d tool.Descriptor) bool {
		return policy.Decide(d, pctx, ruleSnap).Decision != policy.DecisionDeny
	})

	decl, err := g.declarationFor(ctx, visible)
	if err != nil {
		return nil, err
	}
	if err := typecheck.Validate(job.Code, decl); err != nil {
		return nil, err
	}

	sess := &RunSession{
		job:       job,
		catalog:   job.Catalog,
		visible:   visible,
		policyCtx: pctx,
		journal:   call.NewJournal(),
		started:   time.Now(),
		done:      make(chan struct{}),
		locks:     make(map[string]*sync.Mutex),
		slots:     make(map[string]int),
		outcomes:  make(map[string]callOutcome),
	}
	return sess, nil
}

// admit makes a prepared session visible to status lookups and callback
// authorization.
func (g *Gateway) admit(sess *RunSession) {
	g.sessions.Store(sess.job.RunID, sess)
}

// Session returns the live session for a run, if any.
func (g *Gateway) Session(runID string) (*RunSession, bool) {
	v, ok := g.sessions.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*RunSession), true
}

// Drop removes a run's session.
func (g *Gateway) Drop(runID string) { g.sessions.Delete(runID) }

// Receipts returns a run's persisted receipt trail in initiation order.
func (g *Gateway) Receipts(ctx context.Context, runID string) ([]call.Receipt, error) {
	return g.store.ListReceipts(ctx, runID)
}

// Run executes a job in-process through the given driver. Every tool call
// the code makes blocks inside the pipeline until it has a terminal
// outcome, approvals included, so the driver never observes a pending
// state. The result aggregates the code's value with the receipt trail.
func (g *Gateway) Run(ctx context.Context, job RunJob, driver coderunner.Driver) call.RunResult {
	ctx, span := otelad.StartRunSpan(ctx, job.RunID, job.Workspace)
	defer span.End()
	start := time.Now()

	sess, err := g.Prepare(ctx, job)
	if err != nil {
		res := call.RunResult{
			RunID:    job.RunID,
			Status:   call.RunFailed,
			Error:    err.Error(),
			Receipts: []call.Receipt{},
		}
		g.finishRun(ctx, res, start)
		return res
	}
	g.admit(sess)
	defer g.sessions.Delete(job.RunID)
	defer sess.finish(nil)

	runCtx, cancel := context.WithTimeout(ctx, sess.job.Timeout)
	defer cancel()

	value, execErr := driver.Exec(runCtx, job.Code, &invoker{g: g, sess: sess})

	status := call.RunCompleted
	errMsg := ""
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			status = call.RunTimedOut
			errMsg = fmt.Sprintf("run timed out after %dms", sess.job.Timeout.Milliseconds())
			sess.journal.FailPending(errMsg, time.Now().UTC())
		} else {
			status = call.RunFailed
			errMsg = execErr.Error()
		}
	}

	receipts := sess.journal.Snapshot()
	res := call.RunResult{
		RunID:    job.RunID,
		OK:       execErr == nil && call.Clean(receipts),
		Status:   status,
		Value:    value,
		Error:    errMsg,
		Receipts: receipts,
	}
	g.finishRun(ctx, res, start)
	return res
}

// invoker routes in-process tool calls through the gateway pipeline in
// blocking mode.
type invoker struct {
	g    *Gateway
	sess *RunSession
}

func (i *invoker) Call(ctx context.Context, path string, input map[string]any) (any, error) {
	req := call.Request{
		RunID:    i.sess.job.RunID,
		CallID:   uuid.NewString(),
		ToolPath: path,
		Input:    input,
	}
	return i.g.execute(ctx, i.sess, req, true)
}

// execute is the mediation pipeline for one call attempt. blocking
// controls the suspension style: in-process calls wait for the approval
// decision, callback calls get a PendingError carrying the approval ID.
func (g *Gateway) execute(ctx context.Context, sess *RunSession, req call.Request, blocking bool) (any, error) {
	mu := sess.callLock(req.CallID)
	mu.Lock()
	defer mu.Unlock()

	// Idempotency: a call that already reached a terminal outcome in this
	// session replays it without touching policy or the tool again.
	if out, ok := sess.outcome(req.CallID); ok {
		return out.value, out.err
	}

	ctx, span := otelad.StartToolCallSpan(ctx, req.CallID, req.ToolPath)
	defer span.End()

	d, known := sess.catalog.Resolve(req.ToolPath)
	slot := sess.slot(req, d.Effect)
	if !known {
		err := fmt.Errorf("unknown tool %q", req.ToolPath)
		g.commitReceipt(ctx, sess, slot, call.Receipt{
			CallID:       req.CallID,
			ToolPath:     req.ToolPath,
			Status:       call.ReceiptFailed,
			Timestamp:    time.Now().UTC(),
			InputPreview: call.PreviewInput(req.Input),
			Error:        err.Error(),
		})
		return sess.complete(req.CallID, nil, err)
	}

	rec, err := g.store.CreateCallRecord(ctx, &call.Record{
		RunID:    req.RunID,
		CallID:   req.CallID,
		ToolPath: req.ToolPath,
		Status:   call.StatusRequested,
	})
	if err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}
	if rec.Status.Terminal() {
		// The record outlived its session (process restart mid-run). The
		// stored status is authoritative; replay it.
		return sess.complete(req.CallID, nil, terminalError(rec))
	}

	ev := policy.Decide(d, sess.policyCtx, sess.rules())
	if ev.Decision == policy.DecisionDeny {
		g.updateStatus(ctx, req, call.StatusDenied, "", ev.Reason)
		g.commitReceipt(ctx, sess, slot, g.receipt(req, d, call.ReceiptDenied, call.ReceiptStatusDenied, ev.Reason))
		logger.WithCall(g.log, req.RunID, req.CallID).Info("tool call denied by policy", "tool", req.ToolPath, "reason", ev.Reason)
		return sess.complete(req.CallID, nil, fmt.Errorf("tool %s: %s: %w", req.ToolPath, ev.Reason, domain.ErrPolicyDenied))
	}

	decision := call.ReceiptAuto
	if ev.Decision == policy.DecisionRequireApproval {
		value, settled, err := g.awaitApproval(ctx, sess, req, d, slot, blocking)
		if settled {
			return value, err
		}
		decision = call.ReceiptApproved
	}
	sess.journal.Mark(slot, decision)

	var cred *tool.Credential
	if d.Credential != nil {
		cred, err = g.creds.Resolve(ctx, d.Credential, ScopeContext{
			Workspace:    sess.job.Workspace,
			Organization: sess.job.Organization,
		})
		if err != nil {
			g.updateStatus(ctx, req, call.StatusFailed, "", err.Error())
			g.commitReceipt(ctx, sess, slot, g.receipt(req, d, decision, call.ReceiptFailed, err.Error()))
			return sess.complete(req.CallID, nil, err)
		}
	}

	g.updateStatus(ctx, req, call.StatusRunning, "", "")
	g.publish(ctx, events.SubjectToolCallStarted, req)

	callCtx := ctx
	if g.rt.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.rt.CallTimeout)
		defer cancel()
	}

	value, runErr := d.Run(callCtx, tool.Invocation{Input: req.Input, Credential: cred})
	if runErr != nil {
		g.updateStatus(ctx, req, call.StatusFailed, "", runErr.Error())
		g.commitReceipt(ctx, sess, slot, g.receipt(req, d, decision, call.ReceiptFailed, runErr.Error()))
		return sess.complete(req.CallID, nil, fmt.Errorf("tool %s: %w", req.ToolPath, runErr))
	}

	g.updateStatus(ctx, req, call.StatusSucceeded, "", "")
	g.commitReceipt(ctx, sess, slot, g.receipt(req, d, decision, call.ReceiptSucceeded, ""))
	return sess.complete(req.CallID, value, nil)
}

// awaitApproval runs the approval leg of the pipeline. settled=true means
// the call already has its outcome (denied, timed out, suspended, or an
// infrastructure error) and the pipeline must stop; settled=false means
// the call was approved and execution proceeds.
func (g *Gateway) awaitApproval(ctx context.Context, sess *RunSession, req call.Request, d tool.Descriptor, slot int, blocking bool) (value any, settled bool, err error) {
	a, created, err := g.approvals.Ensure(ctx, req, d)
	if err != nil {
		return nil, true, err
	}
	if created {
		g.updateStatus(ctx, req, call.StatusPendingApproval, a.ID, "")
	}

	status := a.Status
	if !status.Resolved() {
		if !blocking {
			return nil, true, &domain.PendingError{ApprovalID: a.ID, RetryAfter: g.rt.RetryAfter}
		}
		status, err = g.approvals.Await(ctx, a.ID)
		if err != nil {
			if errors.Is(err, domain.ErrApprovalTimeout) {
				g.updateStatus(ctx, req, call.StatusDenied, a.ID, "approval timed out")
				g.commitReceipt(ctx, sess, slot, g.receipt(req, d, call.ReceiptDenied, call.ReceiptStatusDenied, "approval timed out"))
				v, e := sess.complete(req.CallID, nil, fmt.Errorf("tool %s: %w", req.ToolPath, domain.ErrApprovalTimeout))
				return v, true, e
			}
			// Context cancellation: no outcome is cached so a retry with
			// the same call ID picks up where it left off.
			return nil, true, err
		}
	}

	if status == approval.StatusDenied {
		g.updateStatus(ctx, req, call.StatusDenied, a.ID, "denied by approver")
		g.commitReceipt(ctx, sess, slot, g.receipt(req, d, call.ReceiptDenied, call.ReceiptStatusDenied, "denied by approver"))
		v, e := sess.complete(req.CallID, nil, fmt.Errorf("tool %s: %w", req.ToolPath, domain.ErrApprovalDenied))
		return v, true, e
	}

	g.updateStatus(ctx, req, call.StatusApproved, a.ID, "")
	return nil, false, nil
}

func (g *Gateway) receipt(req call.Request, d tool.Descriptor, decision call.ReceiptDecision, status call.ReceiptStatus, errMsg string) call.Receipt {
	return call.Receipt{
		CallID:       req.CallID,
		ToolPath:     req.ToolPath,
		Effect:       d.Effect,
		Decision:     decision,
		Status:       status,
		Timestamp:    time.Now().UTC(),
		InputPreview: call.PreviewInput(req.Input),
		Error:        errMsg,
	}
}

// commitReceipt fills the call's journal slot and persists the receipt.
// The journal slot number doubles as the durable sequence, so the stored
// trail reads in initiation order too.
func (g *Gateway) commitReceipt(ctx context.Context, sess *RunSession, slot int, r call.Receipt) {
	sess.journal.Commit(slot, r)
	if err := g.store.AppendReceipt(ctx, sess.job.RunID, slot, r); err != nil {
		logger.WithCall(g.log, sess.job.RunID, r.CallID).Error("persist receipt", "error", err)
	}
	g.hub.BroadcastEvent(ctx, ws.EventReceipt, ws.ReceiptEvent{
		RunID:    sess.job.RunID,
		CallID:   r.CallID,
		ToolPath: r.ToolPath,
		Decision: string(r.Decision),
		Status:   string(r.Status),
		Error:    r.Error,
	})
	if g.metrics != nil {
		g.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", string(r.Decision)),
			attribute.String("status", string(r.Status)),
		))
	}
}

func (g *Gateway) updateStatus(ctx context.Context, req call.Request, status call.Status, approvalID, errMsg string) {
	err := g.store.UpdateCallStatus(ctx, req.RunID, req.CallID, status, approvalID, errMsg)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		logger.WithCall(g.log, req.RunID, req.CallID).Error("update call status",
			"status", string(status), "error", err)
	}
}

// terminalError maps a terminal stored record to the call outcome its
// original attempt produced. The success value itself is not retained
// across process restarts; callers that need it must not rely on
// cross-process replay of succeeded calls.
func terminalError(rec *call.Record) error {
	switch rec.Status {
	case call.StatusDenied:
		if rec.ApprovalID != "" {
			return fmt.Errorf("tool %s: %w", rec.ToolPath, domain.ErrApprovalDenied)
		}
		return fmt.Errorf("tool %s: %w", rec.ToolPath, domain.ErrPolicyDenied)
	case call.StatusFailed:
		return fmt.Errorf("tool %s: %s", rec.ToolPath, rec.Error)
	default:
		return nil
	}
}

// declarationFor returns the validation declaration for a catalog
// snapshot, cached by content signature.
func (g *Gateway) declarationFor(ctx context.Context, cat *tool.Catalog) (*typecheck.Declaration, error) {
	if g.cache == nil {
		return typecheck.BuildDeclaration(cat), nil
	}

	key := "decl:" + cat.Signature()
	if raw, ok, err := g.cache.Get(ctx, key); err == nil && ok {
		var decl typecheck.Declaration
		if err := json.Unmarshal(raw, &decl); err == nil {
			return &decl, nil
		}
		// Corrupt entry: drop it and rebuild.
		_ = g.cache.Delete(ctx, key)
	}

	decl := typecheck.BuildDeclaration(cat)
	if raw, err := json.Marshal(decl); err == nil {
		if err := g.cache.Set(ctx, key, raw, g.cacheTTL); err != nil {
			g.log.Debug("cache declaration", "error", err)
		}
	}
	return decl, nil
}

func (g *Gateway) finishRun(ctx context.Context, res call.RunResult, start time.Time) {
	logger.WithRun(g.log, res.RunID).Info("run finished",
		"status", string(res.Status), "ok", res.OK, "receipts", len(res.Receipts))
	g.publish(ctx, events.SubjectRunCompleted, res)
	g.hub.BroadcastEvent(ctx, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:  res.RunID,
		Status: string(res.Status),
		Error:  res.Error,
	})
	if g.metrics != nil {
		g.metrics.RunsCompleted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", string(res.Status))))
		g.metrics.RunDuration.Record(ctx, time.Since(start).Seconds())
	}
}

func (g *Gateway) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("marshal event payload", "subject", subject, "error", err)
		return
	}
	if err := g.events.Publish(ctx, subject, data); err != nil {
		g.log.Error("publish event", "subject", subject, "error", err)
	}
}
