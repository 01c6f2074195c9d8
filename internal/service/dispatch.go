package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/domain/call"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/port/events"
)

// ErrUnauthorizedCallback is returned when a sandbox callback presents an
// unknown run ID or a token that does not match the run's. The two cases
// are deliberately indistinguishable to the caller.
var ErrUnauthorizedCallback = errors.New("unknown run or invalid callback token")

// ManifestEntry advertises one callable tool to the sandbox, with the
// approval mode the sandbox should expect for it.
type ManifestEntry struct {
	ToolPath     string `json:"toolPath"`
	ApprovalMode string `json:"approvalMode"`
}

// DispatchEnvelope is the message published to the sandbox host when a
// run is dispatched remotely. The callback token is a per-run bearer
// secret; it appears nowhere else.
type DispatchEnvelope struct {
	RunID           string          `json:"runId"`
	Code            string          `json:"code"`
	TimeoutMs       int64           `json:"timeoutMs"`
	CallbackBaseURL string          `json:"callbackBaseUrl"`
	CallbackToken   string          `json:"callbackToken"`
	ToolManifest    []ManifestEntry `json:"toolManifest"`
}

// CallbackResponse is the structured result of one callback tool call.
// Exactly one of the value, denied, pending, or error shapes is set; a
// pending approval is a first-class state, never a generic error.
type CallbackResponse struct {
	OK           bool   `json:"ok"`
	Value        any    `json:"value,omitempty"`
	Denied       bool   `json:"denied,omitempty"`
	Pending      bool   `json:"pending,omitempty"`
	ApprovalID   string `json:"approvalId,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DispatchService runs generated code in a remote sandbox: it validates
// and publishes the run, authenticates the sandbox's per-call callbacks,
// and finalizes the run on completion or timeout, whichever comes first.
type DispatchService struct {
	gateway *Gateway
	queue   events.Publisher
	log     *slog.Logger
	baseURL string

	results sync.Map // runID -> call.RunResult, terminal runs only
}

// NewDispatchService creates the remote dispatch service. callbackBaseURL
// is the externally reachable address sandboxes call back to.
func NewDispatchService(g *Gateway, queue events.Publisher, callbackBaseURL string, log *slog.Logger) *DispatchService {
	return &DispatchService{
		gateway: g,
		queue:   queue,
		log:     log,
		baseURL: callbackBaseURL,
	}
}

// StartRemote validates the job, registers its session, and publishes a
// dispatch envelope for the sandbox host. Validation failures reject the
// run before anything is published. A watchdog finalizes the run as
// timed out if no completion arrives within the job's timeout.
func (s *DispatchService) StartRemote(ctx context.Context, job RunJob) (*DispatchEnvelope, error) {
	sess, err := s.gateway.Prepare(ctx, job)
	if err != nil {
		return nil, err
	}

	token, err := newCallbackToken()
	if err != nil {
		return nil, fmt.Errorf("mint callback token: %w", err)
	}
	// The token is set before the session becomes visible, so no callback
	// can ever authorize against a tokenless session.
	sess.token = token
	s.gateway.admit(sess)

	rules := sess.rules()
	manifest := make([]ManifestEntry, 0, sess.visible.Len())
	for _, p := range sess.visible.Paths() {
		d, _ := sess.visible.Resolve(p)
		mode := "auto"
		if policy.Decide(d, sess.policyCtx, rules).Decision == policy.DecisionRequireApproval {
			mode = "required"
		}
		manifest = append(manifest, ManifestEntry{ToolPath: p, ApprovalMode: mode})
	}

	env := &DispatchEnvelope{
		RunID:           job.RunID,
		Code:            job.Code,
		TimeoutMs:       sess.job.Timeout.Milliseconds(),
		CallbackBaseURL: s.baseURL,
		CallbackToken:   token,
		ToolManifest:    manifest,
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.gateway.Drop(job.RunID)
		return nil, fmt.Errorf("marshal dispatch envelope: %w", err)
	}
	if err := s.queue.Publish(ctx, events.SubjectRunDispatch, data); err != nil {
		s.gateway.Drop(job.RunID)
		return nil, fmt.Errorf("publish dispatch: %w", err)
	}

	logger.WithRun(s.log, job.RunID).Info("run dispatched",
		"tools", len(manifest), "timeout_ms", env.TimeoutMs)
	go s.watch(sess)
	return env, nil
}

// HandleCallback executes one mediated tool call on behalf of a remote
// sandbox. The pipeline runs in non-blocking mode: calls suspended on an
// approval come back as a pending response with a retry hint, and the
// sandbox re-calls with the same call ID until a decision exists.
func (s *DispatchService) HandleCallback(ctx context.Context, runID, token string, req call.Request) (CallbackResponse, error) {
	sess, err := s.authorize(runID, token)
	if err != nil {
		return CallbackResponse{}, err
	}
	if req.CallID == "" || req.ToolPath == "" {
		return CallbackResponse{}, errors.New("call id and tool path are required")
	}
	// The run identity comes from the authenticated URL, never the body.
	req.RunID = runID

	value, callErr := s.gateway.execute(ctx, sess, req, false)
	if callErr == nil {
		return CallbackResponse{OK: true, Value: value}, nil
	}
	if pe, ok := domain.AsPending(callErr); ok {
		return CallbackResponse{
			Pending:      true,
			ApprovalID:   pe.ApprovalID,
			RetryAfterMs: pe.RetryAfter.Milliseconds(),
		}, nil
	}
	if domain.IsDenied(callErr) {
		return CallbackResponse{Denied: true, Error: callErr.Error()}, nil
	}
	return CallbackResponse{Error: callErr.Error()}, nil
}

// Complete finalizes a remote run with the sandbox's result. If the
// timeout watchdog already finalized the run, the timed-out result
// stands and is returned as-is.
func (s *DispatchService) Complete(ctx context.Context, runID, token string, value any, errMsg string) (call.RunResult, error) {
	sess, err := s.authorize(runID, token)
	if err != nil {
		return call.RunResult{}, err
	}

	var res call.RunResult
	won := sess.finish(func() {
		status := call.RunCompleted
		if errMsg != "" {
			status = call.RunFailed
		}
		receipts := sess.journal.Snapshot()
		res = call.RunResult{
			RunID:    runID,
			OK:       errMsg == "" && call.Clean(receipts),
			Status:   status,
			Value:    value,
			Error:    errMsg,
			Receipts: receipts,
		}
		s.results.Store(runID, res)
		s.gateway.finishRun(ctx, res, sess.started)
		s.gateway.Drop(runID)
	})
	if !won {
		if v, ok := s.results.Load(runID); ok {
			return v.(call.RunResult), nil
		}
		return call.RunResult{}, domain.ErrConflict
	}
	return res, nil
}

// Result returns the terminal result of a finished remote run.
func (s *DispatchService) Result(runID string) (call.RunResult, bool) {
	v, ok := s.results.Load(runID)
	if !ok {
		return call.RunResult{}, false
	}
	return v.(call.RunResult), true
}

func (s *DispatchService) watch(sess *RunSession) {
	timer := time.NewTimer(sess.job.Timeout)
	defer timer.Stop()

	select {
	case <-sess.Done():
		return
	case <-timer.C:
	}

	runID := sess.job.RunID
	sess.finish(func() {
		msg := fmt.Sprintf("run timed out after %dms", sess.job.Timeout.Milliseconds())
		sess.journal.FailPending(msg, time.Now().UTC())
		res := call.RunResult{
			RunID:    runID,
			Status:   call.RunTimedOut,
			Error:    msg,
			Receipts: sess.journal.Snapshot(),
		}
		s.results.Store(runID, res)
		s.gateway.finishRun(context.Background(), res, sess.started)
		s.gateway.Drop(runID)
		logger.WithRun(s.log, runID).Warn("run timed out", "timeout_ms", sess.job.Timeout.Milliseconds())
	})
}

func (s *DispatchService) authorize(runID, token string) (*RunSession, error) {
	sess, ok := s.gateway.Session(runID)
	if !ok {
		return nil, ErrUnauthorizedCallback
	}
	// In-process sessions carry no callback token. Nothing authorizes
	// against them, and an empty bearer token never authorizes anything.
	if sess.token == "" || token == "" {
		return nil, ErrUnauthorizedCallback
	}
	if subtle.ConstantTimeCompare([]byte(sess.token), []byte(token)) != 1 {
		return nil, ErrUnauthorizedCallback
	}
	return sess, nil
}

func newCallbackToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
