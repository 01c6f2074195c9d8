package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/domain/approval"
	"github.com/toolgate/toolgate/internal/domain/call"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/service"
)

// Handlers bundles the services the HTTP layer exposes. Catalog is the
// server's registered tool surface, snapshotted per run; Rules is the
// live access policy, read through at decision time.
type Handlers struct {
	Dispatch  *service.DispatchService
	Gateway   *service.Gateway
	Approvals *service.ApprovalService
	Catalog   *tool.Catalog
	Rules     policy.Source
}

type startRunRequest struct {
	RunID        string   `json:"run_id,omitempty"`
	Code         string   `json:"code"`
	Workspace    string   `json:"workspace"`
	Organization string   `json:"organization,omitempty"`
	Caller       string   `json:"caller,omitempty"`
	SourceHints  []string `json:"source_hints,omitempty"`
	TimeoutMs    int64    `json:"timeout_ms,omitempty"`
}

type startRunResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	TimeoutMs int64  `json:"timeout_ms"`
	ToolCount int    `json:"tool_count"`
}

// StartRun validates a generated-code run and dispatches it to the
// sandbox host. Validation failures come back as 422 with the offending
// identifier; the callback token never appears in the response.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startRunRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Code, "code") || !requireField(w, req.Workspace, "workspace") {
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	job := service.RunJob{
		RunID:        req.RunID,
		Code:         req.Code,
		Workspace:    req.Workspace,
		Organization: req.Organization,
		Caller:       req.Caller,
		SourceHints:  req.SourceHints,
		Catalog:      h.Catalog,
		Rules:        h.Rules,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
	}

	env, err := h.Dispatch.StartRemote(r.Context(), job)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:     env.RunID,
		Status:    "dispatched",
		TimeoutMs: env.TimeoutMs,
		ToolCount: len(env.ToolManifest),
	})
}

// HandleToolCall executes one mediated tool call on behalf of the
// sandbox. Denied, pending, and failed calls are all 200s with a
// structured body; only transport-level problems use error statuses.
func (h *Handlers) HandleToolCall(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	req, ok := readJSON[call.Request](w, r)
	if !ok {
		return
	}

	resp, err := h.Dispatch.HandleCallback(r.Context(), runID, bearerToken(r), req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type completeRunRequest struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// CompleteRun finalizes a remote run with the sandbox's result and
// returns the aggregated run result with the full receipt trail.
func (h *Handlers) CompleteRun(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")
	req, ok := readJSON[completeRunRequest](w, r)
	if !ok {
		return
	}

	res, err := h.Dispatch.Complete(r.Context(), runID, bearerToken(r), req.Value, req.Error)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type runStatusResponse struct {
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	Receipts []call.Receipt `json:"receipts"`
}

// GetRun reports a run's state: the terminal result when it finished,
// otherwise its live receipt trail.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")

	if res, ok := h.Dispatch.Result(runID); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}

	receipts, err := h.Gateway.Receipts(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	if _, live := h.Gateway.Session(runID); live {
		writeJSON(w, http.StatusOK, runStatusResponse{RunID: runID, Status: "running", Receipts: receipts})
		return
	}
	if len(receipts) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, runStatusResponse{RunID: runID, Status: "finished", Receipts: receipts})
}

// GetApproval returns one approval with its redacted preview.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.Approvals.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
}

type resolveApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Applied    bool   `json:"applied"`
}

// ResolveApproval applies a human decision to a pending approval. The
// first decision wins; repeats are acknowledged with applied=false.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[resolveApprovalRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Decision, "decision") {
		return
	}

	applied, err := h.Approvals.Resolve(r.Context(), id, req.Decision)
	if err != nil {
		if _, parseErr := approval.DecisionFromString(req.Decision); parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, resolveApprovalResponse{ApprovalID: id, Applied: applied})
}
