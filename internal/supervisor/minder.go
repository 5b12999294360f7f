package supervisor

import (
	"context"
	"encoding/json"

	"troop/internal/dispatch"
)

// Request routes one supervisor invocation. It travels in the dispatch
// instructions when the supervisor runs as an engine worker.
type Request struct {
	Action     string              `json:"action"`
	StageName  string              `json:"stage_name,omitempty"`
	IssueID    string              `json:"issue_id,omitempty"`
	Rationale  string              `json:"rationale,omitempty"`
	Completion dispatch.Completion `json:"completion,omitempty"`
}

// Minder adapts the supervisor to the engine's worker contract so workflow
// actions can run as scheduled agent invocations.
type Minder struct {
	sup *Supervisor
}

// NewMinder wraps a supervisor.
func NewMinder(sup *Supervisor) *Minder {
	return &Minder{sup: sup}
}

// Type returns the agent type name.
func (m *Minder) Type() string { return dispatch.WorkerSupervisor }

// Execute routes the dispatched action to the supervisor. Supervisor
// operations never fail upward; diagnostics travel in the summary.
func (m *Minder) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	req := parseRequest(d)

	var result string
	switch req.Action {
	case ActionInitialize:
		result = m.sup.Initialize(ctx, d.ProjectKey, d.WorkspaceRoot)
	case ActionHandleCompletion:
		result = m.sup.HandleCompletion(ctx, d.ProjectKey, d.WorkspaceRoot, req.Completion)
	case ActionRecommendSkip:
		result = m.sup.RecommendSkip(ctx, d.ProjectKey, req.StageName, req.IssueID, req.Rationale)
	case ActionCheckReviewGates:
		result = m.sup.CheckReviewGates(ctx, d.WorkspaceRoot)
	default:
		result = m.sup.Advance(ctx, d.ProjectKey, d.WorkspaceRoot)
	}

	return dispatch.Completed(d, result, nil), nil
}

func parseRequest(d dispatch.Dispatch) Request {
	if d.Instructions == "" {
		return Request{Action: ActionAdvance}
	}
	var req Request
	if err := json.Unmarshal([]byte(d.Instructions), &req); err != nil {
		return Request{Action: ActionAdvance}
	}
	if req.Action == "" {
		req.Action = ActionAdvance
	}
	return req
}
