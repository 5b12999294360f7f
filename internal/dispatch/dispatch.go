// Package dispatch defines the two immutable envelopes exchanged between
// the supervisor and workers, and the stage-to-worker mapping.
package dispatch

import (
	"encoding/json"
	"fmt"
)

// Phase tags a stage as belonging to the inception or construction half of
// the pipeline.
const (
	PhaseInception    = "inception"
	PhaseConstruction = "construction"
)

// Dispatch is the immutable job description passed supervisor -> worker.
// It is a value: created once by the supervisor, consumed once by one
// worker, never mutated.
type Dispatch struct {
	StageName      string   `json:"stage_name"`
	StageType      string   `json:"stage_type,omitempty"`
	IssueID        string   `json:"issue_id"`
	ReviewGateID   string   `json:"review_gate_id,omitempty"`
	UnitName       string   `json:"unit_name,omitempty"`
	Phase          string   `json:"phase"`
	InputArtifacts []string `json:"input_artifacts,omitempty"`
	ReferenceDocs  []string `json:"reference_docs,omitempty"`
	ProjectKey     string   `json:"project_key"`
	WorkspaceRoot  string   `json:"workspace_root"`
	WorkerType     string   `json:"worker_type"`

	// Instructions carries free-form or structured JSON payloads for
	// cross-cutting workers (rework context, error reports, guard ops).
	Instructions string `json:"instructions,omitempty"`
}

// NewDispatch builds a dispatch for a stage, resolving the worker type from
// the stage map unless an override is set later by the caller.
func NewDispatch(stageName, issueID, projectKey, workspaceRoot string) Dispatch {
	return Dispatch{
		StageName:     stageName,
		IssueID:       issueID,
		ProjectKey:    projectKey,
		WorkspaceRoot: workspaceRoot,
		Phase:         PhaseInception,
		WorkerType:    WorkerForStage(stageName),
	}
}

// Encode serializes the dispatch as JSON.
func (d Dispatch) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDispatch parses a dispatch from JSON.
func DecodeDispatch(data []byte) (Dispatch, error) {
	var d Dispatch
	if err := json.Unmarshal(data, &d); err != nil {
		return Dispatch{}, fmt.Errorf("decode dispatch: %w", err)
	}
	return d, nil
}

// Completion statuses.
const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusNeedsRework = "needs_rework"
)

// DiscoveredWork is follow-up work a worker found while executing a stage.
type DiscoveredWork struct {
	Title       string `json:"title"`
	IssueType   string `json:"issue_type,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
}

// Completion is the immutable outcome returned worker -> supervisor.
type Completion struct {
	StageName       string           `json:"stage_name"`
	IssueID         string           `json:"issue_id"`
	Status          string           `json:"status"`
	OutputArtifacts []string         `json:"output_artifacts,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	DiscoveredWork  []DiscoveredWork `json:"discovered_work,omitempty"`
	ErrorDetail     string           `json:"error_detail,omitempty"`
	ReworkReason    string           `json:"rework_reason,omitempty"`
}

// Encode serializes the completion as JSON.
func (c Completion) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCompletion parses a completion from JSON.
func DecodeCompletion(data []byte) (Completion, error) {
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	return c, nil
}

// Completed builds a success completion for a dispatch.
func Completed(d Dispatch, summary string, artifacts []string) Completion {
	return Completion{
		StageName:       d.StageName,
		IssueID:         d.IssueID,
		Status:          StatusCompleted,
		Summary:         summary,
		OutputArtifacts: artifacts,
	}
}

// Failed builds a failure completion for a dispatch.
func Failed(d Dispatch, detail string) Completion {
	return Completion{
		StageName:   d.StageName,
		IssueID:     d.IssueID,
		Status:      StatusFailed,
		ErrorDetail: detail,
	}
}

// NeedsRework builds a needs_rework completion for a dispatch.
func NeedsRework(d Dispatch, reason string) Completion {
	return Completion{
		StageName:    d.StageName,
		IssueID:      d.IssueID,
		Status:       StatusNeedsRework,
		ReworkReason: reason,
	}
}
