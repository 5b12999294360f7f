package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"troop/internal/agent"
	"troop/internal/beads"
	"troop/internal/dispatch"
	"troop/internal/guard"
	"troop/internal/logging"
	"troop/internal/mail"
)

// guardOperation describes one supported operation: which guard handles it
// and which tools in the permission table authorize the requesting agent.
// Operations with no tools are read-only and open to any agent.
type guardOperation struct {
	guard string
	tools []string
}

var guardOperations = map[string]guardOperation{
	"write_file":      {guard: "file", tools: []string{"write_file", "write_code_file", "write_test_file"}},
	"delete_file":     {guard: "file", tools: []string{"delete_file"}},
	"validate_path":   {guard: "file"},
	"create_branch":   {guard: "git", tools: []string{"git_create_branch"}},
	"checkout_branch": {guard: "git", tools: []string{"git_checkout"}},
	"commit":          {guard: "git", tools: []string{"git_commit"}},
	"merge":           {guard: "git", tools: []string{"git_merge"}},
	"get_status":      {guard: "git"},
	"get_diff":        {guard: "git"},
	"create_issue":    {guard: "beads", tools: []string{"beads_create", "beads_create_issue"}},
	"update_issue":    {guard: "beads", tools: []string{"beads_update", "update_stage_status"}},
	"close_issue":     {guard: "beads", tools: []string{"beads_close"}},
	"add_dependency":  {guard: "beads", tools: []string{"beads_add_dependency"}},
}

// toolPermitted consults the tool-permission table for the requesting
// agent. Any one of the candidate tool names grants the operation.
func toolPermitted(agentType string, tools []string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, tool := range tools {
		if agent.CanUseTool(agentType, tool) {
			return true
		}
	}
	return false
}

// GuardRequest is the structured payload carried in the dispatch
// instructions of a guard invocation.
type GuardRequest struct {
	Operation string `json:"operation"`
	Agent     string `json:"agent"`

	// File operations.
	Path      string `json:"path,omitempty"`
	Content   string `json:"content,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`

	// Git operations.
	BranchName string   `json:"branch_name,omitempty"`
	Base       string   `json:"base,omitempty"`
	Message    string   `json:"message,omitempty"`
	Files      []string `json:"files,omitempty"`
	Source     string   `json:"source,omitempty"`
	Target     string   `json:"target,omitempty"`

	// Issue-store operations.
	IssueID     string `json:"issue_id,omitempty"`
	Title       string `json:"title,omitempty"`
	IssueType   string `json:"issue_type,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Description string `json:"description,omitempty"`
	Labels      string `json:"labels,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Status      string `json:"status,omitempty"`
	Notes       string `json:"notes,omitempty"`
	AppendNotes string `json:"append_notes,omitempty"`
	AddLabel    string `json:"add_label,omitempty"`
	RemoveLabel string `json:"remove_label,omitempty"`
	Reason      string `json:"reason,omitempty"`
	BlockedID   string `json:"blocked_id,omitempty"`
	BlockerID   string `json:"blocker_id,omitempty"`
	DepType     string `json:"dep_type,omitempty"`
}

// Bonobo is the write-guard agent: other agents invoke it to perform
// privileged filesystem, git and issue-store mutations, which it validates
// through the guard layer before executing.
type Bonobo struct {
	mail     *mail.Client
	beadsRun beads.Runner
	gitRun   guard.GitRunner
	log      logging.Logger
}

// NewBonobo builds the guard agent. mailClient may be nil; beadsRunner and
// gitRunner may be nil to use the real CLIs.
func NewBonobo(mailClient *mail.Client, beadsRunner beads.Runner, gitRunner guard.GitRunner, log logging.Logger) *Bonobo {
	return &Bonobo{mail: mailClient, beadsRun: beadsRunner, gitRun: gitRunner, log: logging.OrNop(log)}
}

// Type returns the agent type name.
func (b *Bonobo) Type() string { return dispatch.WorkerGuard }

// Execute validates and performs one privileged operation.
func (b *Bonobo) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	req, ok := parseGuardRequest(d)
	if !ok {
		return failure(d, "missing or invalid JSON in dispatch instructions"), nil
	}

	op, known := guardOperations[req.Operation]
	if !known {
		supported := make([]string, 0, len(guardOperations))
		for name := range guardOperations {
			supported = append(supported, name)
		}
		sort.Strings(supported)
		return failure(d, fmt.Sprintf("unknown operation %q (supported: %s)",
			req.Operation, strings.Join(supported, ", "))), nil
	}
	if req.Agent == "" {
		req.Agent = "Unknown"
	}
	if !toolPermitted(req.Agent, op.tools) {
		b.log.Warn("[Bonobo] Agent %s not authorized for operation %s", req.Agent, req.Operation)
		return failure(d, fmt.Sprintf("agent %q is not authorized for operation %q", req.Agent, req.Operation)), nil
	}

	audit := guard.NewAuditLog(b.mail, d.ProjectKey, b.log)

	var summary string
	var artifacts []string
	var err error
	switch op.guard {
	case "file":
		summary, artifacts, err = b.fileOp(ctx, req, guard.NewFileGuard(audit, d.WorkspaceRoot))
	case "git":
		summary, err = b.gitOp(ctx, req, guard.NewGitGuard(audit, d.WorkspaceRoot, b.gitRun))
	case "beads":
		client := beads.NewClient(d.WorkspaceRoot, b.beadsRun, b.log)
		summary, artifacts, err = b.beadsOp(ctx, req, guard.NewBeadsGuard(audit, client))
	}
	if err != nil {
		b.log.Warn("[Bonobo] Operation %s.%s by %s failed: %v", op.guard, req.Operation, req.Agent, err)
		return failure(d, err.Error()), nil
	}

	b.log.Info("[Bonobo] Operation succeeded: %s.%s", op.guard, req.Operation)
	return dispatch.Completion{
		StageName:       d.StageName,
		IssueID:         d.IssueID,
		Status:          dispatch.StatusCompleted,
		OutputArtifacts: artifacts,
		Summary:         summary,
	}, nil
}

func (b *Bonobo) fileOp(ctx context.Context, req GuardRequest, fg *guard.FileGuard) (string, []string, error) {
	switch req.Operation {
	case "write_file":
		written, err := fg.WriteFile(ctx, req.Path, req.Content, req.Agent, req.Overwrite)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("File written: %s", written), []string{written}, nil
	case "delete_file":
		if err := fg.DeleteFile(ctx, req.Path, req.Agent); err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("File deleted: %s", req.Path), nil, nil
	case "validate_path":
		result := fg.ValidatePath(req.Path)
		verdict := "denied"
		if result.Allowed {
			verdict = "allowed"
		}
		return fmt.Sprintf("Path validation: %s (%s)", verdict, result.Reason), nil, nil
	}
	return "", nil, fmt.Errorf("unknown file operation: %s", req.Operation)
}

func (b *Bonobo) gitOp(ctx context.Context, req GuardRequest, gg *guard.GitGuard) (string, error) {
	switch req.Operation {
	case "create_branch":
		if err := gg.CreateBranch(ctx, req.BranchName, req.Agent, req.Base); err != nil {
			return "", err
		}
		return fmt.Sprintf("Branch created: %s", req.BranchName), nil
	case "checkout_branch":
		if err := gg.CheckoutBranch(ctx, req.BranchName, req.Agent); err != nil {
			return "", err
		}
		return fmt.Sprintf("Switched to branch: %s", req.BranchName), nil
	case "commit":
		hash, err := gg.Commit(ctx, req.Message, req.Files, req.Agent, req.IssueID)
		if err != nil {
			return "", err
		}
		if len(hash) > 12 {
			hash = hash[:12]
		}
		return fmt.Sprintf("Committed: %s", hash), nil
	case "merge":
		result, err := gg.Merge(ctx, req.Source, req.Target, req.Agent)
		if err != nil {
			return "", err
		}
		if !result.Success {
			return fmt.Sprintf("Merge failed with conflicts: %v", result.Conflicts), nil
		}
		return fmt.Sprintf("Merge successful: %s", result.CommitHash), nil
	case "get_status":
		status, err := gg.Status(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Branch: %s, clean: %v, staged: %d, modified: %d, untracked: %d",
			status.Branch, status.Clean, len(status.Staged), len(status.Modified), len(status.Untracked)), nil
	case "get_diff":
		diff, err := gg.Diff(ctx, req.Path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Diff output (%d chars)", len(diff)), nil
	}
	return "", fmt.Errorf("unknown git operation: %s", req.Operation)
}

func (b *Bonobo) beadsOp(ctx context.Context, req GuardRequest, bg *guard.BeadsGuard) (string, []string, error) {
	switch req.Operation {
	case "create_issue":
		issue, err := bg.CreateIssue(ctx, req.Title, req.Agent, beads.CreateOptions{
			IssueType:   req.IssueType,
			Priority:    req.Priority,
			Description: req.Description,
			Labels:      req.Labels,
			Assignee:    req.Assignee,
			Notes:       req.Notes,
		})
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Issue created: %s (%s)", issue.ID, issue.Title), []string{issue.ID}, nil
	case "update_issue":
		err := bg.UpdateIssue(ctx, req.IssueID, req.Agent, beads.UpdateOptions{
			Status:      req.Status,
			Notes:       req.Notes,
			AppendNotes: req.AppendNotes,
			Assignee:    req.Assignee,
			AddLabel:    req.AddLabel,
			RemoveLabel: req.RemoveLabel,
		})
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Issue updated: %s", req.IssueID), nil, nil
	case "close_issue":
		if err := bg.CloseIssue(ctx, req.IssueID, req.Agent, req.Reason); err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Issue closed: %s", req.IssueID), nil, nil
	case "add_dependency":
		if err := bg.AddDependency(ctx, req.BlockedID, req.BlockerID, req.DepType, req.Agent); err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Dependency added: %s blocks %s", req.BlockerID, req.BlockedID), nil, nil
	}
	return "", nil, fmt.Errorf("unknown issue-store operation: %s", req.Operation)
}

func parseGuardRequest(d dispatch.Dispatch) (GuardRequest, bool) {
	if d.Instructions == "" {
		return GuardRequest{}, false
	}
	var req GuardRequest
	if err := json.Unmarshal([]byte(d.Instructions), &req); err != nil {
		return GuardRequest{}, false
	}
	if req.Operation == "" {
		return GuardRequest{}, false
	}
	return req, true
}
