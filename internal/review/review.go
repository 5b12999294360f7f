// Package review implements the human approval checkpoint machine: listing
// open review gates, approving them (gate done, pipeline advances) and
// rejecting them (bounded rework via the Gibbon worker).
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"troop/internal/agent/workers"
	"troop/internal/beads"
	"troop/internal/dispatch"
	"troop/internal/guard"
	"troop/internal/logging"
	"troop/internal/mail"
	"troop/internal/supervisor"
)

// Events pushed to connected clients.
const (
	EventApproved = "review_approved"
	EventRejected = "review_rejected"
)

var artifactRefPattern = regexp.MustCompile(`artifact:\s*(.+?)(?:\n|$)`)

// ExtractArtifactPath returns the first artifact reference in issue notes.
func ExtractArtifactPath(notes string) string {
	if m := artifactRefPattern.FindStringSubmatch(notes); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// Spawner is the slice of the engine the machine needs.
type Spawner interface {
	Spawn(ctx context.Context, agentType, input string) (string, error)
}

// Broadcaster pushes review events to connected clients. Implementations
// must not block.
type Broadcaster interface {
	Broadcast(event, projectKey string, payload map[string]any)
}

// Gate is one review checkpoint as presented to the operator.
type Gate struct {
	IssueID         string `json:"issue_id"`
	Title           string `json:"title"`
	StageName       string `json:"stage_name,omitempty"`
	ArtifactPath    string `json:"artifact_path,omitempty"`
	ArtifactContent string `json:"artifact_content,omitempty"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

// Result is the outcome of an approve or reject decision.
type Result struct {
	IssueID    string `json:"issue_id"`
	Decision   string `json:"decision"`
	NextAction string `json:"next_action"`
	Message    string `json:"message"`
}

// Machine drives review gate decisions for all projects.
type Machine struct {
	beads  *beads.Client
	mail   *mail.Client
	engine Spawner
	events Broadcaster
	log    logging.Logger
}

// NewMachine builds the review machine. mailClient, spawner and events may
// be nil.
func NewMachine(beadsClient *beads.Client, mailClient *mail.Client, spawner Spawner, events Broadcaster, log logging.Logger) *Machine {
	return &Machine{
		beads:  beadsClient,
		mail:   mailClient,
		engine: spawner,
		events: events,
		log:    logging.OrNop(log),
	}
}

// List returns the open review gates in a workspace.
func (m *Machine) List(ctx context.Context, workspaceRoot string) ([]Gate, error) {
	issues, err := m.beads.WithWorkspace(workspaceRoot).ListIssues(ctx, beads.ListFilters{
		Label:  supervisor.ReviewGateLabel,
		Status: beads.StatusOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("list review gates: %w", err)
	}

	gates := make([]Gate, 0, len(issues))
	for _, issue := range issues {
		gates = append(gates, Gate{
			IssueID:      issue.ID,
			Title:        issue.Title,
			StageName:    stageNameFromTitle(issue.Title),
			ArtifactPath: ExtractArtifactPath(issue.Notes),
			Status:       issue.Status,
			CreatedAt:    issue.CreatedAt,
		})
	}
	return gates, nil
}

// Detail returns one gate with the referenced artifact content loaded.
func (m *Machine) Detail(ctx context.Context, workspaceRoot, issueID string) (Gate, error) {
	issue, err := m.beads.WithWorkspace(workspaceRoot).ShowIssue(ctx, issueID)
	if err != nil {
		return Gate{}, fmt.Errorf("review gate %s: %w", issueID, err)
	}

	gate := Gate{
		IssueID:      issue.ID,
		Title:        issue.Title,
		StageName:    stageNameFromTitle(issue.Title),
		ArtifactPath: ExtractArtifactPath(issue.Notes),
		Status:       issue.Status,
		Notes:        issue.Notes,
		CreatedAt:    issue.CreatedAt,
	}
	if gate.ArtifactPath != "" {
		if data, err := os.ReadFile(filepath.Join(workspaceRoot, gate.ArtifactPath)); err == nil {
			gate.ArtifactContent = string(data)
		} else {
			m.log.Warn("Could not read artifact at %s: %v", gate.ArtifactPath, err)
		}
	}
	return gate, nil
}

// Approve closes the gate as done, optionally writes operator-edited
// artifact content back, notifies the supervisor and advances the pipeline.
func (m *Machine) Approve(ctx context.Context, projectKey, workspaceRoot, issueID, feedback, editedContent string) (Result, error) {
	client := m.beads.WithWorkspace(workspaceRoot)
	audit := guard.NewAuditLog(m.mail, projectKey, m.log)
	bg := guard.NewBeadsGuard(audit, client)

	notes := "APPROVED."
	if feedback != "" {
		notes = "APPROVED. Feedback: " + feedback
	}
	err := bg.UpdateIssue(ctx, issueID, dispatch.WorkerOperator, beads.UpdateOptions{
		Status:      beads.StatusDone,
		AppendNotes: notes,
	})
	if err != nil {
		return Result{}, fmt.Errorf("approve review gate %s: %w", issueID, err)
	}

	if editedContent != "" {
		m.writeEditedContent(ctx, projectKey, workspaceRoot, issueID, editedContent, audit)
	}

	if m.mail != nil {
		err := m.mail.SendMessage(ctx, projectKey, dispatch.WorkerOperator,
			[]string{dispatch.WorkerSupervisor},
			"Review approved: "+issueID,
			fmt.Sprintf("Review gate %s has been approved.\nFeedback: %s", issueID, orNoneText(feedback)),
			mail.SendOptions{ThreadID: mail.ReviewThread(issueID)})
		if err != nil {
			m.log.Warn("Failed to send approval notification: %v", err)
		}
	}

	m.spawnAdvance(ctx, projectKey, workspaceRoot, issueID)
	m.broadcast(EventApproved, projectKey, map[string]any{"issue_id": issueID})

	m.log.Info("Review approved: %s", issueID)
	return Result{
		IssueID:    issueID,
		Decision:   "approved",
		NextAction: "dispatched_next_stage",
		Message:    fmt.Sprintf("Review gate %s approved. Next stage will be dispatched.", issueID),
	}, nil
}

// Reject records mandatory feedback on the gate and dispatches the rework
// worker. The retry count handed to the rework worker is the number of
// rejections already on the gate, so the first rejection carries zero.
func (m *Machine) Reject(ctx context.Context, projectKey, workspaceRoot, issueID, feedback string) (Result, error) {
	if strings.TrimSpace(feedback) == "" {
		return Result{}, fmt.Errorf("reject review gate %s: feedback is required", issueID)
	}

	client := m.beads.WithWorkspace(workspaceRoot)
	issue, err := client.ShowIssue(ctx, issueID)
	if err != nil {
		return Result{}, fmt.Errorf("review gate %s: %w", issueID, err)
	}
	retryCount := strings.Count(issue.Notes, "REJECTED:")
	artifactPath := ExtractArtifactPath(issue.Notes)

	audit := guard.NewAuditLog(m.mail, projectKey, m.log)
	bg := guard.NewBeadsGuard(audit, client)
	err = bg.UpdateIssue(ctx, issueID, dispatch.WorkerOperator, beads.UpdateOptions{
		AppendNotes: "REJECTED: " + feedback,
	})
	if err != nil {
		return Result{}, fmt.Errorf("reject review gate %s: %w", issueID, err)
	}

	m.spawnRework(ctx, projectKey, workspaceRoot, issueID, feedback, artifactPath, retryCount)
	m.broadcast(EventRejected, projectKey, map[string]any{"issue_id": issueID, "feedback": feedback})

	m.log.Info("Review rejected: %s (retry %d)", issueID, retryCount)
	return Result{
		IssueID:    issueID,
		Decision:   "rejected",
		NextAction: "dispatched_rework",
		Message:    fmt.Sprintf("Review gate %s rejected. Rework agent dispatched.", issueID),
	}, nil
}

// writeEditedContent overwrites the gate's artifact with operator edits,
// routed through the file guard. Best effort.
func (m *Machine) writeEditedContent(ctx context.Context, projectKey, workspaceRoot, issueID, content string, audit *guard.AuditLog) {
	issue, err := m.beads.WithWorkspace(workspaceRoot).ShowIssue(ctx, issueID)
	if err != nil {
		m.log.Warn("Could not read gate %s for edited content: %v", issueID, err)
		return
	}
	path := ExtractArtifactPath(issue.Notes)
	if path == "" {
		m.log.Warn("Gate %s carries no artifact reference, edited content dropped", issueID)
		return
	}

	fg := guard.NewFileGuard(audit, workspaceRoot)
	if _, err := fg.WriteFile(ctx, path, content, dispatch.WorkerOperator, true); err != nil {
		m.log.Warn("Could not write edited content to %s: %v", path, err)
		return
	}
	m.log.Info("Updated artifact content at %s", path)
}

func (m *Machine) spawnAdvance(ctx context.Context, projectKey, workspaceRoot, issueID string) {
	if m.engine == nil {
		return
	}
	req, err := json.Marshal(supervisor.Request{Action: supervisor.ActionAdvance})
	if err != nil {
		return
	}
	d := dispatch.NewDispatch("supervision", issueID, projectKey, workspaceRoot)
	d.WorkerType = dispatch.WorkerSupervisor
	d.Instructions = string(req)

	payload, err := d.Encode()
	if err != nil {
		return
	}
	if _, err := m.engine.Spawn(ctx, dispatch.WorkerSupervisor, string(payload)); err != nil {
		m.log.Warn("Could not spawn supervisor after approval of %s: %v", issueID, err)
	}
}

func (m *Machine) spawnRework(ctx context.Context, projectKey, workspaceRoot, issueID, feedback, artifactPath string, retryCount int) {
	if m.engine == nil {
		return
	}
	req, err := json.Marshal(workers.ReworkRequest{
		ReviewGateID: issueID,
		Feedback:     feedback,
		ArtifactPath: artifactPath,
		RetryCount:   retryCount,
	})
	if err != nil {
		return
	}
	d := dispatch.NewDispatch("rework", issueID, projectKey, workspaceRoot)
	d.WorkerType = dispatch.WorkerRework
	d.ReviewGateID = issueID
	d.Instructions = string(req)

	payload, err := d.Encode()
	if err != nil {
		return
	}
	if _, err := m.engine.Spawn(ctx, dispatch.WorkerRework, string(payload)); err != nil {
		m.log.Warn("Could not spawn rework agent for %s: %v", issueID, err)
	}
}

func (m *Machine) broadcast(event, projectKey string, payload map[string]any) {
	if m.events != nil {
		m.events.Broadcast(event, projectKey, payload)
	}
}

// stageNameFromTitle recovers the stage title from gate titles of the form
// "Review: <stage title>".
func stageNameFromTitle(title string) string {
	if rest, ok := strings.CutPrefix(title, "Review:"); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

func orNoneText(s string) string {
	if s == "" {
		return "None"
	}
	return s
}
