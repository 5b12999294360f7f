package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"troop/internal/agent"
	"troop/internal/dispatch"
	"troop/internal/guard"
	"troop/internal/llm"
	"troop/internal/logging"
	"troop/internal/mail"
)

// MaxReworkIterations is the rework budget per review gate. Past it Gibbon
// escalates to the human supervisor instead of burning model calls.
const MaxReworkIterations = 3

// ReworkRequest is the structured payload carried in the dispatch
// instructions of a rework job.
type ReworkRequest struct {
	ReviewGateID string `json:"review_gate_id"`
	Feedback     string `json:"feedback"`
	ArtifactPath string `json:"artifact_path"`
	RetryCount   int    `json:"retry_count"`
}

// Gibbon reworks artifacts rejected at a review gate.
type Gibbon struct {
	llm  llm.Client
	mail *mail.Client
	log  logging.Logger
}

// NewGibbon builds the rework worker. mailClient may be nil.
func NewGibbon(client llm.Client, mailClient *mail.Client, log logging.Logger) *Gibbon {
	return &Gibbon{llm: client, mail: mailClient, log: logging.OrNop(log)}
}

// Type returns the agent type name.
func (g *Gibbon) Type() string { return dispatch.WorkerRework }

// Execute applies one rework iteration to a rejected artifact.
func (g *Gibbon) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	req := parseReworkRequest(d)
	if req.ReviewGateID == "" {
		req.ReviewGateID = d.ReviewGateID
	}

	if req.ArtifactPath == "" {
		return failure(d, "no artifact_path provided in rework request"), nil
	}
	if req.Feedback == "" {
		return failure(d, "no feedback provided in rework request"), nil
	}

	g.log.Info("[Gibbon] Rework iteration %d/%d for artifact %q (gate: %s)",
		req.RetryCount+1, MaxReworkIterations, req.ArtifactPath, req.ReviewGateID)

	if req.RetryCount >= MaxReworkIterations {
		g.escalate(ctx, d, req)
		return dispatch.Completion{
			StageName: d.StageName,
			IssueID:   d.IssueID,
			Status:    dispatch.StatusNeedsRework,
			Summary: fmt.Sprintf("Rework exhausted after %d iterations. Escalated to %s.",
				MaxReworkIterations, mail.HumanSupervisor),
			ReworkReason: fmt.Sprintf("rework budget exhausted after %d iterations", MaxReworkIterations),
		}, nil
	}

	original, err := os.ReadFile(filepath.Join(d.WorkspaceRoot, req.ArtifactPath))
	if err != nil {
		return failure(d, fmt.Sprintf("artifact not found: %s", req.ArtifactPath)), nil
	}

	prompt := g.buildPrompt(d, req, string(original))

	response, err := g.llm.Invoke(ctx, prompt)
	if err != nil {
		return dispatch.Completion{}, err
	}

	corrected := agent.StripCodeFence(response)
	if strings.TrimSpace(corrected) == "" {
		return failure(d, "model returned empty rework content"), nil
	}

	audit := guard.NewAuditLog(g.mail, d.ProjectKey, g.log)
	fileGuard := guard.NewFileGuard(audit, d.WorkspaceRoot)
	written, err := fileGuard.WriteFile(ctx, req.ArtifactPath, corrected, dispatch.WorkerRework, true)
	if err != nil {
		return failure(d, fmt.Sprintf("failed to write corrected artifact: %v", err)), nil
	}
	changes := changeSummary(string(original), corrected)
	g.log.Info("[Gibbon] Corrected artifact written: %s (%s)", written, changes)

	return dispatch.Completion{
		StageName:       d.StageName,
		IssueID:         d.IssueID,
		Status:          dispatch.StatusCompleted,
		OutputArtifacts: []string{req.ArtifactPath},
		Summary: fmt.Sprintf("Rework iteration %d/%d complete. Corrected artifact written to %s (%s).",
			req.RetryCount+1, MaxReworkIterations, req.ArtifactPath, changes),
	}, nil
}

// changeSummary sizes the correction so reviewers can tell a touch-up from
// a rewrite without opening the diff.
func changeSummary(original, corrected string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(original, corrected, false)

	added, removed := 0, 0
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			added += len(diff.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(diff.Text)
		}
	}
	if added == 0 && removed == 0 {
		return "no content changes"
	}
	return fmt.Sprintf("+%d/-%d chars", added, removed)
}

func (g *Gibbon) buildPrompt(d dispatch.Dispatch, req ReworkRequest, original string) string {
	var b strings.Builder
	b.WriteString("You are performing a rework correction on a rejected artifact.\n\n")
	fmt.Fprintf(&b, "## Review Gate\n%s\n\n", req.ReviewGateID)
	fmt.Fprintf(&b, "## Rejection Feedback\n%s\n\n", req.Feedback)
	fmt.Fprintf(&b, "## Original Artifact\n```markdown\n%s\n```\n\n", original)

	if extra := agent.LoadContext(d); strings.TrimSpace(extra) != "" {
		fmt.Fprintf(&b, "## Additional Context\n%s\n\n", extra)
	}

	fmt.Fprintf(&b, "## Rework Iteration\nThis is attempt %d of %d.\n\n",
		req.RetryCount+1, MaxReworkIterations)
	b.WriteString("Address every point in the rejection feedback. Preserve the document " +
		"structure and issue header comments. Output the complete corrected artifact content.")
	return b.String()
}

// escalate notifies the human supervisor that the rework budget ran out.
// Best effort.
func (g *Gibbon) escalate(ctx context.Context, d dispatch.Dispatch, req ReworkRequest) {
	if g.mail == nil {
		g.log.Warn("[Gibbon] No mail client available for escalation")
		return
	}

	body := fmt.Sprintf(
		"**Stage**: %s\n**Issue**: %s\n**Artifact**: %s\n**Iterations Attempted**: %d\n**Max Allowed**: %d\n\n"+
			"**Latest Feedback**:\n%s\n\n"+
			"Gibbon was unable to produce an accepted artifact after %d attempts. Human review is required.",
		d.StageName, d.IssueID, req.ArtifactPath, req.RetryCount, MaxReworkIterations,
		req.Feedback, MaxReworkIterations)

	err := g.mail.SendMessage(ctx, d.ProjectKey, dispatch.WorkerRework,
		[]string{mail.HumanSupervisor},
		fmt.Sprintf("[ESCALATION] Rework exhausted for %s", d.IssueID),
		body,
		mail.SendOptions{ThreadID: mail.ReworkEscalationThread(d.IssueID), Importance: mail.ImportanceHigh})
	if err != nil {
		g.log.Warn("[Gibbon] Failed to send escalation: %v", err)
	}
}

func parseReworkRequest(d dispatch.Dispatch) ReworkRequest {
	if d.Instructions == "" {
		return ReworkRequest{}
	}
	var req ReworkRequest
	if err := json.Unmarshal([]byte(d.Instructions), &req); err != nil {
		// Plain text instructions are treated as the feedback itself.
		return ReworkRequest{Feedback: d.Instructions}
	}
	return req
}

func failure(d dispatch.Dispatch, msg string) dispatch.Completion {
	return dispatch.Completion{
		StageName:   d.StageName,
		IssueID:     d.IssueID,
		Status:      dispatch.StatusFailed,
		Summary:     msg,
		ErrorDetail: msg,
	}
}
