package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"troop/internal/agent/prompts"
	"troop/internal/beads"
	"troop/internal/dispatch"
	"troop/internal/llm"
	"troop/internal/logging"
	"troop/internal/mail"
)

// investigationPreviewLimit caps how much of each referenced file goes
// into the investigation prompt.
const investigationPreviewLimit = 2000

// ErrorReport is the structured payload carried in the dispatch
// instructions of an investigation job.
type ErrorReport struct {
	ErrorMessage    string `json:"error_message"`
	SourceAgent     string `json:"source_agent"`
	AffectedIssueID string `json:"affected_issue_id"`
}

// Analysis is the investigator's structured verdict.
type Analysis struct {
	RootCause        string `json:"root_cause"`
	FixSuggested     bool   `json:"fix_suggested"`
	FixDescription   string `json:"fix_description"`
	TargetAgent      string `json:"target_agent"`
	EscalationReason string `json:"escalation_reason"`
}

// CuriousGeorge investigates agent failures: it gathers evidence, asks the
// model for a root cause, then either routes a fix to the failing agent or
// escalates to the human supervisor.
type CuriousGeorge struct {
	llm   llm.Client
	mail  *mail.Client
	beads *beads.Client
	log   logging.Logger
}

// NewCuriousGeorge builds the investigator. mailClient and beadsClient may
// be nil.
func NewCuriousGeorge(client llm.Client, mailClient *mail.Client, beadsClient *beads.Client, log logging.Logger) *CuriousGeorge {
	return &CuriousGeorge{llm: client, mail: mailClient, beads: beadsClient, log: logging.OrNop(log)}
}

// Type returns the agent type name.
func (c *CuriousGeorge) Type() string { return dispatch.WorkerInvestigator }

// Execute investigates one error report.
func (c *CuriousGeorge) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	report := parseErrorReport(d)
	if report.ErrorMessage == "" {
		report.ErrorMessage = "Unknown error"
	}
	if report.SourceAgent == "" {
		report.SourceAgent = "Unknown"
	}
	if report.AffectedIssueID == "" {
		report.AffectedIssueID = d.IssueID
	}

	c.log.Info("[CuriousGeorge] Investigating error from %s (issue: %s)",
		report.SourceAgent, report.AffectedIssueID)

	evidence := c.gatherEvidence(ctx, d, report)
	prompt := c.buildPrompt(d, report, evidence)

	response, err := c.llm.Invoke(ctx, prompt)
	if err != nil {
		return dispatch.Completion{}, err
	}

	analysis := parseAnalysis(response, c.log)
	if analysis.TargetAgent == "" {
		analysis.TargetAgent = report.SourceAgent
	}

	var summary string
	if analysis.FixSuggested {
		c.sendFix(ctx, d, report, analysis)
		summary = fmt.Sprintf("Investigation complete. Root cause: %s. Fix suggested to %s: %s",
			analysis.RootCause, analysis.TargetAgent, analysis.FixDescription)
	} else {
		c.sendEscalation(ctx, d, report, analysis, response)
		summary = fmt.Sprintf("Investigation complete. Root cause: %s. Escalated to %s: %s",
			analysis.RootCause, mail.HumanSupervisor, analysis.EscalationReason)
	}

	return dispatch.Completion{
		StageName: d.StageName,
		IssueID:   d.IssueID,
		Status:    dispatch.StatusCompleted,
		Summary:   summary,
	}, nil
}

func (c *CuriousGeorge) gatherEvidence(ctx context.Context, d dispatch.Dispatch, report ErrorReport) string {
	var parts []string

	if c.beads != nil && report.AffectedIssueID != "" {
		issue, err := c.beads.WithWorkspace(d.WorkspaceRoot).ShowIssue(ctx, report.AffectedIssueID)
		if err == nil {
			parts = append(parts, fmt.Sprintf(
				"## Issue State\n- ID: %s\n- Title: %s\n- Status: %s\n- Assignee: %s\n- Labels: %v\n- Notes: %s\n",
				issue.ID, issue.Title, issue.Status, issue.Assignee, issue.Labels, orNone(issue.Notes)))
		} else {
			parts = append(parts, fmt.Sprintf("## Issue State\nCould not retrieve issue %s.", report.AffectedIssueID))
		}
	}

	if examined := examineFiles(d); examined != "" {
		parts = append(parts, "## Examined Files\n"+examined)
	}

	return strings.Join(parts, "\n\n")
}

func (c *CuriousGeorge) buildPrompt(d dispatch.Dispatch, report ErrorReport, evidence string) string {
	var b strings.Builder
	b.WriteString(prompts.Get(dispatch.WorkerInvestigator))
	b.WriteString("\n\nInvestigate the following error report and provide your analysis.\n\n")
	fmt.Fprintf(&b, "## Error Report\n- **Source Agent**: %s\n- **Error Message**: %s\n- **Affected Issue**: %s\n- **Stage**: %s\n\n",
		report.SourceAgent, report.ErrorMessage, report.AffectedIssueID, d.StageName)
	if evidence != "" {
		b.WriteString(evidence)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with the JSON object described in your instructions.")
	return b.String()
}

func (c *CuriousGeorge) sendFix(ctx context.Context, d dispatch.Dispatch, report ErrorReport, a Analysis) {
	if c.mail == nil {
		return
	}
	body := fmt.Sprintf("**Root Cause**: %s\n\n**Suggested Fix**: %s\n\n**Original Error**: %s\n",
		a.RootCause, a.FixDescription, report.ErrorMessage)
	err := c.mail.SendMessage(ctx, d.ProjectKey, dispatch.WorkerInvestigator,
		[]string{a.TargetAgent},
		fmt.Sprintf("[FIX] Error correction for %s", report.AffectedIssueID),
		body,
		mail.SendOptions{ThreadID: mail.ErrorThread(report.AffectedIssueID), Importance: mail.ImportanceHigh})
	if err != nil {
		c.log.Warn("[CuriousGeorge] Failed to send fix to %s: %v", a.TargetAgent, err)
	}
}

func (c *CuriousGeorge) sendEscalation(ctx context.Context, d dispatch.Dispatch, report ErrorReport, a Analysis, fullAnalysis string) {
	if c.mail == nil {
		return
	}
	body := fmt.Sprintf(
		"**Source Agent**: %s\n**Root Cause**: %s\n**Error**: %s\n**Escalation Reason**: %s\n\n**Full Analysis**:\n%s\n",
		report.SourceAgent, a.RootCause, report.ErrorMessage, a.EscalationReason, fullAnalysis)
	err := c.mail.SendMessage(ctx, d.ProjectKey, dispatch.WorkerInvestigator,
		[]string{mail.HumanSupervisor},
		fmt.Sprintf("[ESCALATION] Unresolvable error in %s", report.AffectedIssueID),
		body,
		mail.SendOptions{ThreadID: mail.EscalationThread(report.AffectedIssueID), Importance: mail.ImportanceHigh})
	if err != nil {
		c.log.Warn("[CuriousGeorge] Failed to send escalation: %v", err)
	}
}

func parseErrorReport(d dispatch.Dispatch) ErrorReport {
	if d.Instructions == "" {
		return ErrorReport{}
	}
	var report ErrorReport
	if err := json.Unmarshal([]byte(d.Instructions), &report); err != nil {
		return ErrorReport{ErrorMessage: d.Instructions}
	}
	return report
}

// parseAnalysis extracts the first balanced JSON object from the response.
// Malformed JSON goes through a repair pass; when nothing parses, the
// verdict is a conservative escalation.
func parseAnalysis(response string, log logging.Logger) Analysis {
	log = logging.OrNop(log)
	if raw, ok := extractJSONObject(response); ok {
		var a Analysis
		if err := json.Unmarshal([]byte(raw), &a); err == nil {
			return a
		}
		if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
			if err := json.Unmarshal([]byte(repaired), &a); err == nil {
				return a
			}
		}
	}

	log.Warn("[CuriousGeorge] Could not parse JSON from model response, escalating")
	return Analysis{
		RootCause:        "Analysis available but could not be structured",
		FixSuggested:     false,
		EscalationReason: "model response could not be parsed into an actionable fix",
	}
}

// extractJSONObject returns the first brace-balanced {...} block.
func extractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func examineFiles(d dispatch.Dispatch) string {
	var parts []string
	paths := append(append([]string{}, d.InputArtifacts...), d.ReferenceDocs...)
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(d.WorkspaceRoot, rel))
		if err != nil {
			parts = append(parts, fmt.Sprintf("### %s\n(file not found)", rel))
			continue
		}
		preview := string(data)
		if len(preview) > investigationPreviewLimit {
			preview = preview[:investigationPreviewLimit] +
				fmt.Sprintf("\n... (truncated, %d chars total)", len(data))
		}
		parts = append(parts, fmt.Sprintf("### %s\n```\n%s\n```", rel, preview))
	}
	return strings.Join(parts, "\n\n")
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
