package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"troop/internal/beads"
	"troop/internal/dispatch"
	"troop/internal/logging"
	"troop/internal/mail"
	"troop/internal/supervisor"
)

// MonitorThread is the standing thread for monitoring reports.
const MonitorThread = "groomer-monitoring"

// Groomer is the deterministic monitoring agent: it drains its inbox,
// flags issues stuck in progress and review gates left open too long, and
// reports to the human supervisor. No model calls.
type Groomer struct {
	mail           *mail.Client
	beads          *beads.Client
	staleThreshold time.Duration
	reviewOverdue  time.Duration
	now            func() time.Time
	log            logging.Logger
}

// NewGroomer builds the monitor. mailClient and beadsClient may be nil;
// the corresponding checks are skipped.
func NewGroomer(mailClient *mail.Client, beadsClient *beads.Client, staleThreshold, reviewOverdue time.Duration, log logging.Logger) *Groomer {
	return &Groomer{
		mail:           mailClient,
		beads:          beadsClient,
		staleThreshold: staleThreshold,
		reviewOverdue:  reviewOverdue,
		now:            func() time.Time { return time.Now().UTC() },
		log:            logging.OrNop(log),
	}
}

// Type returns the agent type name.
func (g *Groomer) Type() string { return dispatch.WorkerMonitor }

// Execute runs one monitoring cycle for the dispatch's project.
func (g *Groomer) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	g.log.Info("[Groomer] Starting monitoring cycle for project=%q", d.ProjectKey)

	var sections []string
	var discovered []dispatch.DiscoveredWork

	if inbox := g.checkInbox(ctx, d); inbox != "" {
		sections = append(sections, inbox)
	}

	staleSection, staleFound := g.checkStaleIssues(ctx, d)
	if staleSection != "" {
		sections = append(sections, staleSection)
	}
	discovered = append(discovered, staleFound...)

	overdueSection, overdueFound := g.checkOverdueReviews(ctx, d)
	if overdueSection != "" {
		sections = append(sections, overdueSection)
	}
	discovered = append(discovered, overdueFound...)

	if len(sections) == 0 {
		sections = append(sections, "No notable events or issues detected.")
	}
	report := "# Monitoring Report\n\n" + strings.Join(sections, "\n\n")

	g.sendReport(ctx, d, report, len(discovered))

	summary := report
	if len(summary) > 500 {
		summary = summary[:500]
	}
	return dispatch.Completion{
		StageName:      d.StageName,
		IssueID:        d.IssueID,
		Status:         dispatch.StatusCompleted,
		Summary:        summary,
		DiscoveredWork: discovered,
	}, nil
}

func (g *Groomer) checkInbox(ctx context.Context, d dispatch.Dispatch) string {
	if g.mail == nil {
		return ""
	}

	messages, err := g.mail.FetchInbox(ctx, d.ProjectKey, dispatch.WorkerMonitor, true, 50)
	if err != nil {
		g.log.Warn("[Groomer] Failed to fetch inbox: %v", err)
		return fmt.Sprintf("## Inbox\nFailed to fetch inbox: %v", err)
	}
	if len(messages) == 0 {
		return "## Inbox\nNo unread messages."
	}

	lines := []string{fmt.Sprintf("## Inbox (%d unread messages)\n", len(messages))}
	var errorCount, stateCount, otherCount int

	for _, msg := range messages {
		subject := msg.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		prefix := "   "
		switch {
		case strings.Contains(subject, "[ERROR]") || strings.Contains(subject, "[ESCALATION]"):
			errorCount++
			prefix = "!!!"
		case strings.Contains(strings.ToLower(subject), "state") || strings.Contains(strings.ToLower(subject), "status"):
			stateCount++
			prefix = "-->"
		default:
			otherCount++
		}
		lines = append(lines, fmt.Sprintf("- %s **%s**: %s", prefix, msg.From, subject))

		if msg.ID != "" {
			if err := g.mail.Acknowledge(ctx, d.ProjectKey, dispatch.WorkerMonitor, msg.ID); err != nil {
				g.log.Debug("[Groomer] Failed to acknowledge %s: %v", msg.ID, err)
			}
		}
	}

	lines = append(lines, fmt.Sprintf("\nSummary: %d errors/escalations, %d state changes, %d other.",
		errorCount, stateCount, otherCount))
	return strings.Join(lines, "\n")
}

func (g *Groomer) checkStaleIssues(ctx context.Context, d dispatch.Dispatch) (string, []dispatch.DiscoveredWork) {
	if g.beads == nil {
		return "", nil
	}

	inProgress, err := g.beads.WithWorkspace(d.WorkspaceRoot).ListIssues(ctx, beads.ListFilters{Status: beads.StatusInProgress})
	if err != nil {
		g.log.Warn("[Groomer] Failed to list in-progress issues: %v", err)
		return fmt.Sprintf("## Stale Issues\nFailed to query issue store: %v", err), nil
	}
	if len(inProgress) == 0 {
		return "## Stale Issues\nNo in-progress issues found.", nil
	}

	var stale []string
	var discovered []dispatch.DiscoveredWork
	for _, issue := range inProgress {
		age, ok := g.issueAge(issue)
		if !ok || age <= g.staleThreshold {
			continue
		}
		stale = append(stale, fmt.Sprintf("- **%s** (%s): in_progress for %.0fh (threshold: %.0fh)",
			issue.ID, issue.Title, age.Hours(), g.staleThreshold.Hours()))
		discovered = append(discovered, dispatch.DiscoveredWork{
			Title:       fmt.Sprintf("Stale issue %s: %s", issue.ID, issue.Title),
			IssueType:   "chore",
			Description: fmt.Sprintf("Issue %s has been in_progress for %.0f hours.", issue.ID, age.Hours()),
		})
	}

	if len(stale) == 0 {
		return fmt.Sprintf("## Stale Issues\n%d in-progress issues, none stale.", len(inProgress)), nil
	}
	return fmt.Sprintf("## Stale Issues (%d detected)\n%s", len(stale), strings.Join(stale, "\n")), discovered
}

func (g *Groomer) checkOverdueReviews(ctx context.Context, d dispatch.Dispatch) (string, []dispatch.DiscoveredWork) {
	if g.beads == nil {
		return "", nil
	}

	gates, err := g.beads.WithWorkspace(d.WorkspaceRoot).ListIssues(ctx, beads.ListFilters{
		Label:  supervisor.ReviewGateLabel,
		Status: beads.StatusOpen,
	})
	if err != nil {
		g.log.Warn("[Groomer] Failed to list review-gate issues: %v", err)
		return fmt.Sprintf("## Overdue Reviews\nFailed to query issue store: %v", err), nil
	}
	if len(gates) == 0 {
		return "## Overdue Reviews\nNo open review gates found.", nil
	}

	var overdue []string
	var discovered []dispatch.DiscoveredWork
	for _, issue := range gates {
		age, ok := g.issueAge(issue)
		if !ok || age <= g.reviewOverdue {
			continue
		}
		overdue = append(overdue, fmt.Sprintf("- **%s** (%s): open for %.0fh (threshold: %.0fh)",
			issue.ID, issue.Title, age.Hours(), g.reviewOverdue.Hours()))
		discovered = append(discovered, dispatch.DiscoveredWork{
			Title:       fmt.Sprintf("Overdue review %s: %s", issue.ID, issue.Title),
			IssueType:   "chore",
			Description: fmt.Sprintf("Review gate %s has been open for %.0f hours.", issue.ID, age.Hours()),
		})
	}

	if len(overdue) == 0 {
		return fmt.Sprintf("## Overdue Reviews\n%d open review gates, none overdue.", len(gates)), nil
	}
	return fmt.Sprintf("## Overdue Reviews (%d detected)\n%s", len(overdue), strings.Join(overdue, "\n")), discovered
}

// issueAge is time since the last update, falling back to creation.
func (g *Groomer) issueAge(issue beads.Issue) (time.Duration, bool) {
	ts := issue.Updated()
	if ts.IsZero() {
		ts = issue.Created()
	}
	if ts.IsZero() {
		return 0, false
	}
	return g.now().Sub(ts), true
}

func (g *Groomer) sendReport(ctx context.Context, d dispatch.Dispatch, report string, flagged int) {
	if g.mail == nil {
		g.log.Info("[Groomer] No mail client, report not sent")
		return
	}

	importance := mail.ImportanceNormal
	subject := "[STATUS] Groomer monitoring report"
	if flagged > 0 {
		importance = mail.ImportanceHigh
		subject += fmt.Sprintf(" (%d items flagged)", flagged)
	}

	err := g.mail.SendMessage(ctx, d.ProjectKey, dispatch.WorkerMonitor,
		[]string{mail.HumanSupervisor}, subject, report,
		mail.SendOptions{ThreadID: MonitorThread, Importance: importance})
	if err != nil {
		g.log.Warn("[Groomer] Failed to send report: %v", err)
	}
}
