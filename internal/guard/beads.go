package guard

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"troop/internal/beads"
)

// validIssueTypes are the issue types agents may create.
var validIssueTypes = map[string]bool{
	"task": true, "epic": true, "bug": true, "feature": true,
	"chore": true, "decision": true, "message": true,
}

// epicCreators are the only identities allowed to create epics. They also
// bypass the assignee ownership check on updates.
var epicCreators = map[string]bool{"Harmbe": true, "ProjectMinder": true}

// validLabelPrefixes are the namespaces colon-labels must use.
var validLabelPrefixes = []string{"phase:", "unit:", "stage:", "type:", "discovered-from:"}

// validStatusTransitions is the issue lifecycle graph.
var validStatusTransitions = map[string]map[string]bool{
	beads.StatusOpen:       {beads.StatusInProgress: true, beads.StatusDone: true, beads.StatusClosed: true},
	beads.StatusInProgress: {beads.StatusDone: true, beads.StatusClosed: true, beads.StatusOpen: true},
	beads.StatusDone:       {beads.StatusClosed: true, beads.StatusOpen: true},
	beads.StatusClosed:     {beads.StatusOpen: true},
}

// BeadsGuard validates issue-store mutations before they reach the bd CLI.
type BeadsGuard struct {
	audit  *AuditLog
	client *beads.Client
}

// NewBeadsGuard builds a guard over the given issue-store client.
func NewBeadsGuard(audit *AuditLog, client *beads.Client) *BeadsGuard {
	return &BeadsGuard{audit: audit, client: client}
}

// ValidateCreate checks a proposed issue creation.
func (g *BeadsGuard) ValidateCreate(title, issueType string, labels []string, agent string) ValidationResult {
	if strings.TrimSpace(title) == "" {
		return ValidationResult{false, "issue title cannot be empty"}
	}

	if !validIssueTypes[issueType] {
		return ValidationResult{false, fmt.Sprintf("invalid issue type %q (valid: %v)", issueType, sortedKeys(validIssueTypes))}
	}

	if issueType == "epic" && !epicCreators[agent] {
		return ValidationResult{false, fmt.Sprintf("agent %q cannot create epics (only %v)", agent, sortedKeys(epicCreators))}
	}

	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" || !strings.Contains(label, ":") {
			continue
		}
		known := false
		for _, prefix := range validLabelPrefixes {
			if strings.HasPrefix(label, prefix) {
				known = true
				break
			}
		}
		if !known {
			return ValidationResult{false, fmt.Sprintf("label %q uses an unknown namespace (valid prefixes: %v)", label, validLabelPrefixes)}
		}
	}

	return ValidationResult{true, "create validated"}
}

// ValidateUpdate checks a proposed update against the current issue state.
// Agents may only touch their own or unassigned issues, phase labels cannot
// be removed, and status changes must follow the lifecycle graph.
func (g *BeadsGuard) ValidateUpdate(ctx context.Context, issueID string, opts beads.UpdateOptions, agent string) ValidationResult {
	issue, err := g.client.ShowIssue(ctx, issueID)
	if err != nil {
		return ValidationResult{false, fmt.Sprintf("issue %s not found", issueID)}
	}

	if issue.Assignee != "" && issue.Assignee != agent && !epicCreators[agent] {
		return ValidationResult{false, fmt.Sprintf("agent %q cannot update issue %s assigned to %q", agent, issueID, issue.Assignee)}
	}

	if strings.HasPrefix(opts.RemoveLabel, "phase:") {
		return ValidationResult{false, fmt.Sprintf("cannot remove phase label: %s", opts.RemoveLabel)}
	}

	if opts.Status != "" {
		validNext := validStatusTransitions[issue.Status]
		if !validNext[opts.Status] {
			return ValidationResult{false, fmt.Sprintf("invalid status transition: %s -> %s (valid next states: %v)",
				issue.Status, opts.Status, sortedKeys(validNext))}
		}
	}

	return ValidationResult{true, "update validated"}
}

// ValidateDependency checks that both endpoints of a dependency edge exist.
func (g *BeadsGuard) ValidateDependency(ctx context.Context, blockedID, blockerID string) ValidationResult {
	for _, id := range []string{blockedID, blockerID} {
		if _, err := g.client.ShowIssue(ctx, id); err != nil {
			return ValidationResult{false, fmt.Sprintf("issue %s not found", id)}
		}
	}
	return ValidationResult{true, "dependency validated"}
}

// CreateIssue validates and performs an issue creation.
func (g *BeadsGuard) CreateIssue(ctx context.Context, title, agent string, opts beads.CreateOptions) (beads.Issue, error) {
	issueType := opts.IssueType
	if issueType == "" {
		issueType = "task"
	}
	var labels []string
	if opts.Labels != "" {
		labels = strings.Split(opts.Labels, ",")
	}
	details := map[string]any{"title": title, "type": issueType, "priority": opts.Priority}

	result := g.ValidateCreate(title, issueType, labels, agent)
	if !result.Allowed {
		g.audit.Denied(ctx, "beads", "create_issue", agent, result.Reason, details)
		return beads.Issue{}, fmt.Errorf("beads guard denied create: %s", result.Reason)
	}

	issue, err := g.client.CreateIssue(ctx, title, opts)
	if err != nil {
		return beads.Issue{}, err
	}
	details["id"] = issue.ID
	g.audit.Allowed(ctx, "beads", "create_issue", agent, details)
	return issue, nil
}

// UpdateIssue validates and performs an issue update.
func (g *BeadsGuard) UpdateIssue(ctx context.Context, issueID, agent string, opts beads.UpdateOptions) error {
	details := map[string]any{"issue_id": issueID}
	if opts.Status != "" {
		details["status"] = opts.Status
	}

	result := g.ValidateUpdate(ctx, issueID, opts, agent)
	if !result.Allowed {
		g.audit.Denied(ctx, "beads", "update_issue", agent, result.Reason, details)
		return fmt.Errorf("beads guard denied update: %s", result.Reason)
	}

	if err := g.client.UpdateIssue(ctx, issueID, opts); err != nil {
		return err
	}
	g.audit.Allowed(ctx, "beads", "update_issue", agent, details)
	return nil
}

// CloseIssue validates ownership and closes the issue.
func (g *BeadsGuard) CloseIssue(ctx context.Context, issueID, agent, reason string) error {
	details := map[string]any{"issue_id": issueID, "reason": reason}

	issue, err := g.client.ShowIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("issue %s not found: %w", issueID, err)
	}
	if issue.Assignee != "" && issue.Assignee != agent && !epicCreators[agent] {
		denyReason := fmt.Sprintf("agent %q cannot close issue assigned to %q", agent, issue.Assignee)
		g.audit.Denied(ctx, "beads", "close_issue", agent, denyReason, details)
		return fmt.Errorf("beads guard denied close: %s", denyReason)
	}

	if err := g.client.CloseIssue(ctx, issueID, reason); err != nil {
		return err
	}
	g.audit.Allowed(ctx, "beads", "close_issue", agent, details)
	return nil
}

// AddDependency validates both endpoints and records the edge.
func (g *BeadsGuard) AddDependency(ctx context.Context, blockedID, blockerID, depType, agent string) error {
	details := map[string]any{"blocked": blockedID, "blocker": blockerID, "type": depType}

	result := g.ValidateDependency(ctx, blockedID, blockerID)
	if !result.Allowed {
		g.audit.Denied(ctx, "beads", "add_dependency", agent, result.Reason, details)
		return fmt.Errorf("beads guard denied dependency: %s", result.Reason)
	}

	if err := g.client.AddDependency(ctx, blockedID, blockerID, depType); err != nil {
		return err
	}
	g.audit.Allowed(ctx, "beads", "add_dependency", agent, details)
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
