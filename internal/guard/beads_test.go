package guard

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troop/internal/beads"
)

// fakeBeads answers bd invocations from a per-subcommand script.
type fakeBeads struct {
	calls  [][]string
	issues map[string]string // id -> JSON object
}

func (f *fakeBeads) runner() beads.Runner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		f.calls = append(f.calls, args)
		switch args[0] {
		case "show":
			if body, ok := f.issues[args[1]]; ok {
				return []byte(body), nil
			}
			return nil, fmt.Errorf("issue not found: %s", args[1])
		case "create":
			return []byte("Created issue: gt-9\n"), nil
		default:
			return []byte("{}"), nil
		}
	}
}

func issueJSON(id, status, assignee string) string {
	return fmt.Sprintf(`{"id": %q, "title": "t", "status": %q, "assignee": %q, "issue_type": "task", "priority": 2}`,
		id, status, assignee)
}

func newTestBeadsGuard(fake *fakeBeads) (*BeadsGuard, *AuditLog) {
	audit := NewAuditLog(nil, "", nil)
	client := beads.NewClient("", fake.runner(), nil)
	return NewBeadsGuard(audit, client), audit
}

func TestValidateCreateRules(t *testing.T) {
	g, _ := newTestBeadsGuard(&fakeBeads{})

	assert.True(t, g.ValidateCreate("Add adder", "task", nil, "Forge").Allowed)
	assert.True(t, g.ValidateCreate("Epic", "epic", nil, "ProjectMinder").Allowed)
	assert.True(t, g.ValidateCreate("Epic", "epic", nil, "Harmbe").Allowed)

	result := g.ValidateCreate("", "task", nil, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "empty")

	result = g.ValidateCreate("T", "milestone", nil, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "invalid issue type")

	result = g.ValidateCreate("Epic", "epic", nil, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "cannot create epics")

	assert.True(t, g.ValidateCreate("T", "task", []string{"phase:inception", "stage:code-generation", "plain"}, "Forge").Allowed)

	result = g.ValidateCreate("T", "task", []string{"team:backend"}, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "unknown namespace")
}

func TestValidateUpdateOwnershipAndTransitions(t *testing.T) {
	fake := &fakeBeads{issues: map[string]string{
		"gt-1": issueJSON("gt-1", "open", "Forge"),
		"gt-2": issueJSON("gt-2", "done", ""),
	}}
	g, _ := newTestBeadsGuard(fake)
	ctx := context.Background()

	// Owner can move open -> in_progress.
	assert.True(t, g.ValidateUpdate(ctx, "gt-1", beads.UpdateOptions{Status: "in_progress"}, "Forge").Allowed)

	// Another worker cannot touch an assigned issue; supervisors can.
	result := g.ValidateUpdate(ctx, "gt-1", beads.UpdateOptions{Status: "in_progress"}, "Sage")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "assigned to")
	assert.True(t, g.ValidateUpdate(ctx, "gt-1", beads.UpdateOptions{Status: "in_progress"}, "ProjectMinder").Allowed)

	// done -> in_progress is not in the lifecycle graph.
	result = g.ValidateUpdate(ctx, "gt-2", beads.UpdateOptions{Status: "in_progress"}, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "invalid status transition")
	assert.True(t, g.ValidateUpdate(ctx, "gt-2", beads.UpdateOptions{Status: "closed"}, "Forge").Allowed)

	// Phase labels are permanent.
	result = g.ValidateUpdate(ctx, "gt-1", beads.UpdateOptions{RemoveLabel: "phase:inception"}, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "phase label")

	result = g.ValidateUpdate(ctx, "gt-404", beads.UpdateOptions{}, "Forge")
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "not found")
}

func TestGuardedCreateDeniesAndAudits(t *testing.T) {
	fake := &fakeBeads{issues: map[string]string{
		"gt-9": issueJSON("gt-9", "open", ""),
	}}
	g, audit := newTestBeadsGuard(fake)
	ctx := context.Background()

	_, err := g.CreateIssue(ctx, "Epic work", "Forge", beads.CreateOptions{IssueType: "epic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied create")
	assert.Empty(t, fake.calls)

	issue, err := g.CreateIssue(ctx, "Real task", "Forge", beads.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gt-9", issue.ID)

	recent := audit.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, ResultDenied, recent[0].Result)
	assert.Equal(t, ResultAllowed, recent[1].Result)
}

func TestGuardedUpdateAndClose(t *testing.T) {
	fake := &fakeBeads{issues: map[string]string{
		"gt-1": issueJSON("gt-1", "in_progress", "Forge"),
	}}
	g, _ := newTestBeadsGuard(fake)
	ctx := context.Background()

	require.NoError(t, g.UpdateIssue(ctx, "gt-1", "Forge", beads.UpdateOptions{Status: "done"}))

	var sawUpdate bool
	for _, call := range fake.calls {
		if call[0] == "update" {
			sawUpdate = true
			assert.Contains(t, strings.Join(call, " "), "--status done")
		}
	}
	assert.True(t, sawUpdate)

	err := g.CloseIssue(ctx, "gt-1", "Sage", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied close")

	require.NoError(t, g.CloseIssue(ctx, "gt-1", "Forge", "complete"))
}

func TestAddDependencyValidatesEndpoints(t *testing.T) {
	fake := &fakeBeads{issues: map[string]string{
		"gt-1": issueJSON("gt-1", "open", ""),
		"gt-2": issueJSON("gt-2", "open", ""),
	}}
	g, _ := newTestBeadsGuard(fake)
	ctx := context.Background()

	err := g.AddDependency(ctx, "gt-1", "gt-404", "blocks", "ProjectMinder")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	require.NoError(t, g.AddDependency(ctx, "gt-1", "gt-2", "blocks", "ProjectMinder"))
}
