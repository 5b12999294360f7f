package guard

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGit replays canned responses keyed by the first matching argument
// prefix and records every invocation.
type fakeGit struct {
	calls     [][]string
	responses map[string]string
	failures  map[string]bool
}

func (f *fakeGit) runner() GitRunner {
	return func(ctx context.Context, dir string, check bool, args ...string) (string, bool, error) {
		f.calls = append(f.calls, args)
		key := strings.Join(args, " ")
		for prefix, out := range f.responses {
			if strings.HasPrefix(key, prefix) {
				return out, true, nil
			}
		}
		for prefix := range f.failures {
			if strings.HasPrefix(key, prefix) {
				return "", false, nil
			}
		}
		return "", true, nil
	}
}

func newTestGitGuard(fake *fakeGit) (*GitGuard, *AuditLog) {
	audit := NewAuditLog(nil, "", nil)
	return NewGitGuard(audit, "/work", fake.runner()), audit
}

func TestStatusParsesPorcelain(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"status": "## aidlc/gt-4-code...origin/aidlc/gt-4-code\nM  staged.go\n M dirty.go\n?? new.go\n",
	}}
	g, _ := newTestGitGuard(fake)

	status, err := g.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "aidlc/gt-4-code", status.Branch)
	assert.False(t, status.Clean)
	assert.Equal(t, []string{"staged.go"}, status.Staged)
	assert.Equal(t, []string{"dirty.go"}, status.Modified)
	assert.Equal(t, []string{"new.go"}, status.Untracked)
}

func TestCreateBranchRequiresPrefix(t *testing.T) {
	fake := &fakeGit{}
	g, audit := newTestGitGuard(fake)
	ctx := context.Background()

	err := g.CreateBranch(ctx, "feature/thing", "Forge", "main")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aidlc/")
	assert.Empty(t, fake.calls)

	err = g.CreateBranch(ctx, "aidlc/Bad Name", "Forge", "main")
	require.Error(t, err)

	require.NoError(t, g.CreateBranch(ctx, "aidlc/gt-4-code", "Forge", "main"))
	require.NotEmpty(t, fake.calls)
	assert.Equal(t, []string{"checkout", "-b", "aidlc/gt-4-code", "main"}, fake.calls[len(fake.calls)-1])

	recent := audit.Recent(0)
	assert.Equal(t, ResultDenied, recent[0].Result)
	assert.Equal(t, ResultAllowed, recent[len(recent)-1].Result)
}

func TestCheckoutRequiresCleanTree(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"status": "## aidlc/gt-4-code\n M dirty.go\n",
	}}
	g, _ := newTestGitGuard(fake)

	err := g.CheckoutBranch(context.Background(), "main", "Forge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not clean")
}

func TestCommitDeniedOnProtectedBranch(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"status": "## main\n",
	}}
	g, audit := newTestGitGuard(fake)

	_, err := g.Commit(context.Background(), "[gt-1] change", []string{"src/a.go"}, "Forge", "gt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protected branch")

	recent := audit.Recent(1)
	assert.Equal(t, ResultDenied, recent[0].Result)
}

func TestCommitPrependsIssuePrefix(t *testing.T) {
	fake := &fakeGit{responses: map[string]string{
		"status":    "## aidlc/gt-4-code\n M src/a.go\n",
		"rev-parse": "abc123\n",
	}}
	g, _ := newTestGitGuard(fake)

	hash, err := g.Commit(context.Background(), "implement adder", []string{"src/a.go"}, "Forge", "gt-4")
	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)

	var commitMsg string
	for _, call := range fake.calls {
		if call[0] == "commit" {
			commitMsg = call[2]
		}
	}
	assert.Equal(t, "[gt-4] implement adder", commitMsg)
}

func TestMergeConflictAbortsAndDenies(t *testing.T) {
	fake := &fakeGit{
		responses: map[string]string{
			"diff --name-only": "src/a.go\nsrc/b.go\n",
		},
		failures: map[string]bool{"merge aidlc/gt-4-code": true},
	}
	g, audit := newTestGitGuard(fake)

	result, err := g.Merge(context.Background(), "aidlc/gt-4-code", "aidlc/integration", "ProjectMinder")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"src/a.go", "src/b.go"}, result.Conflicts)

	aborted := false
	for _, call := range fake.calls {
		if strings.Join(call, " ") == "merge --abort" {
			aborted = true
		}
	}
	assert.True(t, aborted)

	recent := audit.Recent(1)
	assert.Equal(t, ResultDenied, recent[0].Result)
}

func TestMergeToProtectedBranchDenied(t *testing.T) {
	fake := &fakeGit{}
	g, _ := newTestGitGuard(fake)

	_, err := g.Merge(context.Background(), "aidlc/gt-4-code", "main", "ProjectMinder")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protected branch")
	assert.Empty(t, fake.calls)
}
