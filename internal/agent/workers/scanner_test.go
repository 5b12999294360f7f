package workers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troop/internal/dispatch"
	"troop/internal/llm"
	"troop/internal/logging"
	"troop/internal/scribe"
)

func writeWorkspaceFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
}

func TestSnakeScanPassesAndWritesReport(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "aidlc-docs/construction/plan.md", "# Plan\nBuild the adder.\n")
	writeWorkspaceFile(t, root, "src/adder.go", "package adder\n\nfunc Add(a, b int) int { return a + b }\n")

	mock := &llm.MockClient{Responses: []string{
		`{"findings": [], "summary": "No issues found.", "passed": true}`,
	}}
	s := NewSnake(mock, nil)

	d := dispatch.NewDispatch(dispatch.StageCodeGeneration, "gt-5", "calc", root)
	d.Phase = dispatch.PhaseConstruction
	d.Instructions = `{"stage_name": "code-generation",
		"artifact_paths": ["aidlc-docs/construction/plan.md"],
		"code_paths": ["src/adder.go"]}`

	c, err := s.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Empty(t, c.ReworkReason)
	assert.Contains(t, c.Summary, "PASSED")

	rel := filepath.Join("aidlc-docs", "construction", "code-generation", "security-scan.md")
	assert.Equal(t, []string{rel}, c.OutputArtifacts)

	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<!-- beads-issue: gt-5 -->")
	assert.Contains(t, string(data), "**Result**: PASSED")

	// Both files made it into the analysis prompt.
	require.Len(t, mock.Prompts, 1)
	assert.Contains(t, mock.Prompts[0], "Build the adder.")
	assert.Contains(t, mock.Prompts[0], "func Add")
}

func TestSnakeFailedScanNeedsRework(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "src/db.go", "package db\n\nconst password = \"hunter2\"\n")

	mock := &llm.MockClient{Responses: []string{
		`{"findings": [
			{"category": "secrets", "severity": "critical", "title": "Hardcoded password",
			 "location": "src/db.go", "description": "credential in source",
			 "recommendation": "move to environment configuration"},
			{"category": "injection", "severity": "high", "title": "SQL injection",
			 "location": "src/db.go", "description": "string-built query"},
			{"category": "config", "severity": "low", "title": "Verbose errors"}],
		  "summary": "Two serious findings.", "passed": false}`,
	}}
	s := NewSnake(mock, nil)

	d := dispatch.NewDispatch(dispatch.StageBuildAndTest, "gt-6", "calc", root)
	d.Phase = dispatch.PhaseConstruction
	d.Instructions = `{"code_paths": ["src/db.go"]}`

	c, err := s.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusNeedsRework, c.Status)
	assert.Equal(t, "2 critical/high security findings", c.ReworkReason)

	rel := filepath.Join("aidlc-docs", "construction", "build-and-test", "security-scan.md")
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	assert.Contains(t, string(data), "**Result**: FAILED")
	assert.Contains(t, string(data), "[CRITICAL] Hardcoded password")
	assert.Contains(t, string(data), "[HIGH] SQL injection")
}

func TestSnakeNoFiles(t *testing.T) {
	mock := &llm.MockClient{}
	s := NewSnake(mock, nil)
	assert.Equal(t, dispatch.WorkerScanner, s.Type())

	c, err := s.Execute(context.Background(), dispatch.NewDispatch(dispatch.StageCodeGeneration, "gt-7", "calc", t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Contains(t, c.Summary, "No files provided")
	assert.Zero(t, mock.Calls())
}

func TestSnakeExistingReportNotRecreated(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceFile(t, root, "src/adder.go", "package adder\n")

	store, err := scribe.NewStore(root)
	require.NoError(t, err)
	_, err = store.Create("code-generation", "security-scan", "# Prior scan\n", "gt-5", "", "construction")
	require.NoError(t, err)

	mock := &llm.MockClient{Responses: []string{`{"findings": [], "summary": "ok", "passed": true}`}}
	s := NewSnake(mock, nil)

	d := dispatch.NewDispatch(dispatch.StageCodeGeneration, "gt-5", "calc", root)
	d.Phase = dispatch.PhaseConstruction
	d.Instructions = `{"code_paths": ["src/adder.go"]}`

	c, err := s.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Empty(t, c.OutputArtifacts)

	data, err := os.ReadFile(filepath.Join(root, "aidlc-docs", "construction", "code-generation", "security-scan.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Prior scan")
}

func TestParseScanResultUnparseable(t *testing.T) {
	result := parseScanResult("the scan looked fine to me", logging.OrNop(nil))
	assert.True(t, result.Passed)
	assert.Contains(t, result.Summary, "Manual review recommended")
}

func TestSanitizeStageName(t *testing.T) {
	cases := map[string]string{
		"Code Generation!": "code-generation",
		"build_and_test":   "build-and-test",
		"requirements":     "requirements",
		"  ":               "security-scan",
		"--weird--":        "weird",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeStageName(in), "input %q", in)
	}
}
