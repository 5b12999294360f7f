package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troop/internal/dispatch"
	"troop/internal/errkit"
)

type scriptedWorker struct {
	agentType string
	fn        func(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error)
	calls     int
}

func (w *scriptedWorker) Type() string { return w.agentType }

func (w *scriptedWorker) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	w.calls++
	return w.fn(ctx, d)
}

func fastRetry() errkit.RetryConfig {
	return errkit.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestHandleDispatchSuccess(t *testing.T) {
	w := &scriptedWorker{agentType: "Scout", fn: func(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
		return dispatch.Completed(d, "surveyed", nil), nil
	}}
	h := NewHandler(w, nil, nil)
	h.retry = fastRetry()

	c := h.HandleDispatch(context.Background(), dispatch.NewDispatch("workspace-detection", "gt-1", "proj", "/tmp"))
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Equal(t, 1, w.calls)
}

func TestHandleDispatchRetriesTransient(t *testing.T) {
	w := &scriptedWorker{agentType: "Sage"}
	w.fn = func(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
		if w.calls < 3 {
			return dispatch.Completion{}, errkit.NewTransient(errors.New("model overloaded"), "rate limited")
		}
		return dispatch.Completed(d, "ok", nil), nil
	}
	h := NewHandler(w, nil, nil)
	h.retry = fastRetry()

	c := h.HandleDispatch(context.Background(), dispatch.NewDispatch("requirements-analysis", "gt-2", "proj", "/tmp"))
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Equal(t, 3, w.calls)
}

func TestHandleDispatchPermanentFailure(t *testing.T) {
	w := &scriptedWorker{agentType: "Forge", fn: func(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
		return dispatch.Completion{}, errkit.NewPermanent(errors.New("bad input"), "design artifact is unreadable")
	}}
	h := NewHandler(w, nil, nil)
	h.retry = fastRetry()

	c := h.HandleDispatch(context.Background(), dispatch.NewDispatch("code-generation", "gt-3", "proj", "/tmp"))
	assert.Equal(t, dispatch.StatusFailed, c.Status)
	assert.Contains(t, c.ErrorDetail, "design artifact is unreadable")
	assert.Equal(t, 1, w.calls)
}

func TestLoadContext(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "aidlc-docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "aidlc-docs", "vision.md"), []byte("# Vision\n"), 0644))

	d := dispatch.Dispatch{
		WorkspaceRoot:  root,
		InputArtifacts: []string{"aidlc-docs/vision.md"},
		ReferenceDocs:  []string{"aidlc-docs/missing.md"},
	}

	loaded := LoadContext(d)
	assert.Contains(t, loaded, "--- aidlc-docs/vision.md ---")
	assert.Contains(t, loaded, "# Vision")
	assert.Contains(t, loaded, "--- aidlc-docs/missing.md --- (not found)")
}

func TestBuildStagePrompt(t *testing.T) {
	d := dispatch.NewDispatch("user-stories", "gt-4", "shop", "/work")
	d.ReviewGateID = "gt-5"
	d.UnitName = "cart"

	prompt := BuildStagePrompt("You are Bard.", d, "--- doc ---\ncontent\n")
	assert.Contains(t, prompt, "You are Bard.")
	assert.Contains(t, prompt, "**Stage**: user-stories")
	assert.Contains(t, prompt, "**Review Gate**: gt-5")
	assert.Contains(t, prompt, "**Unit**: cart")
	assert.Contains(t, prompt, "## Input Context (Loaded Artifacts)")
	assert.Contains(t, prompt, "Execute the **user-stories** stage.")
}

func TestToolRegistry(t *testing.T) {
	assert.True(t, CanUseTool(dispatch.WorkerScout, "read_file"))
	assert.False(t, CanUseTool(dispatch.WorkerScout, "git_commit"))
	assert.True(t, CanUseTool(dispatch.WorkerGuard, "git_merge"))
	assert.False(t, CanUseTool("Mystery", "read_file"))

	tools := AllowedTools(dispatch.WorkerForge)
	assert.Contains(t, tools, "write_code_file")

	// Mutating the returned slice must not affect the registry.
	tools[0] = "tampered"
	assert.NotContains(t, AllowedTools(dispatch.WorkerForge), "tampered")

	assert.Empty(t, AllowedTools("Mystery"))
}
