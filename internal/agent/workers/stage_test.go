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
)

func TestStageWorkerStandardFlow(t *testing.T) {
	root := t.TempDir()
	docs := filepath.Join(root, "aidlc-docs", "inception", "requirements")
	require.NoError(t, os.MkdirAll(docs, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "vision.md"), []byte("# Vision\nAdd numbers.\n"), 0644))

	mock := &llm.MockClient{Responses: []string{
		"Requirements analysed.\nartifact: aidlc-docs/inception/requirements/requirements.md\n",
	}}
	w := NewStageWorker(dispatch.WorkerSage, mock, nil)

	d := dispatch.NewDispatch(dispatch.StageRequirementsAnalysis, "gt-1", "calc", root)
	d.InputArtifacts = []string{"aidlc-docs/inception/requirements/vision.md"}

	c, err := w.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Equal(t, []string{"aidlc-docs/inception/requirements/requirements.md"}, c.OutputArtifacts)
	assert.Contains(t, c.Summary, "Requirements analysed.")

	// The prompt carries the system prompt, dispatch metadata and context.
	require.Len(t, mock.Prompts, 1)
	assert.Contains(t, mock.Prompts[0], "You are Sage")
	assert.Contains(t, mock.Prompts[0], "**Stage**: requirements-analysis")
	assert.Contains(t, mock.Prompts[0], "Add numbers.")
}

func TestStageWorkerFlagsRework(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{"Error: the design artifact is missing critical sections"}}
	w := NewStageWorker(dispatch.WorkerArchitect, mock, nil)

	c, err := w.Execute(context.Background(), dispatch.NewDispatch(dispatch.StageApplicationDesign, "gt-2", "calc", t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusNeedsRework, c.Status)
	assert.NotEmpty(t, c.ReworkReason)
}

func TestStageWorkerStages(t *testing.T) {
	w := NewStageWorker(dispatch.WorkerScout, &llm.MockClient{}, nil)
	assert.Equal(t, dispatch.WorkerScout, w.Type())
	assert.True(t, w.CanHandle(dispatch.StageWorkspaceDetection))
	assert.True(t, w.CanHandle(dispatch.StageReverseEngineering))
	assert.False(t, w.CanHandle(dispatch.StageCodeGeneration))

	troop := NewTroop(&llm.MockClient{}, nil)
	assert.True(t, troop.CanHandle("anything-at-all"))
}
