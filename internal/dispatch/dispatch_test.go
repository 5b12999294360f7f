package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoundTrip(t *testing.T) {
	d := Dispatch{
		StageName:      StageRequirementsAnalysis,
		StageType:      "task",
		IssueID:        "gt-5",
		ReviewGateID:   "gt-6",
		UnitName:       "billing",
		Phase:          PhaseInception,
		InputArtifacts: []string{"aidlc-docs/inception/requirements/vision.md"},
		ReferenceDocs:  []string{"tech-env.md"},
		ProjectKey:     "sci-calc",
		WorkspaceRoot:  "/work/sci-calc",
		WorkerType:     WorkerSage,
		Instructions:   `{"action":"advance"}`,
	}

	data, err := d.Encode()
	require.NoError(t, err)

	decoded, err := DecodeDispatch(data)
	require.NoError(t, err)
	assert.Equal(t, d, decoded)
}

func TestCompletionRoundTrip(t *testing.T) {
	c := Completion{
		StageName:       StageCodeGeneration,
		IssueID:         "gt-12",
		Status:          StatusCompleted,
		OutputArtifacts: []string{"src/calc.py", "src/calc_test.py"},
		Summary:         "Generated calculator module",
		DiscoveredWork: []DiscoveredWork{
			{Title: "Add overflow handling", IssueType: "task", Priority: 3},
		},
	}

	data, err := c.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCompletion(data)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestDecodeDispatchRejectsGarbage(t *testing.T) {
	_, err := DecodeDispatch([]byte("not json"))
	require.Error(t, err)
}

func TestNewDispatchResolvesWorker(t *testing.T) {
	d := NewDispatch(StageBuildAndTest, "gt-9", "demo", "/work/demo")
	assert.Equal(t, WorkerCrucible, d.WorkerType)
	assert.Equal(t, PhaseInception, d.Phase)
}

func TestWorkerForStageIsTotal(t *testing.T) {
	for _, stage := range SupportedStages() {
		worker := WorkerForStage(stage)
		assert.NotEmpty(t, worker, "stage %s resolved to empty worker", stage)
		assert.NotEqual(t, WorkerTroop, worker, "supported stage %s fell through to generic worker", stage)
	}
}

func TestWorkerForStageFallsBack(t *testing.T) {
	assert.Equal(t, WorkerTroop, WorkerForStage("interpretive-dance"))
	assert.Equal(t, WorkerTroop, WorkerForStage(""))
}

func TestCompletionConstructors(t *testing.T) {
	d := NewDispatch(StageUserStories, "gt-3", "demo", "/work/demo")

	done := Completed(d, "wrote stories", []string{"stories.md"})
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "gt-3", done.IssueID)

	failed := Failed(d, "llm unavailable")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "llm unavailable", failed.ErrorDetail)

	rework := NeedsRework(d, "response flagged failure")
	assert.Equal(t, StatusNeedsRework, rework.Status)
	assert.Equal(t, "response flagged failure", rework.ReworkReason)
}
