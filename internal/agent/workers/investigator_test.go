package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troop/internal/dispatch"
	"troop/internal/llm"
)

func TestInvestigatorSuggestsFix(t *testing.T) {
	bus, calls := newBus(t)
	mock := &llm.MockClient{Responses: []string{
		`Analysis follows.
{"root_cause": "missing design artifact", "fix_suggested": true,
 "fix_description": "regenerate the design doc", "target_agent": "Architect"}`,
	}}
	cg := NewCuriousGeorge(mock, bus, nil, nil)

	d := dispatch.NewDispatch(dispatch.StageApplicationDesign, "gt-7", "calc", t.TempDir())
	d.Instructions = `{"error_message": "file not found", "source_agent": "Forge", "affected_issue_id": "gt-7"}`

	c, err := cg.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, c.Status)
	assert.Contains(t, c.Summary, "Fix suggested to Architect")

	sent, ok := findCall(*calls, "send_message")
	require.True(t, ok)
	assert.Equal(t, "gt-7-error", sent.Args["thread_id"])
	assert.Equal(t, []any{"Architect"}, sent.Args["to"])
}

func TestInvestigatorEscalates(t *testing.T) {
	bus, calls := newBus(t)
	mock := &llm.MockClient{Responses: []string{
		`{"root_cause": "corrupted workspace", "fix_suggested": false,
 "escalation_reason": "requires manual intervention"}`,
	}}
	cg := NewCuriousGeorge(mock, bus, nil, nil)

	d := dispatch.NewDispatch(dispatch.StageCodeGeneration, "gt-8", "calc", t.TempDir())
	d.Instructions = `{"error_message": "disk full", "source_agent": "Forge"}`

	c, err := cg.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Contains(t, c.Summary, "Escalated to Harmbe")

	sent, ok := findCall(*calls, "send_message")
	require.True(t, ok)
	assert.Equal(t, "gt-8-escalation", sent.Args["thread_id"])
	assert.Equal(t, []any{"Harmbe"}, sent.Args["to"])
}

func TestInvestigatorUnparseableAnalysisEscalates(t *testing.T) {
	bus, calls := newBus(t)
	mock := &llm.MockClient{Responses: []string{"I think something broke but I'm not sure what."}}
	cg := NewCuriousGeorge(mock, bus, nil, nil)

	d := dispatch.NewDispatch(dispatch.StageBuildAndTest, "gt-9", "calc", t.TempDir())
	d.Instructions = "plain text error"

	c, err := cg.Execute(context.Background(), d)
	require.NoError(t, err)
	assert.Contains(t, c.Summary, "Escalated")

	sent, ok := findCall(*calls, "send_message")
	require.True(t, ok)
	assert.Equal(t, "gt-9-escalation", sent.Args["thread_id"])
}

func TestParseAnalysisRepairsSloppyJSON(t *testing.T) {
	// Trailing comma would fail encoding/json; the repair pass recovers it.
	a := parseAnalysis(`{"root_cause": "x", "fix_suggested": true, "target_agent": "Sage",}`, nil)
	assert.True(t, a.FixSuggested)
	assert.Equal(t, "Sage", a.TargetAgent)
}

func TestExtractJSONObject(t *testing.T) {
	raw, ok := extractJSONObject(`prefix {"a": {"b": 1}} suffix {"c": 2}`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": 1}}`, raw)

	_, ok = extractJSONObject("no json here")
	assert.False(t, ok)

	_, ok = extractJSONObject(`{"unbalanced": true`)
	assert.False(t, ok)
}
