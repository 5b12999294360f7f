package review

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troop/internal/agent/workers"
	"troop/internal/beads"
	"troop/internal/dispatch"
	"troop/internal/mail"
)

const gateNotes = "gate-for: gt-2\nartifact: aidlc-docs/inception/requirements-analysis/requirements.md"

// recordingStore is a minimal bd CLI fake serving canned show/list output
// and recording every invocation.
type recordingStore struct {
	mu    sync.Mutex
	shows map[string]string
	lists map[string]string
	calls [][]string
}

func (s *recordingStore) runner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)

	switch args[0] {
	case "show":
		if out, ok := s.shows[args[1]]; ok {
			return []byte(out), nil
		}
		return nil, assert.AnError
	case "list":
		if out, ok := s.lists[strings.Join(args, " ")]; ok {
			return []byte(out), nil
		}
		return []byte("[]"), nil
	}
	return []byte(""), nil
}

func (s *recordingStore) updateArgs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c[0] == "update" {
			return c
		}
	}
	return nil
}

type spawnCall struct {
	AgentType string
	Input     string
}

type fakeSpawner struct {
	mu    sync.Mutex
	calls []spawnCall
}

func (f *fakeSpawner) Spawn(ctx context.Context, agentType, input string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spawnCall{agentType, input})
	return "inst-1", nil
}

type eventRec struct {
	Event   string
	Project string
	Payload map[string]any
}

type fakeEvents struct {
	mu     sync.Mutex
	events []eventRec
}

func (f *fakeEvents) Broadcast(event, projectKey string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventRec{event, projectKey, payload})
}

type busCall struct {
	Name string
	Args map[string]any
}

func newBus(t *testing.T) (*mail.Client, *[]busCall) {
	t.Helper()
	var calls []busCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req struct {
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		calls = append(calls, busCall{Name: req.Params.Name, Args: req.Params.Arguments})

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	t.Cleanup(srv.Close)

	return mail.NewClient(srv.URL, nil), &calls
}

func findCall(calls []busCall, name string) (busCall, bool) {
	for _, c := range calls {
		if c.Name == name {
			return c, true
		}
	}
	return busCall{}, false
}

func gateJSON(notes string) string {
	issue := map[string]any{
		"id":     "gt-5",
		"title":  "Review: Analyse requirements",
		"status": "open",
		"labels": []string{"phase:inception", "type:review-gate"},
		"notes":  notes,
	}
	out, _ := json.Marshal(issue)
	return string(out)
}

func newMachine(t *testing.T, store *recordingStore) (*Machine, *fakeSpawner, *fakeEvents, *[]busCall) {
	t.Helper()
	bus, calls := newBus(t)
	spawner := &fakeSpawner{}
	events := &fakeEvents{}
	m := NewMachine(beads.NewClient("", store.runner, nil), bus, spawner, events, nil)
	return m, spawner, events, calls
}

func TestListGates(t *testing.T) {
	store := &recordingStore{lists: map[string]string{
		"list --status open --label type:review-gate --json": "[" + gateJSON(gateNotes) + "]",
	}}
	m, _, _, _ := newMachine(t, store)

	gates, err := m.List(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Len(t, gates, 1)

	assert.Equal(t, "gt-5", gates[0].IssueID)
	assert.Equal(t, "Analyse requirements", gates[0].StageName)
	assert.Equal(t, "aidlc-docs/inception/requirements-analysis/requirements.md", gates[0].ArtifactPath)
	assert.Equal(t, "open", gates[0].Status)
}

func TestGateDetailLoadsArtifact(t *testing.T) {
	root := t.TempDir()
	artifact := filepath.Join(root, "aidlc-docs", "inception", "requirements-analysis", "requirements.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
	require.NoError(t, os.WriteFile(artifact, []byte("# Requirements\n"), 0o644))

	store := &recordingStore{shows: map[string]string{"gt-5": gateJSON(gateNotes)}}
	m, _, _, _ := newMachine(t, store)

	gate, err := m.Detail(context.Background(), root, "gt-5")
	require.NoError(t, err)
	assert.Equal(t, "# Requirements\n", gate.ArtifactContent)
	assert.Equal(t, gateNotes, gate.Notes)
}

func TestApproveWithFeedback(t *testing.T) {
	store := &recordingStore{shows: map[string]string{"gt-5": gateJSON(gateNotes)}}
	m, spawner, events, calls := newMachine(t, store)

	res, err := m.Approve(context.Background(), "calc", t.TempDir(), "gt-5", "looks good", "")
	require.NoError(t, err)

	assert.Equal(t, "approved", res.Decision)
	assert.Equal(t, "dispatched_next_stage", res.NextAction)
	assert.Contains(t, res.Message, "gt-5 approved")

	update := store.updateArgs()
	require.NotNil(t, update)
	joined := strings.Join(update, " ")
	assert.Contains(t, joined, "--status done")
	assert.Contains(t, joined, "--append-notes APPROVED. Feedback: looks good")

	// The supervisor is spawned to advance the pipeline.
	require.Len(t, spawner.calls, 1)
	assert.Equal(t, dispatch.WorkerSupervisor, spawner.calls[0].AgentType)
	var d dispatch.Dispatch
	require.NoError(t, json.Unmarshal([]byte(spawner.calls[0].Input), &d))
	assert.Contains(t, d.Instructions, `"action":"advance"`)
	assert.Equal(t, "calc", d.ProjectKey)

	require.Len(t, events.events, 1)
	assert.Equal(t, EventApproved, events.events[0].Event)
	assert.Equal(t, map[string]any{"issue_id": "gt-5"}, events.events[0].Payload)

	sent, ok := findCall(*calls, "send_message")
	require.True(t, ok)
	assert.Equal(t, "Review approved: gt-5", sent.Args["subject"])
	assert.Equal(t, []any{"ProjectMinder"}, sent.Args["to"])
	assert.Equal(t, "gt-5-review", sent.Args["thread_id"])
	body, _ := sent.Args["body"].(string)
	assert.Contains(t, body, "Feedback: looks good")
}

func TestApproveWithoutFeedback(t *testing.T) {
	store := &recordingStore{shows: map[string]string{"gt-5": gateJSON(gateNotes)}}
	m, _, _, calls := newMachine(t, store)

	_, err := m.Approve(context.Background(), "calc", t.TempDir(), "gt-5", "", "")
	require.NoError(t, err)

	joined := strings.Join(store.updateArgs(), " ")
	assert.Contains(t, joined, "--append-notes APPROVED.")
	assert.NotContains(t, joined, "Feedback:")

	sent, ok := findCall(*calls, "send_message")
	require.True(t, ok)
	body, _ := sent.Args["body"].(string)
	assert.Contains(t, body, "Feedback: None")
}

func TestApproveWritesEditedContent(t *testing.T) {
	root := t.TempDir()
	rel := "aidlc-docs/inception/requirements-analysis/requirements.md"
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("old draft"), 0o644))

	store := &recordingStore{shows: map[string]string{"gt-5": gateJSON(gateNotes)}}
	m, _, _, _ := newMachine(t, store)

	_, err := m.Approve(context.Background(), "calc", root, "gt-5", "", "# Final requirements\n")
	require.NoError(t, err)

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "# Final requirements\n", string(data))
}

func TestRejectRequiresFeedback(t *testing.T) {
	store := &recordingStore{shows: map[string]string{"gt-5": gateJSON(gateNotes)}}
	m, spawner, _, _ := newMachine(t, store)

	_, err := m.Reject(context.Background(), "calc", t.TempDir(), "gt-5", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback is required")
	assert.Empty(t, spawner.calls)
	assert.Nil(t, store.updateArgs())
}

func TestRejectDispatchesRework(t *testing.T) {
	notes := gateNotes + "\nREJECTED: too vague"
	store := &recordingStore{shows: map[string]string{"gt-5": gateJSON(notes)}}
	m, spawner, events, _ := newMachine(t, store)

	res, err := m.Reject(context.Background(), "calc", t.TempDir(), "gt-5", "needs error cases")
	require.NoError(t, err)

	assert.Equal(t, "rejected", res.Decision)
	assert.Equal(t, "dispatched_rework", res.NextAction)

	joined := strings.Join(store.updateArgs(), " ")
	assert.Contains(t, joined, "--append-notes REJECTED: needs error cases")

	require.Len(t, spawner.calls, 1)
	assert.Equal(t, dispatch.WorkerRework, spawner.calls[0].AgentType)

	var d dispatch.Dispatch
	require.NoError(t, json.Unmarshal([]byte(spawner.calls[0].Input), &d))
	assert.Equal(t, "gt-5", d.ReviewGateID)

	var req workers.ReworkRequest
	require.NoError(t, json.Unmarshal([]byte(d.Instructions), &req))
	assert.Equal(t, "gt-5", req.ReviewGateID)
	assert.Equal(t, "needs error cases", req.Feedback)
	assert.Equal(t, "aidlc-docs/inception/requirements-analysis/requirements.md", req.ArtifactPath)
	// One rejection already on the gate, so this retry is the second.
	assert.Equal(t, 1, req.RetryCount)

	require.Len(t, events.events, 1)
	assert.Equal(t, EventRejected, events.events[0].Event)
	assert.Equal(t, "needs error cases", events.events[0].Payload["feedback"])
}

func TestExtractArtifactPath(t *testing.T) {
	cases := []struct {
		notes string
		want  string
	}{
		{"artifact: aidlc-docs/a.md", "aidlc-docs/a.md"},
		{"gate-for: gt-2\nartifact: aidlc-docs/b.md\nmore", "aidlc-docs/b.md"},
		{"no reference here", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractArtifactPath(tc.notes))
	}
}
