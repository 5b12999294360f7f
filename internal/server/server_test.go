package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troop/internal/beads"
	"troop/internal/config"
	"troop/internal/engine"
	"troop/internal/notify"
	"troop/internal/registry"
	"troop/internal/review"
)

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	if deps.Registry == nil {
		reg, err := registry.New(t.TempDir(), nil)
		require.NoError(t, err)
		deps.Registry = reg
	}
	if deps.Queue == nil {
		deps.Queue = notify.NewQueue()
	}
	cfg := config.RuntimeConfig{HTTPAddr: ":0"}
	return New(cfg, deps)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Deps{})

	w := doJSON(t, s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["active_agents"])
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestServer(t, Deps{})
	workspace := t.TempDir()

	w := doJSON(t, s, http.MethodPost, "/api/projects", map[string]string{
		"key": "calc", "name": "Calculator", "workspace_path": workspace,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var project registry.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, "calc", project.Key)
	assert.Equal(t, registry.StatusActive, project.Status)

	// Duplicate keys conflict.
	w = doJSON(t, s, http.MethodPost, "/api/projects", map[string]string{
		"key": "calc", "name": "Calculator", "workspace_path": workspace,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/projects/calc/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, registry.StatusPaused, project.Status)
	assert.NotNil(t, project.PausedAt)

	w = doJSON(t, s, http.MethodGet, "/api/projects?status=paused", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var projects []registry.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	require.Len(t, projects, 1)

	w = doJSON(t, s, http.MethodPost, "/api/projects/calc/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Nil(t, project.PausedAt)

	w = doJSON(t, s, http.MethodDelete, "/api/projects/calc", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/projects/calc", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateProjectValidation(t *testing.T) {
	s := newTestServer(t, Deps{})

	w := doJSON(t, s, http.MethodPost, "/api/projects", map[string]string{"key": "calc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/projects", map[string]string{
		"key": "calc", "name": "Calculator", "workspace_path": "/tmp/../etc",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "path traversal")
}

func TestPauseUnknownProject(t *testing.T) {
	s := newTestServer(t, Deps{})
	w := doJSON(t, s, http.MethodPost, "/api/projects/ghost/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationRoutes(t *testing.T) {
	queue := notify.NewQueue()
	s := newTestServer(t, Deps{Queue: queue})

	n1 := queue.Create(notify.TypeReviewGate, "Review ready", "", "calc", notify.PriorityHigh, "gt-5")
	queue.Create(notify.TypeInfo, "FYI", "", "calc", notify.PriorityInfo, "")
	queue.Create(notify.TypeInfo, "Other project", "", "web", notify.PriorityInfo, "")

	w := doJSON(t, s, http.MethodGet, "/api/projects/calc/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Notifications []notify.Notification `json:"notifications"`
		UnreadCount   int                   `json:"unread_count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Notifications, 2)
	assert.Equal(t, 2, body.UnreadCount)
	assert.Equal(t, "Review ready", body.Notifications[0].Title)

	w = doJSON(t, s, http.MethodPost, "/api/notifications/"+n1.ID+"/read", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/projects/calc/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"marked_read":1`)

	assert.Equal(t, 0, queue.CountUnread("calc"))
	assert.Equal(t, 1, queue.CountUnread("web"))
}

func TestReviewRoutes(t *testing.T) {
	workspace := t.TempDir()
	gate := `{"id":"gt-5","title":"Review: Analyse requirements","status":"open",
		"labels":["type:review-gate"],"notes":"artifact: aidlc-docs/a.md"}`

	runner := func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		joined := strings.Join(args, " ")
		switch {
		case strings.HasPrefix(joined, "list"):
			return []byte("[" + gate + "]"), nil
		case strings.HasPrefix(joined, "show gt-5"):
			return []byte(gate), nil
		}
		return []byte(""), nil
	}
	reviews := review.NewMachine(beads.NewClient("", runner, nil), nil, nil, nil, nil)

	reg, err := registry.New(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = reg.Register("calc", "Calculator", workspace)
	require.NoError(t, err)

	s := newTestServer(t, Deps{Registry: reg, Reviews: reviews})

	w := doJSON(t, s, http.MethodGet, "/api/projects/calc/reviews", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var gates []review.Gate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gates))
	require.Len(t, gates, 1)
	assert.Equal(t, "gt-5", gates[0].IssueID)

	w = doJSON(t, s, http.MethodGet, "/api/projects/calc/reviews/gt-5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Rejection without feedback is a client error.
	w = doJSON(t, s, http.MethodPost, "/api/projects/calc/reviews/gt-5/reject",
		map[string]string{"feedback": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/projects/calc/reviews/gt-5/approve",
		map[string]string{"feedback": "fine"})
	require.Equal(t, http.StatusOK, w.Code)
	var res review.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "approved", res.Decision)

	w = doJSON(t, s, http.MethodGet, "/api/projects/ghost/reviews", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	promReg := prometheus.NewRegistry()
	eng := engine.New(2, time.Minute, engine.NewMetrics(promReg), nil)
	defer eng.Shutdown(0)

	s := newTestServer(t, Deps{Engine: eng, Metrics: promReg})

	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "troop_engine_active_agents")
}

func TestEngineAgentsRoute(t *testing.T) {
	eng := engine.New(2, time.Minute, nil, nil)
	defer eng.Shutdown(0)

	done := make(chan struct{})
	eng.RegisterRunner("Scout", func(ctx context.Context, input string) (string, error) {
		<-done
		return "ok", nil
	})
	id, err := eng.Spawn(context.Background(), "Scout", fmt.Sprintf(`{"project_key":%q}`, "calc"))
	require.NoError(t, err)
	t.Cleanup(func() { close(done) })

	reg, regErr := registry.New(t.TempDir(), nil)
	require.NoError(t, regErr)
	_, regErr = reg.Register("calc", "Calculator", t.TempDir())
	require.NoError(t, regErr)

	s := newTestServer(t, Deps{Engine: eng, Registry: reg})

	w := doJSON(t, s, http.MethodGet, "/api/engine/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = doJSON(t, s, http.MethodGet, "/api/projects/calc/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = doJSON(t, s, http.MethodGet, "/api/projects/calc/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_agents":1`)
}
