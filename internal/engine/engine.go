// Package engine runs agent invocations under a global concurrency
// ceiling. Each spawn is admitted through a weighted semaphore, executed
// on its own goroutine with a hard timeout, and tracked as an instance
// the rest of the system can inspect and stop.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"troop/internal/logging"
)

// Instance lifecycle statuses.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusError    = "error"
)

// stopGrace is how long Stop waits for a cooperative exit before the
// instance is forced to stopped.
const stopGrace = 5 * time.Second

// Runner executes one agent invocation. The input is the encoded dispatch
// envelope; the returned output is recorded on the instance.
type Runner func(ctx context.Context, input string) (string, error)

// Instance is a point-in-time snapshot of one agent invocation.
type Instance struct {
	ID         string
	Type       string
	ProjectKey string
	Input      string
	Status     string
	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
	Output     string
	Err        string
}

// Active reports whether the instance still occupies or awaits a slot.
func (i Instance) Active() bool {
	return i.Status == StatusStarting || i.Status == StatusRunning || i.Status == StatusStopping
}

type instance struct {
	mu   sync.Mutex
	snap Instance

	cancel      context.CancelFunc
	admitCancel context.CancelFunc
	admitted    bool
	stopped     bool
	done        chan struct{}
	release     sync.Once
}

func (i *instance) snapshot() Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snap
}

func (i *instance) setStatus(status string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snap.Status = status
}

// Engine admits, runs and tracks agent invocations.
type Engine struct {
	mu        sync.Mutex
	runners   map[string]Runner
	instances map[string]*instance
	shutdown  bool

	sem     *semaphore.Weighted
	timeout time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	log     logging.Logger
	metrics *Metrics
}

// New builds an engine with the given concurrency ceiling and per-run
// timeout. metrics may be nil.
func New(ceiling int64, timeout time.Duration, metrics *Metrics, log logging.Logger) *Engine {
	if ceiling < 1 {
		ceiling = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		runners:    make(map[string]Runner),
		instances:  make(map[string]*instance),
		sem:        semaphore.NewWeighted(ceiling),
		timeout:    timeout,
		rootCtx:    ctx,
		rootCancel: cancel,
		log:        logging.OrNop(log),
		metrics:    metrics,
	}
}

// RegisterRunner binds an agent type to a runner. Re-registering replaces
// the previous runner.
func (e *Engine) RegisterRunner(agentType string, runner Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[agentType] = runner
}

func newInstanceID(agentType string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		now := time.Now().UnixNano()
		buf = []byte{byte(now >> 24), byte(now >> 16), byte(now >> 8), byte(now)}
	}
	return agentType + "-" + hex.EncodeToString(buf)
}

// projectKeyOf pulls the project key out of a dispatch-envelope input so
// the instance can be attributed to a project. Non-dispatch inputs yield
// an empty key.
func projectKeyOf(input string) string {
	var meta struct {
		ProjectKey string `json:"project_key"`
	}
	_ = json.Unmarshal([]byte(input), &meta)
	return meta.ProjectKey
}

// Spawn queues one invocation of agentType and returns its instance id.
// The call returns immediately; admission and execution happen on a
// background goroutine. The run timeout starts at admission, so time
// spent waiting for a slot does not count against the agent. A missing
// runner is not a spawn error: the instance is recorded and immediately
// transitions to error.
func (e *Engine) Spawn(ctx context.Context, agentType, input string) (string, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return "", fmt.Errorf("engine is shutting down, not accepting new agents")
	}
	runner, ok := e.runners[agentType]
	id := newInstanceID(agentType)
	inst := &instance{
		snap: Instance{
			ID:         id,
			Type:       agentType,
			ProjectKey: projectKeyOf(input),
			Input:      input,
			Status:     StatusStarting,
			CreatedAt:  time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	e.instances[id] = inst
	if !ok {
		inst.snap.Status = StatusError
		inst.snap.Err = fmt.Sprintf("no runner registered for agent type %q", agentType)
		close(inst.done)
		e.mu.Unlock()
		e.metrics.spawned(agentType, StatusError)
		return id, nil
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(inst, runner)
	return id, nil
}

// finishUnrun marks an instance that never executed its runner as stopped
// and signals completion. A status already forced terminal by Stop is kept.
func (e *Engine) finishUnrun(inst *instance, agentType, reason string) {
	inst.mu.Lock()
	if inst.snap.Status != StatusStopped && inst.snap.Status != StatusError {
		inst.snap.Status = StatusStopped
		inst.snap.Err = reason
		inst.snap.EndedAt = time.Now().UTC()
	}
	inst.mu.Unlock()
	close(inst.done)
	e.metrics.spawned(agentType, StatusStopped)
}

func (e *Engine) run(inst *instance, runner Runner) {
	defer e.wg.Done()

	snap := inst.snapshot()

	// Admission waits on a per-instance context so Stop can abort an agent
	// still queued for a slot without touching the semaphore.
	admitCtx, admitCancel := context.WithCancel(e.rootCtx)
	inst.mu.Lock()
	inst.admitCancel = admitCancel
	stopEarly := inst.stopped
	inst.mu.Unlock()
	if stopEarly {
		admitCancel()
	}

	err := e.sem.Acquire(admitCtx, 1)
	admitCancel()
	if err != nil {
		reason := "agent stopped before admission"
		if e.rootCtx.Err() != nil {
			reason = "engine shut down before the agent was admitted"
		}
		e.finishUnrun(inst, snap.Type, reason)
		return
	}
	e.metrics.slotAcquired()
	releaseSlot := func() {
		inst.release.Do(func() {
			e.sem.Release(1)
			e.metrics.slotReleased()
		})
	}
	defer releaseSlot()

	runCtx, cancel := context.WithTimeout(e.rootCtx, e.timeout)
	defer cancel()

	inst.mu.Lock()
	if inst.stopped {
		// Stop won the race between admission and startup; the slot was
		// acquired, so this goroutine gives it back and exits.
		inst.mu.Unlock()
		releaseSlot()
		e.finishUnrun(inst, snap.Type, "agent stopped before it started")
		return
	}
	inst.admitted = true
	inst.snap.Status = StatusRunning
	inst.snap.StartedAt = time.Now().UTC()
	inst.cancel = cancel
	inst.mu.Unlock()

	e.log.Info("Agent %s started", snap.ID)

	output, err := runner(runCtx, snap.Input)
	ended := time.Now().UTC()

	inst.mu.Lock()
	inst.snap.Output = output
	inst.snap.EndedAt = ended
	wasStopping := inst.snap.Status == StatusStopping
	switch {
	case err != nil && runCtx.Err() == context.DeadlineExceeded:
		inst.snap.Status = StatusError
		inst.snap.Err = fmt.Sprintf("agent timed out after %s", e.timeout)
	case err != nil && wasStopping:
		inst.snap.Status = StatusStopped
	case err != nil:
		inst.snap.Status = StatusError
		inst.snap.Err = err.Error()
	default:
		inst.snap.Status = StatusStopped
	}
	finalStatus := inst.snap.Status
	errText := inst.snap.Err
	started := inst.snap.StartedAt
	inst.mu.Unlock()

	close(inst.done)

	// Runner failures are recorded on the instance, not propagated; the
	// caller already moved on when Spawn returned.
	if errText != "" {
		e.log.Error("Agent %s finished with status %s: %s", snap.ID, finalStatus, errText)
	} else {
		e.log.Info("Agent %s finished with status %s", snap.ID, finalStatus)
	}
	e.metrics.spawned(snap.Type, finalStatus)
	e.metrics.observeDuration(snap.Type, ended.Sub(started).Seconds())
}

// Stop requests a graceful stop of one instance, waiting up to five
// seconds before forcing it to stopped and releasing its slot. An
// instance still queued for admission is aborted without ever running.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent instance: %s", id)
	}

	snap := inst.snapshot()
	if !snap.Active() {
		return nil
	}

	inst.mu.Lock()
	if inst.snap.Status == StatusRunning {
		inst.snap.Status = StatusStopping
	}
	inst.stopped = true
	cancel := inst.cancel
	admitCancel := inst.admitCancel
	inst.mu.Unlock()
	if cancel != nil {
		cancel()
	} else if admitCancel != nil {
		admitCancel()
	}

	select {
	case <-inst.done:
		return nil
	case <-time.After(stopGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	// The runner did not exit in time. Mark the instance stopped and free
	// its slot so the stuck goroutine cannot starve the pool. Only an
	// admitted instance holds a slot; releasing for a queued one would
	// inflate the ceiling.
	inst.mu.Lock()
	if inst.snap.Status == StatusStopping || inst.snap.Status == StatusStarting {
		inst.snap.Status = StatusStopped
		inst.snap.Err = "agent did not stop within grace period, slot reclaimed"
		inst.snap.EndedAt = time.Now().UTC()
	}
	admitted := inst.admitted
	inst.mu.Unlock()
	if admitted {
		inst.release.Do(func() {
			e.sem.Release(1)
			e.metrics.slotReleased()
		})
	}
	e.log.Warn("Agent %s forced to stop after grace period", id)
	return nil
}

// Get returns a snapshot of one instance.
func (e *Engine) Get(id string) (Instance, bool) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return Instance{}, false
	}
	return inst.snapshot(), true
}

// Wait blocks until the instance reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, id string) (Instance, error) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return Instance{}, fmt.Errorf("unknown agent instance: %s", id)
	}
	select {
	case <-inst.done:
		return inst.snapshot(), nil
	case <-ctx.Done():
		return Instance{}, ctx.Err()
	}
}

// ListActive returns snapshots of instances that are not yet terminal,
// oldest first.
func (e *Engine) ListActive() []Instance {
	return e.list(true)
}

// ListAll returns snapshots of every tracked instance, oldest first.
func (e *Engine) ListAll() []Instance {
	return e.list(false)
}

func (e *Engine) list(activeOnly bool) []Instance {
	e.mu.Lock()
	insts := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	out := make([]Instance, 0, len(insts))
	for _, inst := range insts {
		snap := inst.snapshot()
		if activeOnly && !snap.Active() {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown rejects new spawns, waits up to timeout for running agents to
// finish, then cancels the remainder and forces them to stopped.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		e.rootCancel()
		return
	case <-time.After(timeout):
	}

	e.log.Warn("Shutdown grace expired, cancelling remaining agents")
	e.rootCancel()

	select {
	case <-finished:
	case <-time.After(stopGrace):
		for _, snap := range e.ListActive() {
			e.mu.Lock()
			inst := e.instances[snap.ID]
			e.mu.Unlock()
			inst.mu.Lock()
			inst.snap.Status = StatusStopped
			inst.snap.Err = "engine shut down"
			inst.snap.EndedAt = time.Now().UTC()
			inst.mu.Unlock()
		}
	}
}
