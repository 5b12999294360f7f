// Package supervisor drives the per-project workflow graph: it scaffolds
// the stage dependency graph in the issue store, picks the next ready
// stage, dispatches it to a worker through the engine, and records
// completions. Stage advancement is serialized per project.
package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"troop/internal/beads"
	"troop/internal/dispatch"
	"troop/internal/guard"
	"troop/internal/logging"
	"troop/internal/mail"
	"troop/internal/notify"
)

// Actions routed through the supervisor's dispatch instructions.
const (
	ActionInitialize       = "initialize"
	ActionAdvance          = "advance"
	ActionHandleCompletion = "handle_completion"
	ActionRecommendSkip    = "recommend_skip"
	ActionCheckReviewGates = "check_review_gates"
)

// ReviewGateLabel marks issues that encode a human approval checkpoint.
// Review gates are never dispatched to workers.
const ReviewGateLabel = "type:review-gate"

// ConditionalLabel marks stages the supervisor may recommend skipping.
const ConditionalLabel = "conditional"

var artifactRefPattern = regexp.MustCompile(`artifact:\s*(.+?)(?:\n|$)`)

// Spawner is the slice of the engine the supervisor needs.
type Spawner interface {
	Spawn(ctx context.Context, agentType, input string) (string, error)
}

// Supervisor owns workflow advancement for all projects in a process. A
// per-project mutex serializes the read-claim-dispatch window so two
// advancers can never claim the same issue.
type Supervisor struct {
	beads  *beads.Client
	mail   *mail.Client
	engine Spawner
	queue  *notify.Queue
	log    logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a supervisor. mailClient, spawner and queue may be nil; the
// corresponding side effects are skipped.
func New(beadsClient *beads.Client, mailClient *mail.Client, spawner Spawner, queue *notify.Queue, log logging.Logger) *Supervisor {
	return &Supervisor{
		beads:  beadsClient,
		mail:   mailClient,
		engine: spawner,
		queue:  queue,
		log:    logging.OrNop(log),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Supervisor) projectLock(projectKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[projectKey]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[projectKey] = lock
	}
	return lock
}

// stageSpec is one node of the inception scaffold.
type stageSpec struct {
	stage       string
	title       string
	priority    int
	gate        bool
	conditional bool
}

// inceptionPlan is the stage graph created by initialize, in dependency
// order. Conditional stages stay in the chain; skipping them is a human
// decision routed through recommend_skip.
var inceptionPlan = []stageSpec{
	{stage: dispatch.StageWorkspaceDetection, title: "Detect workspace and project type", priority: 1},
	{stage: dispatch.StageReverseEngineering, title: "Reverse-engineer existing codebase", priority: 2, gate: true, conditional: true},
	{stage: dispatch.StageRequirementsAnalysis, title: "Analyse requirements", priority: 1, gate: true},
	{stage: dispatch.StageUserStories, title: "Write user stories", priority: 2, gate: true, conditional: true},
	{stage: dispatch.StageApplicationDesign, title: "Design the application", priority: 2, gate: true, conditional: true},
	{stage: dispatch.StageWorkflowPlanning, title: "Plan the construction workflow", priority: 1, gate: true},
	{stage: dispatch.StageUnitsGeneration, title: "Generate construction work units", priority: 2, gate: true, conditional: true},
}

// Initialize scaffolds the project's inception graph, then advances. The
// scaffold is idempotent: when the project already has open inception
// issues it is left untouched.
func (s *Supervisor) Initialize(ctx context.Context, projectKey, workspaceRoot string) string {
	lock := s.projectLock(projectKey)
	lock.Lock()
	defer lock.Unlock()

	client := s.beads.WithWorkspace(workspaceRoot)
	existing, err := client.ListIssues(ctx, beads.ListFilters{
		Label:  "phase:" + dispatch.PhaseInception,
		Status: beads.StatusOpen,
	})
	if err != nil {
		s.log.Error("[%s] Failed to check existing graph: %v", projectKey, err)
		return fmt.Sprintf("Failed to query issue store: %v", err)
	}
	if len(existing) > 0 {
		s.log.Info("[%s] Workflow graph already initialized (%d open inception issues)", projectKey, len(existing))
		return s.advanceLocked(ctx, projectKey, workspaceRoot)
	}

	if msg, ok := s.scaffold(ctx, projectKey, workspaceRoot); !ok {
		return msg
	}
	return s.advanceLocked(ctx, projectKey, workspaceRoot)
}

func (s *Supervisor) scaffold(ctx context.Context, projectKey, workspaceRoot string) (string, bool) {
	client := s.beads.WithWorkspace(workspaceRoot)
	audit := guard.NewAuditLog(s.mail, projectKey, s.log)
	bg := guard.NewBeadsGuard(audit, client)

	epic, err := bg.CreateIssue(ctx, "Inception phase", dispatch.WorkerSupervisor, beads.CreateOptions{
		IssueType:   "epic",
		Priority:    1,
		Labels:      "phase:" + dispatch.PhaseInception,
		Description: "Umbrella for all inception stages of project " + projectKey + ".",
	})
	if err != nil {
		return fmt.Sprintf("Failed to create inception epic: %v", err), false
	}

	prevID := ""
	for _, spec := range inceptionPlan {
		labels := []string{
			"phase:" + dispatch.PhaseInception,
			"stage:" + spec.stage,
		}
		if spec.conditional {
			labels = append(labels, ConditionalLabel)
		}

		stage, err := bg.CreateIssue(ctx, spec.title, dispatch.WorkerSupervisor, beads.CreateOptions{
			IssueType: "task",
			Priority:  spec.priority,
			Labels:    strings.Join(labels, ","),
		})
		if err != nil {
			return fmt.Sprintf("Failed to create stage %q: %v", spec.stage, err), false
		}
		if err := bg.AddDependency(ctx, stage.ID, epic.ID, "parent-child", dispatch.WorkerSupervisor); err != nil {
			s.log.Warn("[%s] Failed to link %s to epic: %v", projectKey, stage.ID, err)
		}
		if prevID != "" {
			if err := bg.AddDependency(ctx, stage.ID, prevID, "blocks", dispatch.WorkerSupervisor); err != nil {
				return fmt.Sprintf("Failed to wire dependency %s -> %s: %v", prevID, stage.ID, err), false
			}
		}
		prevID = stage.ID

		if !spec.gate {
			continue
		}
		gate, err := bg.CreateIssue(ctx, "Review: "+spec.title, dispatch.WorkerSupervisor, beads.CreateOptions{
			IssueType: "task",
			Priority:  1,
			Labels:    "phase:" + dispatch.PhaseInception + "," + ReviewGateLabel,
			Notes:     "gate-for: " + stage.ID,
		})
		if err != nil {
			return fmt.Sprintf("Failed to create review gate for %q: %v", spec.stage, err), false
		}
		if err := bg.AddDependency(ctx, gate.ID, stage.ID, "blocks", dispatch.WorkerSupervisor); err != nil {
			return fmt.Sprintf("Failed to wire gate dependency for %q: %v", spec.stage, err), false
		}
		prevID = gate.ID
	}

	s.log.Info("[%s] Workflow graph initialized: epic %s plus %d stages", projectKey, epic.ID, len(inceptionPlan))
	return "", true
}

// Advance picks the next ready stage and dispatches it.
func (s *Supervisor) Advance(ctx context.Context, projectKey, workspaceRoot string) string {
	lock := s.projectLock(projectKey)
	lock.Lock()
	defer lock.Unlock()
	return s.advanceLocked(ctx, projectKey, workspaceRoot)
}

func (s *Supervisor) advanceLocked(ctx context.Context, projectKey, workspaceRoot string) string {
	client := s.beads.WithWorkspace(workspaceRoot)

	ready, err := client.Ready(ctx)
	if err != nil {
		s.log.Error("[%s] Failed to query ready issues: %v", projectKey, err)
		return fmt.Sprintf("Failed to query ready issues: %v", err)
	}

	next, ok := nextStageIssue(ready)
	if !ok {
		done, err := s.allStagesDone(ctx, client)
		if err != nil {
			return fmt.Sprintf("No stages ready; completion check failed: %v", err)
		}
		if done {
			return "All stages complete. Project finished."
		}
		return "No stages ready. Waiting on review gates or Q&A."
	}

	stageName := stageFromLabels(next.Labels)
	workerType := dispatch.WorkerForStage(stageName)

	d := dispatch.NewDispatch(stageName, next.ID, projectKey, workspaceRoot)
	d.Phase = phaseFromLabels(next.Labels)
	d.UnitName = unitFromLabels(next.Labels)
	d.InputArtifacts = s.gatherInputArtifacts(ctx, client)

	audit := guard.NewAuditLog(s.mail, projectKey, s.log)
	bg := guard.NewBeadsGuard(audit, client)
	err = bg.UpdateIssue(ctx, next.ID, dispatch.WorkerSupervisor, beads.UpdateOptions{
		Status:   beads.StatusInProgress,
		Assignee: workerType,
	})
	if err != nil {
		s.log.Error("[%s] Failed to claim issue %s: %v", projectKey, next.ID, err)
		return fmt.Sprintf("Failed to claim issue %s: %v", next.ID, err)
	}

	s.notifyDispatch(ctx, d, workerType)

	if s.engine != nil {
		payload, err := d.Encode()
		if err != nil {
			return fmt.Sprintf("Failed to encode dispatch for %s: %v", next.ID, err)
		}
		if _, err := s.engine.Spawn(ctx, workerType, string(payload)); err != nil {
			s.log.Error("[%s] Failed to spawn %s for stage %q: %v", projectKey, workerType, stageName, err)
			return fmt.Sprintf("Failed to spawn %s for stage %q: %v", workerType, stageName, err)
		}
	}

	s.log.Info("[%s] Dispatched stage %q (issue %s) to %s", projectKey, stageName, next.ID, workerType)
	return fmt.Sprintf("Dispatched %q to %s (issue %s)", stageName, workerType, next.ID)
}

// notifyDispatch mirrors the dispatch on the issue's mail thread.
func (s *Supervisor) notifyDispatch(ctx context.Context, d dispatch.Dispatch, workerType string) {
	if s.mail == nil {
		return
	}
	body := fmt.Sprintf("Stage: %s\nIssue: %s\nPhase: %s\nInput artifacts: %s",
		d.StageName, d.IssueID, d.Phase, strings.Join(d.InputArtifacts, ", "))
	err := s.mail.SendMessage(ctx, d.ProjectKey, dispatch.WorkerSupervisor,
		[]string{workerType}, "Dispatch: "+d.StageName, body,
		mail.SendOptions{ThreadID: mail.DispatchThread(d.IssueID)})
	if err != nil {
		s.log.Warn("[%s] Failed to send dispatch message: %v", d.ProjectKey, err)
	}
}

// HandleCompletion records a worker's outcome on the tracking issue, files
// any discovered work, then advances.
func (s *Supervisor) HandleCompletion(ctx context.Context, projectKey, workspaceRoot string, c dispatch.Completion) string {
	lock := s.projectLock(projectKey)
	lock.Lock()
	defer lock.Unlock()

	if c.IssueID == "" {
		return "Completion carries no issue id, nothing to record."
	}

	client := s.beads.WithWorkspace(workspaceRoot)
	audit := guard.NewAuditLog(s.mail, projectKey, s.log)
	bg := guard.NewBeadsGuard(audit, client)

	switch c.Status {
	case dispatch.StatusCompleted:
		notes := []string{"Completed: " + c.Summary}
		for _, artifact := range c.OutputArtifacts {
			notes = append(notes, "artifact: "+artifact)
		}
		err := bg.UpdateIssue(ctx, c.IssueID, dispatch.WorkerSupervisor, beads.UpdateOptions{
			Status:      beads.StatusDone,
			AppendNotes: strings.Join(notes, "\n"),
		})
		if err != nil {
			s.log.Error("[%s] Failed to record completion for %s: %v", projectKey, c.IssueID, err)
			return fmt.Sprintf("Failed to record completion for %s: %v", c.IssueID, err)
		}
		s.log.Info("[%s] Stage issue %s completed", projectKey, c.IssueID)

	case dispatch.StatusNeedsRework:
		err := bg.UpdateIssue(ctx, c.IssueID, dispatch.WorkerSupervisor, beads.UpdateOptions{
			AppendNotes: "NEEDS REWORK: " + c.ReworkReason,
		})
		if err != nil {
			return fmt.Sprintf("Failed to record rework flag for %s: %v", c.IssueID, err)
		}
		s.log.Info("[%s] Stage issue %s flagged for rework", projectKey, c.IssueID)

	case dispatch.StatusFailed:
		err := bg.UpdateIssue(ctx, c.IssueID, dispatch.WorkerSupervisor, beads.UpdateOptions{
			AppendNotes: "FAILED: " + c.ErrorDetail,
		})
		if err != nil {
			s.log.Warn("[%s] Failed to annotate failure on %s: %v", projectKey, c.IssueID, err)
		}
		if s.queue != nil {
			s.queue.Create(notify.TypeEscalation,
				fmt.Sprintf("Stage %q failed", c.StageName),
				c.ErrorDetail, projectKey, notify.PriorityHigh, c.IssueID)
		}
	}

	s.fileDiscoveredWork(ctx, bg, projectKey, c)
	return s.advanceLocked(ctx, projectKey, workspaceRoot)
}

func (s *Supervisor) fileDiscoveredWork(ctx context.Context, bg *guard.BeadsGuard, projectKey string, c dispatch.Completion) {
	for _, dw := range c.DiscoveredWork {
		issueType := dw.IssueType
		if issueType == "" {
			issueType = "chore"
		}
		priority := dw.Priority
		if priority == 0 {
			priority = 3
		}
		_, err := bg.CreateIssue(ctx, dw.Title, dispatch.WorkerSupervisor, beads.CreateOptions{
			IssueType:   issueType,
			Priority:    priority,
			Description: dw.Description,
			Labels:      "discovered-from:" + c.IssueID,
		})
		if err != nil {
			s.log.Warn("[%s] Failed to file discovered work %q: %v", projectKey, dw.Title, err)
		}
	}
}

// RecommendSkip proposes skipping a conditional stage to the human
// supervisor. The skip itself only happens on explicit human approval.
func (s *Supervisor) RecommendSkip(ctx context.Context, projectKey, stageName, issueID, rationale string) string {
	body := fmt.Sprintf("**Stage**: %s\n**Issue**: %s\n**Rationale**: %s\n\nPlease confirm or deny this skip recommendation.",
		stageName, issueID, rationale)

	if s.mail != nil {
		err := s.mail.SendMessage(ctx, projectKey, dispatch.WorkerSupervisor,
			[]string{mail.HumanSupervisor}, "Skip recommendation: "+stageName, body,
			mail.SendOptions{})
		if err != nil {
			s.log.Warn("[%s] Failed to send skip recommendation: %v", projectKey, err)
		}
	}
	if s.queue != nil {
		s.queue.Create(notify.TypeInfo, "Skip recommendation: "+stageName,
			rationale, projectKey, notify.PriorityNormal, issueID)
	}

	s.log.Info("[%s] Skip recommendation sent for stage %q", projectKey, stageName)
	return fmt.Sprintf("Skip recommendation for %q sent to %s.", stageName, mail.HumanSupervisor)
}

// CheckReviewGates lists open review gates.
func (s *Supervisor) CheckReviewGates(ctx context.Context, workspaceRoot string) string {
	client := s.beads.WithWorkspace(workspaceRoot)
	gates, err := client.ListIssues(ctx, beads.ListFilters{
		Label:  ReviewGateLabel,
		Status: beads.StatusOpen,
	})
	if err != nil {
		return fmt.Sprintf("Error checking review gates: %v", err)
	}
	if len(gates) == 0 {
		return "No pending review gates."
	}

	parts := []string{"**Pending Review Gates:**"}
	for _, gate := range gates {
		parts = append(parts, fmt.Sprintf("  - %s: %s", gate.ID, gate.Title))
	}
	return strings.Join(parts, "\n")
}

// allStagesDone reports whether every non-epic issue is done or closed.
func (s *Supervisor) allStagesDone(ctx context.Context, client *beads.Client) (bool, error) {
	all, err := client.ListIssues(ctx, beads.ListFilters{})
	if err != nil {
		return false, err
	}
	for _, issue := range all {
		if issue.IssueType == "epic" {
			continue
		}
		if issue.Status != beads.StatusDone && issue.Status != beads.StatusClosed {
			return false, nil
		}
	}
	return true, nil
}

// gatherInputArtifacts scans done issues' notes for artifact references,
// deduplicated in encounter order.
func (s *Supervisor) gatherInputArtifacts(ctx context.Context, client *beads.Client) []string {
	done, err := client.ListIssues(ctx, beads.ListFilters{Status: beads.StatusDone})
	if err != nil {
		s.log.Warn("Failed to gather input artifacts: %v", err)
		return nil
	}

	seen := make(map[string]bool)
	var artifacts []string
	for _, issue := range done {
		for _, m := range artifactRefPattern.FindAllStringSubmatch(issue.Notes, -1) {
			path := strings.TrimSpace(m[1])
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			artifacts = append(artifacts, path)
		}
	}
	return artifacts
}

// nextStageIssue picks the highest-priority ready issue that carries a
// stage label, skipping epics and review gates.
func nextStageIssue(ready []beads.Issue) (beads.Issue, bool) {
	var candidates []beads.Issue
	for _, issue := range ready {
		if issue.IssueType == "epic" || issue.HasLabel(ReviewGateLabel) {
			continue
		}
		if stageFromLabels(issue.Labels) == "" {
			continue
		}
		candidates = append(candidates, issue)
	}
	if len(candidates) == 0 {
		return beads.Issue{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return candidates[0], true
}

func stageFromLabels(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, "stage:") {
			return strings.TrimPrefix(label, "stage:")
		}
	}
	return ""
}

func phaseFromLabels(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, "phase:") {
			return strings.TrimPrefix(label, "phase:")
		}
	}
	return dispatch.PhaseInception
}

func unitFromLabels(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, "unit:") {
			return strings.TrimPrefix(label, "unit:")
		}
	}
	return ""
}
