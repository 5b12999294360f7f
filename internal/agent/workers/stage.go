// Package workers implements the concrete agents: the eight stage
// specialists, the generic Troop worker, and the cross-cutting rework,
// investigation, monitoring, scanning and guard agents.
package workers

import (
	"context"

	"troop/internal/agent"
	"troop/internal/agent/prompts"
	"troop/internal/dispatch"
	"troop/internal/llm"
	"troop/internal/logging"
)

// StageWorker is the standard prompt-driven specialist: load context,
// build the stage prompt, invoke the model, extract artifacts and a
// summary from the response.
type StageWorker struct {
	agentType string
	stages    []string
	llm       llm.Client
	log       logging.Logger
}

// NewStageWorker builds a specialist for an agent type. The handled stage
// list is derived from the stage map.
func NewStageWorker(agentType string, client llm.Client, log logging.Logger) *StageWorker {
	var stages []string
	for _, stage := range dispatch.SupportedStages() {
		if dispatch.WorkerForStage(stage) == agentType {
			stages = append(stages, stage)
		}
	}
	return &StageWorker{
		agentType: agentType,
		stages:    stages,
		llm:       client,
		log:       logging.OrNop(log),
	}
}

// NewTroop builds the general purpose worker for ad-hoc tasks outside the
// stage map.
func NewTroop(client llm.Client, log logging.Logger) *StageWorker {
	return &StageWorker{agentType: dispatch.WorkerTroop, llm: client, log: logging.OrNop(log)}
}

// Type returns the agent type name.
func (w *StageWorker) Type() string { return w.agentType }

// CanHandle reports whether the worker handles the stage. The Troop
// worker handles anything.
func (w *StageWorker) CanHandle(stageName string) bool {
	if w.agentType == dispatch.WorkerTroop {
		return true
	}
	for _, s := range w.stages {
		if s == stageName {
			return true
		}
	}
	return false
}

// Execute runs the standard stage flow and builds the completion from the
// model's response.
func (w *StageWorker) Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error) {
	loaded := agent.LoadContext(d)
	w.log.Info("[%s] Executing stage %q with %d input artifacts",
		w.agentType, d.StageName, len(d.InputArtifacts))

	prompt := agent.BuildStagePrompt(prompts.Get(w.agentType), d, loaded)

	response, err := w.llm.Invoke(ctx, prompt)
	if err != nil {
		return dispatch.Completion{}, err
	}

	completion := dispatch.Completion{
		StageName:       d.StageName,
		IssueID:         d.IssueID,
		Status:          dispatch.StatusCompleted,
		OutputArtifacts: agent.ParseArtifacts(response),
		Summary:         agent.Summarize(response),
	}
	if agent.NeedsAttention(response) {
		completion.Status = dispatch.StatusNeedsRework
		completion.ReworkReason = "response indicates issues that may need attention"
	}
	return completion, nil
}
