// Package agent defines the worker contract and the shared plumbing every
// worker runs through: retry, context loading, artifact extraction, tool
// permissions and error reporting.
package agent

import (
	"context"
	"fmt"

	"troop/internal/dispatch"
	"troop/internal/errkit"
	"troop/internal/logging"
	"troop/internal/mail"
)

// Worker executes one pipeline stage. Implementations are stateless across
// dispatches; a fresh instance is created per invocation.
type Worker interface {
	Type() string
	Execute(ctx context.Context, d dispatch.Dispatch) (dispatch.Completion, error)
}

// Handler drives a worker through one dispatch: execute with retry, report
// unrecoverable failures to the investigator, and always produce a
// completion.
type Handler struct {
	worker Worker
	mail   *mail.Client
	retry  errkit.RetryConfig
	log    logging.Logger
}

// NewHandler wraps a worker. mailClient may be nil.
func NewHandler(worker Worker, mailClient *mail.Client, log logging.Logger) *Handler {
	return &Handler{
		worker: worker,
		mail:   mailClient,
		retry:  errkit.DefaultRetryConfig(),
		log:    logging.OrNop(log),
	}
}

// HandleDispatch executes the dispatch. Transient failures are retried;
// when attempts are exhausted the error goes to CuriousGeorge on the
// issue's error thread and a failed completion is returned.
func (h *Handler) HandleDispatch(ctx context.Context, d dispatch.Dispatch) dispatch.Completion {
	h.log.Info("[%s] Handling dispatch for stage %q (issue: %s)", h.worker.Type(), d.StageName, d.IssueID)

	completion, err := errkit.RetryWithResultAndLog(ctx, h.retry, func(ctx context.Context) (dispatch.Completion, error) {
		return h.worker.Execute(ctx, d)
	}, h.log)
	if err == nil {
		return completion
	}

	h.log.Error("[%s] Failed to execute stage %q: %v", h.worker.Type(), d.StageName, err)
	h.reportError(ctx, err, d)
	return dispatch.Failed(d, err.Error())
}

// reportError sends a structured failure report to the error investigator.
// Delivery is best effort.
func (h *Handler) reportError(ctx context.Context, execErr error, d dispatch.Dispatch) {
	if h.mail == nil {
		return
	}

	body := fmt.Sprintf("**Agent**: %s\n**Stage**: %s\n**Issue**: %s\n**Error**: %v\n",
		h.worker.Type(), d.StageName, d.IssueID, execErr)

	err := h.mail.SendMessage(ctx, d.ProjectKey, h.worker.Type(),
		[]string{dispatch.WorkerInvestigator},
		fmt.Sprintf("[ERROR] %s: stage %s failed", h.worker.Type(), d.StageName),
		body,
		mail.SendOptions{ThreadID: mail.ErrorThread(d.IssueID), Importance: mail.ImportanceHigh})
	if err != nil {
		h.log.Warn("Failed to send error report to %s: %v", dispatch.WorkerInvestigator, err)
	}
}
