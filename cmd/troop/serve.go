package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"troop/internal/agent"
	"troop/internal/agent/workers"
	"troop/internal/beads"
	"troop/internal/config"
	"troop/internal/dispatch"
	"troop/internal/engine"
	"troop/internal/errkit"
	"troop/internal/guard"
	"troop/internal/llm"
	"troop/internal/logging"
	"troop/internal/mail"
	"troop/internal/notify"
	"troop/internal/registry"
	"troop/internal/review"
	"troop/internal/server"
	"troop/internal/supervisor"
	"troop/internal/workspace"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: engine, supervisor and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// runtime holds the wired collaborators of one serve invocation.
type runtime struct {
	cfg   config.RuntimeConfig
	log   logging.Logger
	llm   llm.Client
	mail  *mail.Client
	beads *beads.Client
	eng   *engine.Engine
	queue *notify.Queue
	hub   *server.Hub
	sup   *supervisor.Supervisor
}

func runServe() error {
	var opts []config.Option
	if flagConfig != "" {
		opts = append(opts, config.WithConfigPath(flagConfig))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if flagAddr != "" {
		cfg.HTTPAddr = flagAddr
	}

	logging.GetFileLogger().SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logging.NewComponentLogger("Serve")
	log.Info("Starting troop %s (config loaded at %s)", version, meta.LoadedAt().Format("15:04:05"))

	promReg := prometheus.NewRegistry()

	rt := &runtime{
		cfg:   cfg,
		log:   log,
		mail:  mail.NewClient(cfg.MailBaseURL, logging.NewComponentLogger("Mail")),
		beads: beads.NewClient("", nil, logging.NewComponentLogger("Beads")),
		eng: engine.New(int64(cfg.MaxConcurrentAgents), cfg.AgentTimeout,
			engine.NewMetrics(promReg), logging.NewComponentLogger("Engine")),
		queue: notify.NewQueue(),
		hub:   server.NewHub(logging.NewComponentLogger("Hub")),
	}
	rt.llm = llm.WithRetries(llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.LLMModel,
	}, logging.NewComponentLogger("LLM")), errkit.DefaultRetryConfig(), rt.log)

	rt.sup = supervisor.New(rt.beads, rt.mail, rt.eng, rt.queue,
		logging.NewComponentLogger("Supervisor"))

	registerRunners(rt)

	reg, err := registry.New(cfg.ProjectsRoot, logging.NewComponentLogger("Registry"))
	if err != nil {
		return fmt.Errorf("open project registry: %w", err)
	}

	reviews := review.NewMachine(rt.beads, rt.mail, rt.eng, rt.hub,
		logging.NewComponentLogger("Review"))

	srv := server.New(cfg, server.Deps{
		Registry:  reg,
		Engine:    rt.eng,
		Reviews:   reviews,
		Queue:     rt.queue,
		Workspace: workspace.NewInitializer(rt.beads, logging.NewComponentLogger("Workspace")),
		Hub:       rt.hub,
		Metrics:   promReg,
		Log:       logging.NewComponentLogger("HTTP"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx)
	rt.eng.Shutdown(cfg.AgentTimeout)
	return err
}

// registerRunners binds every agent type to an engine runner. Each runner
// decodes the dispatch envelope and drives a fresh worker through the
// shared handler.
func registerRunners(rt *runtime) {
	stageTypes := []string{
		dispatch.WorkerScout, dispatch.WorkerSage, dispatch.WorkerBard,
		dispatch.WorkerPlanner, dispatch.WorkerArchitect, dispatch.WorkerSteward,
		dispatch.WorkerForge, dispatch.WorkerCrucible,
	}
	for _, agentType := range stageTypes {
		agentType := agentType
		rt.eng.RegisterRunner(agentType, rt.workerRunner(func() agent.Worker {
			return workers.NewStageWorker(agentType, rt.llm, rt.workerLog(agentType))
		}, true))
	}
	rt.eng.RegisterRunner(dispatch.WorkerTroop, rt.workerRunner(func() agent.Worker {
		return workers.NewTroop(rt.llm, rt.workerLog(dispatch.WorkerTroop))
	}, true))

	// Cross-cutting workers do not advance the pipeline; their completions
	// stay on the instance record.
	rt.eng.RegisterRunner(dispatch.WorkerRework, rt.workerRunner(func() agent.Worker {
		return workers.NewGibbon(rt.llm, rt.mail, rt.workerLog(dispatch.WorkerRework))
	}, false))
	rt.eng.RegisterRunner(dispatch.WorkerInvestigator, rt.workerRunner(func() agent.Worker {
		return workers.NewCuriousGeorge(rt.llm, rt.mail, rt.beads, rt.workerLog(dispatch.WorkerInvestigator))
	}, false))
	rt.eng.RegisterRunner(dispatch.WorkerMonitor, rt.workerRunner(func() agent.Worker {
		return workers.NewGroomer(rt.mail, rt.beads, rt.cfg.StaleThreshold,
			rt.cfg.ReviewOverdue, rt.workerLog(dispatch.WorkerMonitor))
	}, false))
	rt.eng.RegisterRunner(dispatch.WorkerScanner, rt.workerRunner(func() agent.Worker {
		return workers.NewSnake(rt.llm, rt.workerLog(dispatch.WorkerScanner))
	}, false))
	rt.eng.RegisterRunner(dispatch.WorkerGuard, rt.workerRunner(func() agent.Worker {
		return workers.NewBonobo(rt.mail, beads.ExecRunner, guard.ExecGitRunner,
			rt.workerLog(dispatch.WorkerGuard))
	}, false))

	rt.eng.RegisterRunner(dispatch.WorkerSupervisor, rt.workerRunner(func() agent.Worker {
		return supervisor.NewMinder(rt.sup)
	}, false))
}

func (rt *runtime) workerLog(agentType string) logging.Logger {
	return logging.NewComponentLogger(agentType)
}

// workerRunner adapts a worker factory to the engine contract. When report
// is set, the completion is handed to the supervisor so the pipeline
// advances.
func (rt *runtime) workerRunner(build func() agent.Worker, report bool) engine.Runner {
	return func(ctx context.Context, input string) (string, error) {
		d, err := dispatch.DecodeDispatch([]byte(input))
		if err != nil {
			return "", err
		}

		worker := build()
		h := agent.NewHandler(worker, rt.mail, rt.workerLog(worker.Type()))
		completion := h.HandleDispatch(ctx, d)

		if report {
			rt.reportCompletion(d, completion)
		}

		out, err := completion.Encode()
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// reportCompletion spawns the supervisor to record the completion and
// dispatch whatever became ready.
func (rt *runtime) reportCompletion(d dispatch.Dispatch, completion dispatch.Completion) {
	req, err := json.Marshal(supervisor.Request{
		Action:     supervisor.ActionHandleCompletion,
		Completion: completion,
	})
	if err != nil {
		return
	}
	next := dispatch.NewDispatch("supervision", d.IssueID, d.ProjectKey, d.WorkspaceRoot)
	next.WorkerType = dispatch.WorkerSupervisor
	next.Instructions = string(req)

	payload, err := next.Encode()
	if err != nil {
		return
	}
	if _, err := rt.eng.Spawn(context.Background(), dispatch.WorkerSupervisor, string(payload)); err != nil {
		rt.log.Warn("Could not report completion for %s: %v", d.IssueID, err)
	}
}
