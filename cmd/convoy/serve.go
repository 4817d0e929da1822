package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convoy/internal/agent"
	"convoy/internal/batch"
	"convoy/internal/channels"
	"convoy/internal/config"
	"convoy/internal/llm"
	"convoy/internal/logging"
	"convoy/internal/observability"
	"convoy/internal/plan"
	"convoy/internal/ports"
	"convoy/internal/server"
	"convoy/internal/state"
	"convoy/internal/timer"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		logging.Default().SetLevel(logging.LevelDebug)
	}
	logger := logging.NewComponentLogger("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "convoy",
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	// Durable stores.
	var actorStore batch.ActorStore
	if cfg.State.Backend == "memory" {
		actorStore = state.NewMemoryStore()
	} else {
		actorStore, err = state.NewFileStore(cfg.State.Dir, logging.NewComponentLogger("state"))
		if err != nil {
			return err
		}
	}
	var timerStore timer.Store
	if cfg.Timer.Backend == "memory" {
		timerStore = timer.NewMemoryStore()
	} else {
		timerStore, err = timer.NewFileStore(cfg.Timer.Dir)
		if err != nil {
			return err
		}
	}
	timers := timer.NewService(timerStore, logging.NewComponentLogger("timer"))

	// Model client. No API key means the deterministic mock, which keeps
	// local development usable.
	var client ports.LLMClient
	if cfg.LLM.APIKey == "" {
		logger.Warn("serve: no llm api key configured, using mock client")
		client = &llm.MockClient{Responses: []string{"I need an API key to respond properly."}}
	} else {
		client, err = llm.NewOpenAIClient(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.RequestTimeout,
		}, logging.NewComponentLogger("llm"))
		if err != nil {
			return err
		}
	}

	// Worker registry: configured specs override the built-in set.
	registry := plan.NewRegistry("general")
	defs := agent.DefaultWorkerDefinitions()
	specs, err := config.LoadWorkerSpecs(cfg.Agent.WorkersFile)
	if err != nil {
		return err
	}
	for _, w := range specs {
		defs = append(defs, agent.WorkerDefinition{
			Type:         w.Type,
			SystemPrompt: w.SystemPrompt,
			Temperature:  w.Temperature,
			MaxTokens:    w.MaxTokens,
		})
	}
	if err := agent.RegisterWorkers(registry, client, defs, logging.NewComponentLogger("worker")); err != nil {
		return err
	}

	// Channels behind one router.
	router := channels.NewRouter()
	hub := channels.NewWSHub(logging.NewComponentLogger("ws"))
	router.Register("websocket", hub)
	router.Register("webhook", channels.NewWebhookTransport("", logging.NewComponentLogger("webhook")))

	var sink ports.EventSink = observability.NopSink{}
	if cfg.Events.Endpoint != "" {
		sink = observability.NewHTTPSink(cfg.Events.Endpoint, logging.NewComponentLogger("events"))
	}

	coordinator, err := agent.NewCoordinator(client, router, sink, registry, agent.Config{
		SystemPrompt:            cfg.Agent.SystemPrompt,
		TokenBudget:             cfg.Agent.TokenBudget,
		HistoryTurns:            cfg.Agent.HistoryTurns,
		ComplexityWordThreshold: cfg.Agent.ComplexityWordThreshold,
		Planner: plan.PlannerConfig{
			MaxSteps:    cfg.Planner.MaxSteps,
			Temperature: cfg.Planner.Temperature,
		},
		Executor: plan.ExecutorConfig{
			MaxParallel:     cfg.Planner.MaxParallel,
			ContinueOnError: cfg.Planner.ContinueOnError,
		},
	}, logging.NewComponentLogger("agent"))
	if err != nil {
		return err
	}

	engine, err := batch.NewEngine(actorStore, timers, router, coordinator, batch.Config{
		CoalesceWindow:    cfg.Batch.CoalesceWindow,
		MaxBatchAge:       cfg.Batch.MaxBatchAge,
		MaxMessages:       cfg.Batch.MaxMessages,
		HeartbeatInterval: cfg.Batch.HeartbeatInterval,
		DedupCacheSize:    cfg.Batch.DedupCacheSize,
		ControlCommands:   cfg.Batch.ControlCommands,
		Stuck:             batch.StuckDetector{MaxHeartbeatAge: cfg.Batch.MaxHeartbeatAge},
		Retry: batch.RetryPolicy{
			MaxRetries:   cfg.Batch.MaxRetries,
			InitialDelay: cfg.Batch.InitialRetryDelay,
			MaxDelay:     cfg.Batch.MaxRetryDelay,
			Multiplier:   2,
		},
	}, logging.NewComponentLogger("batch"))
	if err != nil {
		return err
	}

	// Timers must start after the engine registered its fire handler so
	// persisted entries recover cleanly.
	if err := timers.Start(ctx); err != nil {
		return err
	}
	defer timers.Stop()

	reaper := batch.NewReaper(engine, cfg.Batch.ReaperSchedule, logging.NewComponentLogger("reaper"))
	if err := reaper.Start(); err != nil {
		return err
	}
	defer reaper.Stop()

	srv := server.New(engine, router, hub, server.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Verbose,
	}, logging.NewComponentLogger("server"))

	fmt.Printf("%s listening on %s (model %s)\n", bold("convoy"), cyan(cfg.Server.ListenAddr), yellow(cfg.LLM.Model))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, green("shutdown complete"))
	return nil
}
