package main

import (
	"fmt"
	"io"
	"log"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/dbagent/internal/agent"
	"github.com/rahul/dbagent/internal/governance"
	"github.com/rahul/dbagent/internal/observability"
	"github.com/rahul/dbagent/internal/store"
	"github.com/rahul/dbagent/internal/tools"
	"github.com/rahul/dbagent/pkg/config"
)

// app holds the collaborators built from config for one command.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	history  *store.HistoryStore
	executor *tools.SQLiteExecutor
	brain    *agent.ExplorerBrain
}

func newModel(cfg *config.Config) (llms.Model, error) {
	name, p := cfg.GetDefaultProvider()
	switch name {
	case "":
		return nil, fmt.Errorf("no enabled provider found in config (or set %s)", config.EnvOpenAIKey)
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(p.Model)}
		if p.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(p.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s not supported", name)
	}
}

// newApp wires the exploration stack. events receives the JSON event
// stream; pass io.Discard to silence it.
func newApp(cfg *config.Config, events io.Writer) (*app, error) {
	logger := observability.NewLogger(cfg.App.LogDir)
	logger.SetOutput(events)

	history, err := store.NewHistoryStore(cfg.Memory.Path)
	if err != nil {
		return nil, err
	}

	executor, err := tools.NewSQLiteExecutor(cfg.Database.Path, cfg.Database.QueryTimeout())
	if err != nil {
		history.Close()
		return nil, err
	}
	if cfg.Database.Path == "" {
		log.Printf("Warning: no database configured, every query will fail with %s", tools.CodeNoDBURL)
	}

	model, err := newModel(cfg)
	if err != nil {
		history.Close()
		executor.Close()
		return nil, err
	}

	policy, err := governance.NewPolicyEngine(cfg.Agent.DeniedActions, cfg.Agent.DeniedPatterns)
	if err != nil {
		history.Close()
		executor.Close()
		return nil, err
	}
	registry := tools.DefaultRegistry()
	for _, name := range policy.Denied() {
		registry.Unregister(name)
	}

	retry := tools.RetryPolicy{
		Attempts: cfg.Agent.RetryAttempts,
		Base:     cfg.Agent.RetryBase(),
		Cap:      cfg.Agent.RetryCap(),
	}
	opts := agent.DefaultOptions()
	opts.SampleLimit = cfg.Agent.SampleLimit
	opts.EvidenceLookback = cfg.Agent.EvidenceLookback
	opts.DecisionTimeout = cfg.Agent.DecisionTimeout()
	opts.DecisionRetry = retry
	opts.ExecutorRetry = retry
	opts.Summary = agent.SummaryLimits{
		MaxTables:       cfg.Summary.MaxTables,
		MaxColsPerTable: cfg.Summary.MaxColsPerTable,
		MaxPreviewChars: cfg.Summary.MaxPreviewChars,
		MaxSteps:        cfg.Summary.MaxSteps,
	}

	decider := agent.NewLLMDecider(model, agent.NewPromptManager(cfg.App.PromptsDir), registry, logger)
	decider.History = history
	decider.HistoryTurns = cfg.Memory.HistoryTurns
	guard := governance.NewSQLGuard(cfg.Agent.DefaultLimit, cfg.Agent.MaxLimit)
	controller := agent.NewController(decider, executor, guard, opts)
	controller.Policy = policy
	controller.Emit = logger.Log

	return &app{
		cfg:      cfg,
		logger:   logger,
		history:  history,
		executor: executor,
		brain:    agent.NewExplorerBrain(controller, history, history, cfg.Agent.MaxSteps),
	}, nil
}

func (a *app) Close() {
	a.executor.Close()
	a.history.Close()
}
