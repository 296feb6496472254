package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"agentcore/internal/adapter/gateway"
	"agentcore/internal/adapter/store"
	"agentcore/internal/adapter/tool"
	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
	"agentcore/internal/infra/logger"
	"agentcore/internal/infra/tracer"
	"agentcore/internal/usecase"
	"agentcore/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentcore - agent execution core

USAGE:
    agentcore [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --provider NAME    LLM provider type (openai, bedrock)
    --model NAME       Model name (e.g. gpt-4o)
    --key KEY          API key for the provider

CONFIGURATION:
    Config file: ./config.yaml
    Environment: AGENTCORE_* variables override config

With the gateway disabled agentcore runs an interactive chat on stdin.
With gateway.enabled: true it serves the WebSocket RPC API instead.

EXAMPLES:
    agentcore                                      # Run with config.yaml
    agentcore --config /etc/agentcore/config.yaml
    agentcore --provider openai --model gpt-4o --key sk-...`)
}

// cliFlags holds optional CLI flags that can bypass the config file.
type cliFlags struct {
	ConfigPath string
	Provider   string
	Model      string
	APIKey     string
}

func parseFlags() cliFlags {
	flags := cliFlags{ConfigPath: "./config.yaml"}
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			flags.ConfigPath = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(os.Args[i], "--config=")
		case os.Args[i] == "--provider" && i+1 < len(os.Args):
			flags.Provider = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--provider="):
			flags.Provider = strings.TrimPrefix(os.Args[i], "--provider=")
		case os.Args[i] == "--model" && i+1 < len(os.Args):
			flags.Model = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--model="):
			flags.Model = strings.TrimPrefix(os.Args[i], "--model=")
		case os.Args[i] == "--key" && i+1 < len(os.Args):
			flags.APIKey = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--key="):
			flags.APIKey = strings.TrimPrefix(os.Args[i], "--key=")
		}
	}
	return flags
}

// buildQuickConfig creates a minimal config from CLI flags, bypassing the
// config file.
func buildQuickConfig(flags cliFlags) (*config.Config, error) {
	if flags.Provider == "" || flags.Model == "" || flags.APIKey == "" {
		return nil, fmt.Errorf("--provider, --model, and --key must all be specified")
	}

	cfg := config.Defaults()
	cfg.LLM.DefaultProvider = flags.Provider
	cfg.LLM.Providers = []config.ProviderConfig{
		{
			Name:   flags.Provider,
			Type:   flags.Provider,
			Model:  flags.Model,
			APIKey: flags.APIKey,
		},
	}

	config.ApplyEnvOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	// 1. Config
	flags := parseFlags()

	var cfg *config.Config
	var err error
	if flags.Provider != "" {
		cfg, err = buildQuickConfig(flags)
	} else {
		cfg, err = config.Load(flags.ConfigPath)
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. LLM providers
	llmComp, err := initLLM(cfg, log)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Store
	var st domain.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemory()
	default:
		sqliteStore, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer sqliteStore.Close()
		st = sqliteStore
	}
	log.Info("store ready", "driver", cfg.Store.Driver)

	threads := usecase.NewThreadService(st, bus, log).
		WithTitler(llmComp.DefaultLLM, llmComp.Model)

	// 6. Retention janitor
	if cfg.Store.Retention.Enabled {
		janitor := store.NewJanitor(st, bus, log, store.JanitorConfig{
			MaxIdle:    cfg.Store.Retention.MaxIdle,
			Schedule:   cfg.Store.Retention.Schedule,
			SweepLimit: cfg.Store.Retention.SweepLimit,
		})
		if err := janitor.Start(); err != nil {
			return fmt.Errorf("retention janitor: %w", err)
		}
		defer janitor.Stop()
		log.Info("retention sweeps scheduled",
			"schedule", cfg.Store.Retention.Schedule,
			"max_idle", cfg.Store.Retention.MaxIdle)
	}

	// 7. Tools
	registry := tool.NewRegistry()
	if cfg.Tools.Calculator {
		if err := registry.Register(tool.NewCalculatorTool()); err != nil {
			return fmt.Errorf("register calculator: %w", err)
		}
	}
	if cfg.Tools.Clock {
		if err := registry.Register(tool.NewClockTool()); err != nil {
			return fmt.Errorf("register clock: %w", err)
		}
	}
	if cfg.Tools.MCPEnabled && len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
		if err != nil {
			return fmt.Errorf("mcp bridge: %w", err)
		}
		defer bridge.Close()
		for _, t := range bridge.Tools() {
			if err := registry.Register(t); err != nil {
				return fmt.Errorf("register mcp tool %s: %w", t.Name(), err)
			}
		}
	}
	invoker := tool.NewInvoker(registry, cfg.Tools.InvokeTimeout, log)
	log.Info("tools ready", "count", registry.Len())

	// 8. Context window guard
	var guard *usecase.ContextGuard
	if cfg.Agent.ContextWindow.Enabled {
		counter, err := usecase.NewTokenCounter(cfg.Agent.ContextWindow.Encoding)
		if err != nil {
			return fmt.Errorf("token counter: %w", err)
		}
		guard = usecase.NewContextGuard(usecase.ContextGuardConfig{
			MaxTokens:     cfg.Agent.ContextWindow.MaxTokens,
			ReserveTokens: cfg.Agent.ContextWindow.ReserveTokens,
			SafetyMargin:  cfg.Agent.ContextWindow.SafetyMargin,
		}, counter, log)
	}

	// 9. Engine
	engine := usecase.NewEngine(usecase.EngineDeps{
		Provider:   llmComp.DefaultLLM,
		Tools:      invoker,
		Threads:    threads,
		Classifier: usecase.NewErrorClassifier(),
		Guard:      guard,
		Bus:        bus,
		Logger:     log,
	}, usecase.EngineConfig{
		Model:        llmComp.Model,
		MaxSteps:     cfg.Agent.MaxSteps,
		SystemPrompt: cfg.Agent.SystemPrompt,
		StreamBuffer: cfg.Agent.StreamBuffer,
	})

	// 10. Gateway or interactive chat
	if cfg.Gateway.Enabled {
		return runGateway(ctx, cfg, engine, threads, registry, bus, log)
	}
	return runChat(ctx, engine, threads, registry, log)
}

func runGateway(
	ctx context.Context,
	cfg *config.Config,
	engine *usecase.Engine,
	threads *usecase.ThreadService,
	registry *tool.Registry,
	bus *eventbus.Bus,
	log *slog.Logger,
) error {
	var entries []gateway.TokenEntry
	for _, t := range cfg.Gateway.Auth.Tokens {
		entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
	}
	auth := gateway.NewStaticTokenAuth(entries)

	srv := gateway.NewServer(bus, auth, cfg.Gateway.Addr, log)
	if cfg.Gateway.RateLimit.Enabled {
		srv.WithRateLimit(cfg.Gateway.RateLimit.RequestsPerMinute, cfg.Gateway.RateLimit.Burst)
	}

	deps := &gateway.HandlerDeps{
		Threads: threads,
		Engine:  engine,
		Tools:   registry,
		Bus:     bus,
		Logger:  log,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterHTTPHandlers(srv, deps)

	log.Info("gateway listening", "addr", cfg.Gateway.Addr)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
