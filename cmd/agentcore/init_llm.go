package main

import (
	"fmt"
	"log/slog"

	"agentcore/internal/adapter/llm"
	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
)

// LLMComponents holds the provider registry and the resolved default.
type LLMComponents struct {
	Registry   *llm.Registry
	DefaultLLM domain.LLMProvider
	Model      string
}

// initLLM builds every configured provider, wraps each with a circuit
// breaker when enabled, and resolves the default.
func initLLM(cfg *config.Config, log *slog.Logger) (*LLMComponents, error) {
	registry := llm.NewRegistry()

	cbCfg := cfg.LLM.CircuitBreaker
	for _, pc := range cfg.LLM.Providers {
		provider, err := createLLMProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}

		if cbCfg.Enabled {
			provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{
				MaxFailures: cbCfg.MaxFailures,
				Timeout:     cbCfg.Timeout,
				Interval:    cbCfg.Interval,
			}, log)
		}

		if err := registry.Register(provider); err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
	}

	if cbCfg.Enabled {
		log.Info("llm circuit breaker enabled",
			"max_failures", cbCfg.MaxFailures,
			"timeout", cbCfg.Timeout,
			"interval", cbCfg.Interval,
		)
	}

	defaultLLM, err := registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}

	var model string
	for _, pc := range cfg.LLM.Providers {
		if pc.Name == cfg.LLM.DefaultProvider {
			model = pc.Model
		}
	}

	return &LLMComponents{
		Registry:   registry,
		DefaultLLM: defaultLLM,
		Model:      model,
	}, nil
}

func createLLMProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "openai":
		return llm.NewOpenAIProvider(pc, log), nil
	case "bedrock":
		return createBedrockProvider(pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
