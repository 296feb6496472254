package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateStore(cfg, ve)
	validateTools(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxSteps <= 0 {
		ve.Add("agent.max_steps must be > 0")
	}
	if cfg.Agent.Timeout <= 0 {
		ve.Add("agent.timeout must be > 0")
	}
	if cfg.Agent.StreamBuffer <= 0 {
		ve.Add("agent.stream_buffer must be > 0")
	}
	cw := cfg.Agent.ContextWindow
	if cw.Enabled {
		if cw.MaxTokens <= 0 {
			ve.Add("agent.context_window.max_tokens must be > 0 when enabled")
		}
		if cw.SafetyMargin < 0 || cw.SafetyMargin >= 1 {
			ve.Add("agent.context_window.safety_margin must be in [0, 1)")
		}
		if cw.Encoding == "" {
			ve.Add("agent.context_window.encoding must not be empty when enabled")
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("llm.providers[%d] (%s): api_key is empty", i, p.Name)
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

var validStoreDrivers = map[string]bool{
	"sqlite": true,
	"memory": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreDrivers[cfg.Store.Driver] {
		ve.Add("store.driver %q is invalid (want: sqlite, memory)", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		ve.Add("store.path is required for the sqlite driver")
	}
	r := cfg.Store.Retention
	if r.Enabled {
		if r.MaxIdle <= 0 {
			ve.Add("store.retention.max_idle must be > 0 when retention is enabled")
		}
		if r.SweepLimit <= 0 {
			ve.Add("store.retention.sweep_limit must be > 0 when retention is enabled")
		}
		if r.Schedule == "" {
			ve.Add("store.retention.schedule is required when retention is enabled")
		} else if _, err := cron.ParseStandard(r.Schedule); err != nil {
			ve.Add("store.retention.schedule %q is not a valid cron expression: %v", r.Schedule, err)
		}
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.InvokeTimeout <= 0 {
		ve.Add("tools.invoke_timeout must be > 0")
	}
	if cfg.Tools.MCPEnabled {
		if len(cfg.Tools.MCPServers) == 0 {
			ve.Add("tools.mcp_servers must not be empty when mcp is enabled")
		}
		validMCPTransports := map[string]bool{"stdio": true, "http": true}
		names := make(map[string]bool)
		for i, s := range cfg.Tools.MCPServers {
			if s.Name == "" {
				ve.Add("tools.mcp_servers[%d].name must not be empty", i)
			} else if names[s.Name] {
				ve.Add("tools.mcp_servers[%d].name %q is duplicate", i, s.Name)
			}
			names[s.Name] = true
			if !validMCPTransports[s.Transport] {
				ve.Add("tools.mcp_servers[%d].transport %q is invalid (want: stdio, http)", i, s.Transport)
			}
			if s.Transport == "stdio" && s.Command == "" {
				ve.Add("tools.mcp_servers[%d].command is required for stdio transport", i)
			}
			if s.Transport == "http" && s.URL == "" {
				ve.Add("tools.mcp_servers[%d].url is required for http transport", i)
			}
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty for static auth")
	}
	rl := cfg.Gateway.RateLimit
	if rl.Enabled {
		if rl.RequestsPerMinute <= 0 {
			ve.Add("gateway.rate_limit.requests_per_minute must be > 0 when enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("gateway.rate_limit.burst must be > 0 when enabled")
		}
	}
}
