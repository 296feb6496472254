package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Agent.MaxSteps != 5 {
		t.Errorf("MaxSteps = %d, want 5", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.StreamBuffer != 64 {
		t.Errorf("StreamBuffer = %d, want 64", cfg.Agent.StreamBuffer)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "openai")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "sqlite")
	}
	if cfg.Tools.InvokeTimeout != 30*time.Second {
		t.Errorf("InvokeTimeout = %v, want 30s", cfg.Tools.InvokeTimeout)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 5 {
		t.Errorf("expected defaults, got MaxSteps=%d", cfg.Agent.MaxSteps)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
agent:
  max_steps: 8
  system_prompt: "test bot"
llm:
  default_provider: "openai"
  providers:
    - name: "openai"
      type: "openai"
      base_url: "https://api.openai.com/v1"
      api_key: "test-key"
      model: "gpt-4o-mini"
store:
  driver: "memory"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 8 {
		t.Errorf("MaxSteps = %d, want 8", cfg.Agent.MaxSteps)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "memory")
	}
	if len(cfg.LLM.Providers) != 1 || cfg.LLM.Providers[0].APIKey != "test-key" {
		t.Errorf("Providers mismatch: %+v", cfg.LLM.Providers)
	}
}

func TestLoadRejectsWorldReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  max_steps: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// 0644 is within the permitted mask; 0666 is not.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for world-writable config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_LLM_DEFAULT_PROVIDER", "bedrock")
	t.Setenv("AGENTCORE_LOGGER_LEVEL", "debug")
	t.Setenv("AGENTCORE_AGENT_MAX_STEPS", "3")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.LLM.DefaultProvider != "bedrock" {
		t.Errorf("DefaultProvider = %q, want %q", cfg.LLM.DefaultProvider, "bedrock")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Agent.MaxSteps != 3 {
		t.Errorf("MaxSteps = %d, want 3", cfg.Agent.MaxSteps)
	}
}

func TestApplyEnvOverridesStore(t *testing.T) {
	t.Setenv("AGENTCORE_STORE_DRIVER", "memory")
	t.Setenv("AGENTCORE_STORE_PATH", "/custom/agent.db")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, "memory")
	}
	if cfg.Store.Path != "/custom/agent.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestApplyEnvOverridesGateway(t *testing.T) {
	t.Setenv("AGENTCORE_GATEWAY_ENABLED", "true")
	t.Setenv("AGENTCORE_GATEWAY_ADDR", "0.0.0.0:9000")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Gateway.Enabled {
		t.Error("Gateway.Enabled should be true")
	}
	if cfg.Gateway.Addr != "0.0.0.0:9000" {
		t.Errorf("Gateway.Addr = %q", cfg.Gateway.Addr)
	}
}

func TestApplyEnvOverridesTracer(t *testing.T) {
	t.Setenv("AGENTCORE_TRACER_ENABLED", "true")
	t.Setenv("AGENTCORE_TRACER_EXPORTER", "stdout")

	cfg := Defaults()
	cfg.Tracer.Enabled = false
	ApplyEnvOverrides(cfg)

	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
	if cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer.Exporter = %q, want %q", cfg.Tracer.Exporter, "stdout")
	}
}

func TestApplyEnvOverridesInvokeTimeout(t *testing.T) {
	t.Setenv("AGENTCORE_TOOLS_INVOKE_TIMEOUT", "45s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Tools.InvokeTimeout != 45*time.Second {
		t.Errorf("InvokeTimeout = %v, want 45s", cfg.Tools.InvokeTimeout)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecretsEnabled(t *testing.T) {
	passphrase := "test-config-key"
	plainAPIKey := "sk-secret123456"

	encrypted, err := EncryptValue(plainAPIKey, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "openai", APIKey: "enc:" + encrypted},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.LLM.Providers[0].APIKey != plainAPIKey {
		t.Errorf("APIKey = %q, want %q", cfg.LLM.Providers[0].APIKey, plainAPIKey)
	}
}

func TestDecryptSecretsGatewayTokens(t *testing.T) {
	passphrase := "test-config-key"
	plainToken := "tok-9876"

	encrypted, err := EncryptValue(plainToken, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.Gateway.Auth.Tokens = []TokenConfig{
		{Name: "ops", Token: "enc:" + encrypted},
	}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Gateway.Auth.Tokens[0].Token != plainToken {
		t.Errorf("Token = %q, want %q", cfg.Gateway.Auth.Tokens[0].Token, plainToken)
	}
}

func TestDecryptSecretsNoEncPrefix(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "openai", APIKey: "sk-plain-key"},
	}

	if err := decryptSecrets(cfg, "any-passphrase"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.LLM.Providers[0].APIKey != "sk-plain-key" {
		t.Errorf("APIKey should remain unchanged")
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.Providers = []ProviderConfig{
		{Name: "openai", APIKey: "enc:notvalidhex"},
	}

	err := decryptSecrets(cfg, "passphrase")
	if err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}
