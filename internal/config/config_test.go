package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoad_ParsesMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
persona:
  name: Assistant
  systemPrompt: You are helpful.
llm:
  provider: direct-api
  model: gpt-4o-mini
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persona.Name != "Assistant" {
		t.Errorf("Persona.Name = %q, want Assistant", cfg.Persona.Name)
	}
	if cfg.LLM.Provider != "direct-api" || cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM = %+v, want provider=direct-api model=gpt-4o-mini", cfg.LLM)
	}
}

func TestLoad_SubstitutesEnvVars(t *testing.T) {
	t.Setenv("AGENTHOST_TEST_KEY", "sk-test-123")

	path := writeConfig(t, `
persona:
  name: Assistant
  systemPrompt: hi
llm:
  provider: direct-api
  model: gpt-4o-mini
  apiKey: ${AGENTHOST_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test-123" {
		t.Errorf("LLM.APIKey = %q, want sk-test-123", cfg.LLM.APIKey)
	}
}

func TestLoad_UnsetEnvVarSubstitutesEmpty(t *testing.T) {
	path := writeConfig(t, `
persona:
  name: Assistant
  systemPrompt: hi
llm:
  provider: direct-api
  model: gpt-4o-mini
  apiKey: ${AGENTHOST_DEFINITELY_UNSET_VAR}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("LLM.APIKey = %q, want empty for unset var", cfg.LLM.APIKey)
	}
}

func TestLoad_MissingRequiredFieldsFails(t *testing.T) {
	path := writeConfig(t, `
persona:
  name: Assistant
llm:
  model: gpt-4o-mini
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing llm.provider")
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ChannelsAndHealthParse(t *testing.T) {
	path := writeConfig(t, `
persona:
  name: Assistant
  systemPrompt: hi
llm:
  provider: direct-api
  model: gpt-4o-mini
channels:
  main:
    type: telegram
    enabled: true
    token: abc123
health:
  port: 3001
  intervalMs: 5000
  maxReconnectAttempts: 7
  recoveryTargets:
    - "web:c1"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch, ok := cfg.Channels["main"]
	if !ok {
		t.Fatal("expected channels.main to be present")
	}
	if ch.Type != "telegram" || !ch.Enabled || ch.Token != "abc123" {
		t.Errorf("channel = %+v, want type=telegram enabled=true token=abc123", ch)
	}
	if cfg.Health.Port != 3001 || cfg.Health.MaxReconnectAttempts != 7 {
		t.Errorf("Health = %+v, want port=3001 maxReconnectAttempts=7", cfg.Health)
	}
	if len(cfg.Health.RecoveryTargets) != 1 || cfg.Health.RecoveryTargets[0] != "web:c1" {
		t.Errorf("RecoveryTargets = %v, want [web:c1]", cfg.Health.RecoveryTargets)
	}
}
