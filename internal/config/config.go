// Package config loads and hot-reloads agenthost's YAML configuration,
// with ${NAME} environment-variable substitution before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PersonaConfig names the system prompt sent as the first message of
// every conversation.
type PersonaConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// LLMConfig selects and parameterises the primary LLM provider.
type LLMConfig struct {
	Provider    string `yaml:"provider"` // direct-api|copilot|claude-code
	Model       string `yaml:"model"`
	APIKey      string `yaml:"apiKey,omitempty"`
	BaseURL     string `yaml:"baseUrl,omitempty"`
	MaxTokens   int    `yaml:"maxTokens,omitempty"`
	GithubToken string `yaml:"githubToken,omitempty"`
}

// ChannelConfig is one entry of the channels map. Fields beyond the ones
// spec.md §6 names explicitly (sessionDataPath, puppetProvider — used by
// channel types this host does not implement) are telegram-specific
// extensions, since spec.md's schema leaves per-type transport tuning
// unspecified.
type ChannelConfig struct {
	Type              string              `yaml:"type" json:"type"`
	Enabled           bool                `yaml:"enabled" json:"enabled"`
	Token             string              `yaml:"token,omitempty" json:"token,omitempty"`
	SessionDataPath   string              `yaml:"sessionDataPath,omitempty" json:"sessionDataPath,omitempty"`
	PuppetProvider    string              `yaml:"puppetProvider,omitempty" json:"puppetProvider,omitempty"`
	EnabledSkills     []string            `yaml:"enabledSkills,omitempty" json:"enabledSkills,omitempty"`
	Verification      *VerificationConfig `yaml:"verification,omitempty" json:"verification,omitempty"`
	MessageLimit      int                 `yaml:"messageLimit,omitempty" json:"messageLimit,omitempty"`
	DownloadTimeoutMs int                 `yaml:"downloadTimeoutMs,omitempty" json:"downloadTimeoutMs,omitempty"`
	AttachmentsDir    string              `yaml:"attachmentsDir,omitempty" json:"attachmentsDir,omitempty"`
}

// MCPServerConfig describes one child-process MCP server.
type MCPServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// MCPConfig is the mcp.servers map.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers,omitempty"`
}

// LLMReviewConfig tunes the verifier's LLM-review pass.
type LLMReviewConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// RulesConfig tunes the verifier's rule-based pass.
type RulesConfig struct {
	Enabled bool `yaml:"enabled"`
}

// VerificationConfig mirrors internal/pipeline's VerificationConfig at the
// configuration-file layer.
type VerificationConfig struct {
	Enabled                bool            `yaml:"enabled"`
	MaxRetries             int             `yaml:"maxRetries,omitempty"`
	ConfidenceThreshold    float64         `yaml:"confidenceThreshold,omitempty"`
	SkipForShortResponses  bool            `yaml:"skipForShortResponses"`
	ShortResponseThreshold int             `yaml:"shortResponseThreshold,omitempty"`
	LLMReview              LLMReviewConfig `yaml:"llmReview,omitempty"`
	Rules                  RulesConfig     `yaml:"rules,omitempty"`
}

// SkillsConfig names extra SKILL.md directories to load.
type SkillsConfig struct {
	Directories []string `yaml:"directories,omitempty"`
}

// HistoryConfig tunes the durable history store.
type HistoryConfig struct {
	DataDir             string `yaml:"dataDir,omitempty"`
	MaxMessages         int    `yaml:"maxMessages,omitempty"`
	MaxSegmentSizeBytes int64  `yaml:"maxSegmentSizeBytes,omitempty"`
	MaxSegments         int    `yaml:"maxSegments,omitempty"`
}

// HealthConfig tunes the Heartbeat, Channel Monitor, and recovery
// notification targets.
type HealthConfig struct {
	Port                 int      `yaml:"port,omitempty"`
	IntervalMs           int      `yaml:"intervalMs,omitempty"`
	CheckIntervalMs      int      `yaml:"checkIntervalMs,omitempty"`
	BackoffBaseMs        int      `yaml:"backoffBaseMs,omitempty"`
	BackoffMaxMs         int      `yaml:"backoffMaxMs,omitempty"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts,omitempty"`
	RecoveryTargets      []string `yaml:"recoveryTargets,omitempty"`
}

// JournalConfig tunes the append-only event journal.
type JournalConfig struct {
	Enabled             bool  `yaml:"enabled"`
	MaxSegmentSizeBytes int64 `yaml:"maxSegmentSizeBytes,omitempty"`
	MaxSegments         int   `yaml:"maxSegments,omitempty"`
}

// TaskPersistenceConfig tunes the durable task store and recovery.
type TaskPersistenceConfig struct {
	Enabled          bool `yaml:"enabled"`
	RecoverOnStartup bool `yaml:"recoverOnStartup"`
}

// WebConfig tunes the web channel's HTTP listener.
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// Config is the full parsed YAML configuration, matching spec.md §6's
// schema.
type Config struct {
	Persona         PersonaConfig            `yaml:"persona"`
	LLM             LLMConfig                `yaml:"llm"`
	Channels        map[string]ChannelConfig `yaml:"channels,omitempty"`
	MCP             MCPConfig                `yaml:"mcp,omitempty"`
	Verification    VerificationConfig       `yaml:"verification,omitempty"`
	Skills          SkillsConfig             `yaml:"skills,omitempty"`
	History         HistoryConfig            `yaml:"history,omitempty"`
	Health          HealthConfig             `yaml:"health,omitempty"`
	Journal         JournalConfig            `yaml:"journal,omitempty"`
	TaskPersistence TaskPersistenceConfig    `yaml:"taskPersistence,omitempty"`
	Web             WebConfig                `yaml:"web,omitempty"`
	LogLevel        string                   `yaml:"logLevel,omitempty"`
}

// Validate ensures mandatory fields are present before the host starts
// wiring components from it.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return fmt.Errorf("config: llm.provider is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("config: llm.model is required")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${NAME} occurrence with the value of the
// NAME environment variable, or the empty string if unset.
func substituteEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, env-substitutes, and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(substituteEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
