// Package config loads Agent and CapabilityProfile configuration from YAML,
// and manages the on-disk session persistence layout (config.yaml,
// trace.jsonl, meta.json) a resumable session is built from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentrt/harness/internal/agent"
)

// ProfileConfig is the YAML shape of a CapabilityProfile. Approval is one of
// "none", "dangerous", "all".
type ProfileConfig struct {
	Name                   string          `yaml:"name"`
	Approval               string          `yaml:"approval"`
	ApprovalOverride       map[string]bool `yaml:"approval_override,omitempty"`
	EnableWrite            bool            `yaml:"enable_write"`
	EnableExec             bool            `yaml:"enable_exec"`
	EnableSandbox          bool            `yaml:"enable_sandbox"`
	EnableDelegate         bool            `yaml:"enable_delegate"`
	BashOnly               bool            `yaml:"bash_only"`
	MaxReadBytes           int             `yaml:"max_read_bytes"`
	SandboxWorkspaceAccess string          `yaml:"sandbox_workspace_access,omitempty"`
}

// ToCapabilityProfile converts the YAML config into the runtime type. An
// unrecognized Approval value falls back to "dangerous" rather than failing
// closed into ApprovalNone, since "dangerous" is the safer default.
func (c ProfileConfig) ToCapabilityProfile() agent.CapabilityProfile {
	mode := agent.ApprovalDangerous
	switch c.Approval {
	case "none":
		mode = agent.ApprovalNone
	case "all":
		mode = agent.ApprovalAll
	case "dangerous", "":
		mode = agent.ApprovalDangerous
	}
	return agent.CapabilityProfile{
		Name:                   c.Name,
		Approval:               mode,
		ApprovalOverride:       c.ApprovalOverride,
		EnableWrite:            c.EnableWrite,
		EnableExec:             c.EnableExec,
		EnableSandbox:          c.EnableSandbox,
		EnableDelegate:         c.EnableDelegate,
		BashOnly:               c.BashOnly,
		MaxReadBytes:           c.MaxReadBytes,
		SandboxWorkspaceAccess: c.SandboxWorkspaceAccess,
	}
}

// LoadProfile reads a CapabilityProfile from a YAML file at path.
func LoadProfile(path string) (agent.CapabilityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agent.CapabilityProfile{}, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	var cfg ProfileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return agent.CapabilityProfile{}, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return cfg.ToCapabilityProfile(), nil
}

// ProviderConfig names the LLM backend an AgentConfig talks to and the
// credentials/endpoint it needs.
type ProviderConfig struct {
	Kind         string `yaml:"kind"` // anthropic, openai, bedrock
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty"`
	Region       string `yaml:"region,omitempty"`
}

// AgentConfig is the YAML shape of an Agent, as loaded from a standalone
// config file or a session directory's config.yaml (§6 session persistence
// layout).
type AgentConfig struct {
	SystemPrompt   string         `yaml:"system_prompt"`
	Model          string         `yaml:"model"`
	Profile        string         `yaml:"profile"` // built-in name or path to a ProfileConfig YAML file
	WorkingDir     string         `yaml:"working_dir"`
	MaxOutputChars int            `yaml:"max_output_chars,omitempty"`
	MaxTokens      int            `yaml:"max_tokens,omitempty"`
	ContextWindow  int            `yaml:"context_window,omitempty"`
	NudgeEnabled   bool           `yaml:"nudge_enabled,omitempty"`
	Provider       ProviderConfig `yaml:"provider"`
}

// LoadAgentConfig reads an AgentConfig from a YAML file at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read agent config %s: %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse agent config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg back out as YAML, e.g. into a session directory's
// config.yaml so the run can be resumed later.
func (c *AgentConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write agent config %s: %w", path, err)
	}
	return nil
}

// ResolveProfile looks up c.Profile as a built-in profile name first, then
// as a path to a ProfileConfig YAML file.
func (c *AgentConfig) ResolveProfile(factory *agent.Factory) (agent.CapabilityProfile, error) {
	switch c.Profile {
	case "readonly", "developer", "eval", "sandbox", "":
		return factory.Profile(c.Profile), nil
	default:
		if _, err := os.Stat(c.Profile); err == nil {
			return LoadProfile(c.Profile)
		}
		return factory.Profile(c.Profile), nil
	}
}
