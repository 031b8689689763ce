package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentrt/harness/internal/agent"
)

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	contents := `
name: custom
approval: all
enable_write: true
enable_exec: true
max_read_bytes: 2097152
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if profile.Name != "custom" {
		t.Errorf("Name = %q, want custom", profile.Name)
	}
	if profile.Approval != agent.ApprovalAll {
		t.Errorf("Approval = %v, want ApprovalAll", profile.Approval)
	}
	if !profile.EnableWrite || !profile.EnableExec {
		t.Error("expected EnableWrite and EnableExec true")
	}
	if profile.MaxReadBytes != 2097152 {
		t.Errorf("MaxReadBytes = %d, want 2097152", profile.MaxReadBytes)
	}
}

func TestAgentConfig_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")

	cfg := &AgentConfig{
		SystemPrompt: "You are a helper.",
		Model:        "claude-sonnet-4-20250514",
		Profile:      "developer",
		WorkingDir:   "/workspace",
		Provider:     ProviderConfig{Kind: "anthropic", APIKey: "sk-test"},
	}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}
	if loaded.Model != cfg.Model {
		t.Errorf("Model = %q, want %q", loaded.Model, cfg.Model)
	}
	if loaded.Provider.Kind != "anthropic" {
		t.Errorf("Provider.Kind = %q, want anthropic", loaded.Provider.Kind)
	}
}

func TestAgentConfig_ResolveProfile(t *testing.T) {
	factory := agent.NewFactory()
	cfg := &AgentConfig{Profile: "readonly"}

	profile, err := cfg.ResolveProfile(factory)
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if profile.Name != "readonly" {
		t.Errorf("Name = %q, want readonly", profile.Name)
	}
}
