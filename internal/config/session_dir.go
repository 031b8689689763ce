package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentrt/harness/pkg/models"
)

// SessionMeta is the session directory's meta.json: the at-a-glance process
// bookkeeping a Signal Manager watcher or an operator CLI reads without
// parsing the full trace.
type SessionMeta struct {
	PID       int          `json:"pid"`
	Model     string       `json:"model"`
	Status    models.Status `json:"status"`
	StartedAt time.Time    `json:"started_at"`
}

// SessionDir names the fixed files that make up one session's persistence
// layout: config.yaml (Agent config for resume), trace.jsonl (State event
// log), meta.json (pid/model/status/started_at), and the signal manager's
// own cancel/pause sentinels alongside them.
type SessionDir struct {
	Root string
}

// NewSessionDir returns a SessionDir rooted at root, creating it if absent.
func NewSessionDir(root string) (*SessionDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("config: create session dir %s: %w", root, err)
	}
	return &SessionDir{Root: root}, nil
}

func (d *SessionDir) ConfigPath() string { return filepath.Join(d.Root, "config.yaml") }
func (d *SessionDir) TracePath() string  { return filepath.Join(d.Root, "trace.jsonl") }
func (d *SessionDir) MetaPath() string   { return filepath.Join(d.Root, "meta.json") }

// WriteConfig persists cfg to this session's config.yaml.
func (d *SessionDir) WriteConfig(cfg *AgentConfig) error {
	return cfg.Save(d.ConfigPath())
}

// ReadConfig loads this session's config.yaml.
func (d *SessionDir) ReadConfig() (*AgentConfig, error) {
	return LoadAgentConfig(d.ConfigPath())
}

// WriteMeta persists meta to this session's meta.json.
func (d *SessionDir) WriteMeta(meta SessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal session meta: %w", err)
	}
	if err := os.WriteFile(d.MetaPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write session meta: %w", err)
	}
	return nil
}

// ReadMeta loads this session's meta.json.
func (d *SessionDir) ReadMeta() (SessionMeta, error) {
	data, err := os.ReadFile(d.MetaPath())
	if err != nil {
		return SessionMeta{}, fmt.Errorf("config: read session meta: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, fmt.Errorf("config: parse session meta: %w", err)
	}
	return meta, nil
}
