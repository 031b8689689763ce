// Package subagent provides tools for spawning and managing sub-agents.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentrt/harness/internal/agent"
)

// SubAgent represents a spawned sub-agent.
type SubAgent struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id"`
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name"`
	Task         string    `json:"task"`
	Status       string    `json:"status"` // running, completed, failed, cancelled
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
	DeniedTools  []string  `json:"denied_tools,omitempty"`
}

// Manager manages sub-agent lifecycle. It spawns each sub-agent as its own
// agent.Session, reusing the parent's model, system prompt and working
// directory but narrowing its tool registry to AllowedTools/DeniedTools.
type Manager struct {
	mu          sync.RWMutex
	agents      map[string]*SubAgent
	parentAgent *agent.Agent
	maxActive   int
	activeCount int64
	announcer   func(ctx context.Context, parentSession string, msg string) error
}

// NewManager creates a new sub-agent manager. parentAgent may be nil in
// tests that only exercise the bookkeeping methods; Spawn fails fast against
// a nil parentAgent once a sub-agent would actually need to run.
func NewManager(parentAgent *agent.Agent, maxActive int) *Manager {
	if maxActive <= 0 {
		maxActive = 5
	}
	return &Manager{
		agents:      make(map[string]*SubAgent),
		parentAgent: parentAgent,
		maxActive:   maxActive,
	}
}

// SetAnnouncer sets the function to announce sub-agent spawns.
func (m *Manager) SetAnnouncer(fn func(ctx context.Context, parentSession string, msg string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcer = fn
}

// Spawn creates and starts a new sub-agent.
func (m *Manager) Spawn(ctx context.Context, parentID, parentSession, name, task string, allowedTools, deniedTools []string) (*SubAgent, error) {
	if atomic.LoadInt64(&m.activeCount) >= int64(m.maxActive) {
		return nil, fmt.Errorf("max active sub-agents reached (%d)", m.maxActive)
	}

	sa := &SubAgent{
		ID:           uuid.NewString(),
		ParentID:     parentID,
		SessionID:    parentSession + "-" + uuid.NewString()[:8],
		Name:         name,
		Task:         task,
		Status:       "running",
		CreatedAt:    time.Now(),
		AllowedTools: allowedTools,
		DeniedTools:  deniedTools,
	}

	m.mu.Lock()
	m.agents[sa.ID] = sa
	announcer := m.announcer
	m.mu.Unlock()

	atomic.AddInt64(&m.activeCount, 1)

	if announcer != nil {
		announcement := fmt.Sprintf("Spawning sub-agent %q to: %s", name, task)
		if err := announcer(ctx, parentSession, announcement); err != nil {
			_ = err // best-effort announcement
		}
	}

	go m.runSubAgent(context.Background(), sa)

	return sa, nil
}

// runSubAgent executes the sub-agent's task to completion in its own Session.
func (m *Manager) runSubAgent(ctx context.Context, sa *SubAgent) {
	defer atomic.AddInt64(&m.activeCount, -1)

	if m.parentAgent == nil {
		m.completeSubAgent(sa.ID, "", "subagent: no parent agent configured")
		return
	}

	childAgent := *m.parentAgent
	childAgent.Registry = filterRegistry(m.parentAgent.Registry, sa.AllowedTools, sa.DeniedTools)

	state, err := agent.NewState(sa.SessionID, childAgent.SystemPrompt, "")
	if err != nil {
		m.completeSubAgent(sa.ID, "", fmt.Sprintf("create sub-agent state: %v", err))
		return
	}
	defer state.Close()

	session := agent.NewSession(&childAgent, state)
	session.SetCancelCheck(func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.agents[sa.ID] != nil && m.agents[sa.ID].Status == "cancelled"
	})

	result := session.Run(ctx, sa.Task, nil)
	if result.Err != nil {
		m.completeSubAgent(sa.ID, "", result.Err.Error())
		return
	}
	m.completeSubAgent(sa.ID, result.Text, "")
}

// filterRegistry builds a registry containing only the parent's tools the
// sub-agent is permitted to use: every tool when allowed is empty, minus
// anything named in denied.
func filterRegistry(parent *agent.Registry, allowed, denied []string) *agent.Registry {
	out := agent.NewRegistry()
	if parent == nil {
		return out
	}

	allowSet := toSet(allowed)
	denySet := toSet(denied)

	for _, tool := range parent.AsTools() {
		name := tool.Name()
		if name == "delegate" {
			// A sub-agent never gets to spawn its own sub-agents.
			continue
		}
		if len(allowSet) > 0 && !allowSet[name] {
			continue
		}
		if denySet[name] {
			continue
		}
		out.Register(tool)
	}
	return out
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// completeSubAgent marks a sub-agent as completed.
func (m *Manager) completeSubAgent(id, result, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, ok := m.agents[id]
	if !ok {
		return
	}

	sa.CompletedAt = time.Now()
	if errMsg != "" {
		sa.Status = "failed"
		sa.Error = errMsg
	} else {
		sa.Status = "completed"
		sa.Result = result
	}
}

// Get returns a sub-agent by ID.
func (m *Manager) Get(id string) (*SubAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sa, ok := m.agents[id]
	return sa, ok
}

// List returns all sub-agents for a parent.
func (m *Manager) List(parentID string) []*SubAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SubAgent
	for _, sa := range m.agents {
		if sa.ParentID == parentID {
			result = append(result, sa)
		}
	}
	return result
}

// Cancel cancels a running sub-agent. The sub-agent's Session observes the
// status flip through its cancel-check predicate at its next loop boundary.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("sub-agent not found: %s", id)
	}
	if sa.Status != "running" {
		return fmt.Errorf("sub-agent not running: %s", sa.Status)
	}

	sa.Status = "cancelled"
	sa.CompletedAt = time.Now()
	sa.Error = "cancelled by user"
	return nil
}

// ActiveCount returns the number of active sub-agents.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

// SpawnTool is a tool for spawning sub-agents.
type SpawnTool struct {
	manager *Manager
}

// NewSpawnTool creates a new spawn tool.
func NewSpawnTool(manager *Manager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

// Name returns the tool name.
func (t *SpawnTool) Name() string {
	return "spawn_subagent"
}

// Description returns the tool description.
func (t *SpawnTool) Description() string {
	return "Spawn a sub-agent to work on a specific task. Returns the sub-agent ID for tracking."
}

// Schema returns the tool's input schema.
func (t *SpawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "A short name for the sub-agent (e.g., 'researcher', 'coder')",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent to complete",
			},
			"allowed_tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tools the sub-agent is allowed to use (optional, defaults to all)",
			},
			"denied_tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tools the sub-agent is NOT allowed to use (optional)",
			},
		},
		"required": []string{"name", "task"},
	}
}

// Execute spawns a sub-agent.
func (t *SpawnTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Name         string   `json:"name"`
		Task         string   `json:"task"`
		AllowedTools []string `json:"allowed_tools"`
		DeniedTools  []string `json:"denied_tools"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.Name == "" {
		return "", fmt.Errorf("name is required")
	}
	if params.Task == "" {
		return "", fmt.Errorf("task is required")
	}

	parentID, parentSession := parentFromContext(ctx)

	sa, err := t.manager.Spawn(ctx, parentID, parentSession, params.Name, params.Task, params.AllowedTools, params.DeniedTools)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Sub-agent '%s' spawned with ID: %s\nTask: %s\nUse subagent_status to check progress.", params.Name, sa.ID, params.Task), nil
}

// parentFromContext extracts the calling session's identity, if the caller
// threaded one through via agent.ContextWithSession.
func parentFromContext(ctx context.Context) (parentID, parentSession string) {
	session := agent.SessionFromContext(ctx)
	if session == nil {
		return "", ""
	}
	return session.State().SessionID(), session.State().SessionID()
}

// StatusTool is a tool for checking sub-agent status.
type StatusTool struct {
	manager *Manager
}

// NewStatusTool creates a new status tool.
func NewStatusTool(manager *Manager) *StatusTool {
	return &StatusTool{manager: manager}
}

// Name returns the tool name.
func (t *StatusTool) Name() string {
	return "subagent_status"
}

// Description returns the tool description.
func (t *StatusTool) Description() string {
	return "Check the status of a sub-agent or list all sub-agents."
}

// Schema returns the tool's input schema.
func (t *StatusTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Sub-agent ID to check (optional, omit to list all)",
			},
		},
	}
}

// Execute checks sub-agent status.
func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.ID != "" {
		sa, ok := t.manager.Get(params.ID)
		if !ok {
			return "", fmt.Errorf("sub-agent not found: %s", params.ID)
		}

		result := fmt.Sprintf("Sub-agent: %s (%s)\nStatus: %s\nTask: %s\n", sa.Name, sa.ID, sa.Status, sa.Task)
		if sa.Status == "completed" {
			result += fmt.Sprintf("Result: %s\n", sa.Result)
		}
		if sa.Status == "failed" {
			result += fmt.Sprintf("Error: %s\n", sa.Error)
		}
		return result, nil
	}

	parentID, _ := parentFromContext(ctx)

	agents := t.manager.List(parentID)
	if len(agents) == 0 {
		return "No sub-agents found.", nil
	}

	result := fmt.Sprintf("Active sub-agents: %d/%d\n\n", t.manager.ActiveCount(), t.manager.maxActive)
	for _, sa := range agents {
		result += fmt.Sprintf("- %s (%s): %s - %s\n", sa.Name, sa.ID, sa.Status, truncate(sa.Task, 50))
	}
	return result, nil
}

// CancelTool is a tool for cancelling sub-agents.
type CancelTool struct {
	manager *Manager
}

// NewCancelTool creates a new cancel tool.
func NewCancelTool(manager *Manager) *CancelTool {
	return &CancelTool{manager: manager}
}

// Name returns the tool name.
func (t *CancelTool) Name() string {
	return "subagent_cancel"
}

// Description returns the tool description.
func (t *CancelTool) Description() string {
	return "Cancel a running sub-agent."
}

// Schema returns the tool's input schema.
func (t *CancelTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Sub-agent ID to cancel",
			},
		},
		"required": []string{"id"},
	}
}

// Execute cancels a sub-agent.
func (t *CancelTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.ID == "" {
		return "", fmt.Errorf("id is required")
	}

	if err := t.manager.Cancel(params.ID); err != nil {
		return "", err
	}

	return fmt.Sprintf("Sub-agent %s cancelled.", params.ID), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// DelegateTool is the agent.Tool adapter wired into a capability profile's
// registry via agent.Factory.DelegateFactory. Unlike SpawnTool's
// fire-and-forget bookkeeping, it blocks until the child session finishes
// so the calling model turn gets the sub-agent's final answer directly.
type DelegateTool struct {
	manager *Manager
}

// NewDelegateTool returns the synchronous delegate tool for a child
// capability profile. workingDir and childProfile are baked in by the
// agent.Factory at registry-build time; parentAgent must already have
// EnableDelegate cleared, which Factory.Build guarantees.
func NewDelegateTool(parentAgent *agent.Agent) *DelegateTool {
	return &DelegateTool{manager: NewManager(parentAgent, 1)}
}

// Name returns the tool name. It must be exactly "delegate": the capability
// profile's static dangerous-tool set and approval overrides are keyed on
// this literal name.
func (t *DelegateTool) Name() string { return "delegate" }

// Description returns the tool description.
func (t *DelegateTool) Description() string {
	return "Delegate a self-contained task to a sub-agent and wait for its final answer. The sub-agent cannot itself delegate."
}

var delegateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "The task for the sub-agent to complete"},
		"allowed_tools": {"type": "array", "items": {"type": "string"}, "description": "Tools the sub-agent may use (optional, defaults to all but delegate)"}
	},
	"required": ["task"]
}`)

// Schema returns the tool's JSON Schema.
func (t *DelegateTool) Schema() json.RawMessage { return delegateSchema }

// RequiresApproval always reports true: delegation can execute arbitrary
// tools on the caller's behalf, so the dangerous-tool default alone isn't
// enough to rely on if a profile ever overrides it away.
func (t *DelegateTool) RequiresApproval() bool { return true }

// Execute spawns a child session, blocks for its completion, and returns its
// final text as the tool result.
func (t *DelegateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Task         string   `json:"task"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode delegate arguments: %w", err)
	}
	if args.Task == "" {
		return &agent.ToolResult{Content: "task is required", IsError: true}, nil
	}

	parentID, parentSession := parentFromContext(ctx)
	if parentSession == "" {
		parentSession = "delegate-" + uuid.NewString()[:8]
	}

	sa, err := t.manager.Spawn(ctx, parentID, parentSession, "delegate", args.Task, args.AllowedTools, nil)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	for {
		select {
		case <-ctx.Done():
			return &agent.ToolResult{Content: ctx.Err().Error(), IsError: true}, nil
		default:
		}
		current, _ := t.manager.Get(sa.ID)
		switch current.Status {
		case "completed":
			return &agent.ToolResult{Content: current.Result}, nil
		case "failed", "cancelled":
			return &agent.ToolResult{Content: current.Error, IsError: true}, nil
		}
		time.Sleep(25 * time.Millisecond)
	}
}
