package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentrt/harness/pkg/models"
)

// SummaryPrefix marks a message produced by replace_with_summary so a
// reader of the transcript can tell a synthetic checkpoint from an actual
// user turn.
const SummaryPrefix = "[checkpoint summary]\n\n"

// TraceEvent is one line of a session's durable JSONL trace. Fields beyond
// Event/Timestamp vary by kind and are carried in Data.
type TraceEvent struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"-"`
}

// MarshalJSON flattens Data alongside Event/Timestamp into one object.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["event"] = e.Event
	out["ts"] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON captures every field into Data except event/ts.
func (e *TraceEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ev, ok := raw["event"].(string); ok {
		e.Event = ev
	}
	delete(raw, "event")
	if ts, ok := raw["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	delete(raw, "ts")
	e.Data = raw
	return nil
}

// Observer receives a copy of every trace event emitted by a State. Errors
// returned by an observer are swallowed by State (best-effort mirror); a
// debug-mode caller can still see them via SetDebugSink.
type Observer interface {
	Notify(event TraceEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(event TraceEvent) error

func (f ObserverFunc) Notify(event TraceEvent) error { return f(event) }

// State is the single source of truth for one conversation: ordered
// history, cumulative usage, lifecycle status, and the durable trace. All
// mutation methods are append-only except ReplaceWithSummary.
type State struct {
	mu sync.Mutex

	sessionID    string
	systemPrompt string
	messages     []models.Message
	usage        models.Usage
	status       models.Status
	runCount     int

	tracePath  string
	traceFile  *os.File
	observers  []Observer
	debugSink  func(err error)
}

// NewState constructs an empty State for sessionID. If tracePath is
// non-empty, every mutation appends one JSONL line to it (flush-after-write).
func NewState(sessionID, systemPrompt, tracePath string) (*State, error) {
	s := &State{
		sessionID:    sessionID,
		systemPrompt: systemPrompt,
		status:       models.StatusCreated,
		tracePath:    tracePath,
	}
	if tracePath != "" {
		f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		s.traceFile = f
	}
	return s, nil
}

// AddObserver registers an observer for future trace events.
func (s *State) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// SetDebugSink installs a secondary error channel that receives observer
// failures without perturbing the agent event stream.
func (s *State) SetDebugSink(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugSink = fn
}

// Close releases the trace file handle, if any.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.traceFile != nil {
		return s.traceFile.Close()
	}
	return nil
}

func (s *State) SessionID() string      { return s.sessionID }
func (s *State) SystemPrompt() string   { return s.systemPrompt }
func (s *State) Status() models.Status  { return s.status }
func (s *State) RunCount() int          { return s.runCount }
func (s *State) Usage() models.Usage    { return s.usage }

// SetStatus transitions the session's lifecycle status and emits a status
// event.
func (s *State) SetStatus(status models.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.emit(TraceEvent{Event: "status", Timestamp: now(), Data: map[string]any{"status": string(status)}})
}

// IncrementRunCount bumps the run counter at the start of each Session.run
// invocation (fresh or resumed).
func (s *State) IncrementRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCount++
	return s.runCount
}

// AddUserMessage appends a user turn.
func (s *State) AddUserMessage(content string) {
	s.appendMessage(models.Message{Role: models.RoleUser, Content: content})
}

// AddAssistantMessage appends an assistant text turn.
func (s *State) AddAssistantMessage(content string) {
	s.appendMessage(models.Message{Role: models.RoleAssistant, Content: content})
}

// AddAssistantToolCalls appends an assistant turn requesting tool calls.
// Content is left empty: per the Agent Loop's tie-break rule, tool calls
// take precedence over any text produced in the same turn.
func (s *State) AddAssistantToolCalls(calls []models.ToolCallSpec) {
	s.appendMessage(models.Message{Role: models.RoleAssistant, ToolCalls: calls})
}

// AddToolResult appends a tool result keyed to its call id.
func (s *State) AddToolResult(callID, content string) {
	s.appendMessage(models.Message{Role: models.RoleTool, Content: content, ToolCallID: callID})
}

// AddSystemMessage appends a system-role marker message. The live system
// prompt sent to the provider lives on Agent, not in history; this is used
// only for checkpoint/summary bookkeeping.
func (s *State) AddSystemMessage(content string) {
	s.appendMessage(models.Message{Role: models.RoleSystem, Content: content})
}

func (s *State) appendMessage(msg models.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	n := len(s.messages)
	s.mu.Unlock()
	s.emit(TraceEvent{Event: "message", Timestamp: now(), Data: map[string]any{
		"index":   n - 1,
		"role":    string(msg.Role),
		"message": msg,
	}})
}

// UpdateUsage accumulates deltas into the cumulative session total.
func (s *State) UpdateUsage(delta models.Usage) {
	s.mu.Lock()
	s.usage = s.usage.Add(delta)
	total := s.usage
	s.mu.Unlock()
	s.emit(TraceEvent{Event: "usage", Timestamp: now(), Data: map[string]any{"usage": total}})
}

// ReplaceWithSummary is the compaction primitive: it clears history, then
// re-appends the last up-to-three user messages followed by a synthetic
// user message carrying the summary. Recent messages come first so the
// chronological prefix stays plausible; the summary is the most recent
// context.
func (s *State) ReplaceWithSummary(summaryText string, recentUserMessages []models.Message) {
	s.mu.Lock()
	if len(recentUserMessages) > 3 {
		recentUserMessages = recentUserMessages[len(recentUserMessages)-3:]
	}
	replacement := make([]models.Message, 0, len(recentUserMessages)+1)
	replacement = append(replacement, recentUserMessages...)
	replacement = append(replacement, models.Message{Role: models.RoleUser, Content: summaryText})
	s.messages = replacement
	s.mu.Unlock()
	s.emit(TraceEvent{Event: "compact", Timestamp: now(), Data: map[string]any{
		"kept_user_messages": len(recentUserMessages),
	}})
}

// RestoreFromRunState rehydrates an existing State in place from a
// persisted RunState snapshot: history, cumulative usage, and status are
// overwritten; the trace file and observers already attached to s keep
// running. Called before Session.Resume to reconstruct the conversation a paused
// run left behind, whether that run was paused and resumed in the same
// process or round-tripped through a RunStore across a restart.
func (s *State) RestoreFromRunState(rs models.RunState) {
	s.mu.Lock()
	s.messages = append([]models.Message(nil), rs.History...)
	s.usage = rs.Usage
	s.status = models.StatusRunning
	s.mu.Unlock()
	s.emit(TraceEvent{Event: "restore", Timestamp: now(), Data: map[string]any{
		"history_len": len(rs.History),
	}})
}

// Snapshot captures the current State as a RunState, given the pending
// approvals an interrupted run froze and the last observed prompt-token
// count. It does not mutate s.
func (s *State) Snapshot(systemPrompt string, lastInputTokens int, pending []models.ToolApprovalItem) models.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]models.Message, len(s.messages))
	copy(history, s.messages)
	return models.RunState{
		SessionID:        s.sessionID,
		SystemPrompt:     systemPrompt,
		History:          history,
		Usage:            s.usage,
		LastInputTokens:  lastInputTokens,
		PendingApprovals: pending,
	}
}

// GetUserMessages returns every user-role message in history, in order.
func (s *State) GetUserMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0)
	for _, m := range s.messages {
		if m.Role == models.RoleUser {
			out = append(out, m)
		}
	}
	return out
}

// GetMessages returns a copy of the full ordered history.
func (s *State) GetMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// EstimateTokens approximates token usage as character length / 4 across
// the system prompt and every message's content and tool-call payload. It
// is used only for pre-call compaction decisions, not for billing.
func (s *State) EstimateTokens(systemPrompt string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	chars := len(systemPrompt)
	for _, m := range s.messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / 4
}

// ToJSONL serializes the full state: one line per message, followed by a
// final usage record carrying totals, status, and run count.
func (s *State) ToJSONL() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, m := range s.messages {
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
	}
	footer := map[string]any{
		"usage":     s.usage,
		"status":    s.status,
		"run_count": s.runCount,
	}
	if err := enc.Encode(footer); err != nil {
		return nil, fmt.Errorf("encode footer: %w", err)
	}
	return []byte(buf.String()), nil
}

// FromJSONL rebuilds a State's history, usage, status, and run count from a
// ToJSONL byte stream. Absent fields default to zero; this tolerates
// partial/older trace shapes.
func FromJSONL(sessionID, systemPrompt string, data []byte) (*State, error) {
	s := &State{sessionID: sessionID, systemPrompt: systemPrompt, status: models.StatusCreated}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var lines [][]byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	if len(lines) == 0 {
		return s, nil
	}

	for i, line := range lines[:len(lines)-1] {
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		s.messages = append(s.messages, msg)
	}

	var footer struct {
		Usage    models.Usage  `json:"usage"`
		Status   models.Status `json:"status"`
		RunCount int           `json:"run_count"`
	}
	if err := json.Unmarshal(lines[len(lines)-1], &footer); err == nil {
		s.usage = footer.Usage
		if footer.Status != "" {
			s.status = footer.Status
		}
		s.runCount = footer.RunCount
	} else {
		// Last line wasn't a valid footer; treat it as one more message so
		// no data is silently dropped.
		var msg models.Message
		if jerr := json.Unmarshal(lines[len(lines)-1], &msg); jerr == nil {
			s.messages = append(s.messages, msg)
		}
	}

	return s, nil
}

// emit writes the event to the trace file (if any) and notifies every
// observer, swallowing observer errors into the debug sink.
func (s *State) emit(event TraceEvent) {
	s.mu.Lock()
	traceFile := s.traceFile
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	debugSink := s.debugSink
	s.mu.Unlock()

	if traceFile != nil {
		if data, err := json.Marshal(event); err == nil {
			data = append(data, '\n')
			if _, werr := traceFile.Write(data); werr == nil {
				_ = traceFile.Sync()
			} else if debugSink != nil {
				debugSink(werr)
			}
		} else if debugSink != nil {
			debugSink(err)
		}
	}

	for _, o := range observers {
		if err := o.Notify(event); err != nil && debugSink != nil {
			debugSink(err)
		}
	}
}

func now() time.Time { return time.Now().UTC() }
