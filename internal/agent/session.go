package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrt/harness/pkg/models"
)

// Default timeouts and thresholds for the Agent Loop (§4.3, §4.5).
const (
	DefaultPerChunkTimeout    = 180 * time.Second
	DefaultInitialChunkTimeout = 600 * time.Second
	AutoCompactThreshold      = 0.7
	MaxNudges                 = 3
	nudgeTextLengthCeiling    = 500
)

// completionSignals are case-insensitive substrings the nudge policy looks
// for in the model's last text to decide the model believes it is done.
var completionSignals = []string{
	"task complete", "task is complete", "finished", "done", "completed the task",
	"all done", "nothing more to do", "no further action",
}

// nudgeMessage is the canned continuation prompt injected when the model
// stops short without a recognized completion signal (eval mode only).
const nudgeMessage = "Please continue. If you believe the task is complete, say so explicitly."

// Session binds one Agent to one State and drives the Agent Loop: it owns
// cancellation, approval-callback wiring, auto-compaction, and per-run
// event emission. A Session exclusively owns its State; its Agent is
// shared, immutable configuration that may back other Sessions too.
type Session struct {
	agent *Agent
	state *State

	mu               sync.Mutex
	approvalCallback ApprovalCallback
	cancelRequested  atomic.Bool
	cancelCheck      func() bool
	nudgeCount       int
	lastInputTokens  int
	seq              uint64

	perChunkTimeout    time.Duration
	initialChunkTimeout time.Duration
}

// NewSession constructs a Session over agentCfg and state.
func NewSession(agentCfg *Agent, state *State) *Session {
	return &Session{
		agent:               agentCfg,
		state:               state,
		perChunkTimeout:     DefaultPerChunkTimeout,
		initialChunkTimeout: DefaultInitialChunkTimeout,
	}
}

type sessionContextKey struct{}

// ContextWithSession returns a context carrying s, so a tool's Execute can
// recover the Session it is running under via SessionFromContext (e.g. the
// delegate tool needs its caller's identity to track sub-agent ownership).
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the Session set by ContextWithSession, or nil
// if ctx carries none.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

// State returns the Session's owned State.
func (s *Session) State() *State { return s.state }

// Agent returns the Session's Agent.
func (s *Session) Agent() *Agent { return s.agent }

// SetApprovalCallback installs the callback consulted before a tool call
// the registry/profile flags as requiring approval. A nil callback means
// every gated call proceeds without asking (equivalent to approval mode
// none at the Session layer, independent of the profile's own policy).
func (s *Session) SetApprovalCallback(cb ApprovalCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvalCallback = cb
}

// SetCancelCheck installs an external cancellation predicate — e.g. the
// Signal Manager's `.cancel` sentinel poll — consulted alongside the
// in-process RequestCancel latch. Both sources feed the same is_cancelled
// predicate (§5).
func (s *Session) SetCancelCheck(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCheck = fn
}

// RequestCancel sets the in-process cancellation latch. Once set it stays
// set for the life of the Session; cancellation is observed cooperatively
// between loop steps, never mid tool-call.
func (s *Session) RequestCancel() { s.cancelRequested.Store(true) }

// IsCancelled reports whether this run should stop at the next checkpoint.
func (s *Session) IsCancelled() bool {
	if s.cancelRequested.Load() {
		return true
	}
	s.mu.Lock()
	check := s.cancelCheck
	s.mu.Unlock()
	return check != nil && check()
}

func (s *Session) nextSeq() uint64 { return atomic.AddUint64(&s.seq, 1) }

func (s *Session) emit(onEvent EventHandler, ev models.AgentEvent) {
	if onEvent == nil {
		return
	}
	ev.Time = time.Now().UTC()
	ev.Sequence = s.nextSeq()
	ev.RunID = s.state.SessionID()
	onEvent(ev)
}

// Run starts a fresh turn with userInput as the new user message. See
// Resume for continuing an interrupted run.
func (s *Session) Run(ctx context.Context, userInput string, onEvent EventHandler) *RunResult {
	s.state.IncrementRunCount()
	s.state.SetStatus(models.StatusRunning)

	if s.IsCancelled() {
		s.emit(onEvent, models.AgentEvent{Type: models.EventCancelled})
		s.state.SetStatus(models.StatusCancelled)
		return &RunResult{Status: models.StatusCancelled, Usage: s.state.Usage()}
	}

	s.maybeAutoCompact(ctx, onEvent, "auto")
	s.state.AddUserMessage(userInput)

	return s.loop(ctx, nil, nil, onEvent)
}

// Resume continues an interrupted run: pendingApprovals are the tool calls
// frozen by the ApprovalInterrupt that ended the prior run (normally
// state.RestoreFromRunState has already been called with the same
// RunState so the history lines up); approvalDecisions, keyed by
// tool_call_id, short-circuit the approval callback for calls the caller
// already has an out-of-band decision for.
func (s *Session) Resume(ctx context.Context, pendingApprovals []models.ToolApprovalItem, approvalDecisions map[string]bool, onEvent EventHandler) *RunResult {
	s.state.IncrementRunCount()
	s.state.SetStatus(models.StatusRunning)

	if s.IsCancelled() {
		s.emit(onEvent, models.AgentEvent{Type: models.EventCancelled})
		s.state.SetStatus(models.StatusCancelled)
		return &RunResult{Status: models.StatusCancelled, Usage: s.state.Usage()}
	}

	return s.loop(ctx, pendingApprovals, approvalDecisions, onEvent)
}

// loop implements the Agent Loop's state machine (§4.5). When resumeCalls
// is non-nil, the first iteration skips MODEL_STREAM and enters
// EXECUTE_TOOLS directly with the frozen calls.
func (s *Session) loop(ctx context.Context, resumeCalls []models.ToolApprovalItem, approvalDecisions map[string]bool, onEvent EventHandler) *RunResult {
	first := true
	for {
		if s.IsCancelled() {
			s.emit(onEvent, models.AgentEvent{Type: models.EventCancelled})
			s.state.SetStatus(models.StatusCancelled)
			return &RunResult{Status: models.StatusCancelled, Usage: s.state.Usage()}
		}

		var pendingCalls []models.ToolCallSpec
		var turnText string

		if first && resumeCalls != nil {
			for _, pa := range resumeCalls {
				pendingCalls = append(pendingCalls, approvalItemToCallSpec(pa))
			}
		} else {
			s.maybeAutoCompact(ctx, onEvent, "auto")

			text, calls, usageDelta, err := s.streamTurn(ctx, onEvent)
			if err != nil {
				if ctx.Err() != nil && s.IsCancelled() {
					s.emit(onEvent, models.AgentEvent{Type: models.EventCancelled})
					s.state.SetStatus(models.StatusCancelled)
					return &RunResult{Status: models.StatusCancelled, Usage: s.state.Usage()}
				}
				s.emit(onEvent, models.AgentEvent{Type: models.EventError, Error: &models.ErrorPayload{Content: err.Error()}})
				s.state.SetStatus(models.StatusError)
				return &RunResult{Status: models.StatusError, Usage: s.state.Usage(), Err: err}
			}

			s.state.UpdateUsage(usageDelta)
			s.lastInputTokens = usageDelta.InputTokens
			s.emit(onEvent, models.AgentEvent{Type: models.EventApiComplete, ApiComplete: &models.ApiCompletePayload{Usage: s.state.Usage()}})

			turnText = text
			pendingCalls = calls

			// Tool calls take precedence over any accompanying text: per
			// §4.5's tie-break, history records only the tool-calls
			// message and the text is reported solely via text events.
			if len(pendingCalls) > 0 {
				s.state.AddAssistantToolCalls(pendingCalls)
			} else if turnText != "" {
				s.state.AddAssistantMessage(turnText)
			}

			if len(pendingCalls) == 0 {
				if s.agent.NudgeEnabled && s.nudgeCount < MaxNudges && !hasCompletionSignal(turnText) && len(turnText) < nudgeTextLengthCeiling {
					s.nudgeCount++
					s.state.AddUserMessage(nudgeMessage)
					continue
				}
				s.emit(onEvent, models.AgentEvent{Type: models.EventTurnComplete, TurnComplete: &models.TurnCompletePayload{
					Usage:       s.state.Usage(),
					ContextSize: s.lastInputTokens,
				}})
				s.state.SetStatus(models.StatusCompleted)
				return &RunResult{Status: models.StatusCompleted, Usage: s.state.Usage(), Text: turnText}
			}
		}

		// EXECUTE_TOOLS
		blocked := false
		for i, call := range pendingCalls {
			if s.IsCancelled() {
				s.emit(onEvent, models.AgentEvent{Type: models.EventCancelled})
				s.state.SetStatus(models.StatusCancelled)
				return &RunResult{Status: models.StatusCancelled, Usage: s.state.Usage()}
			}

			needsApproval := s.agent.Registry.RequiresApproval(call.Name) || s.agent.Profile.RequiresApproval(call.Name)

			if needsApproval {
				outcome := ApprovalProceed
				reason := ""

				if preDecided, ok := approvalDecision(first, resumeCalls, approvalDecisions, call.ID); ok {
					if preDecided {
						outcome = ApprovalProceed
					} else {
						outcome = ApprovalRejected
					}
				} else {
					s.mu.Lock()
					cb := s.approvalCallback
					s.mu.Unlock()
					if cb != nil {
						args, _ := decodeArguments(call.Arguments)
						outcome, reason = cb(call.Name, args)
					}
				}

				switch outcome {
				case ApprovalInterrupt:
					remaining := make([]models.ToolApprovalItem, 0, len(pendingCalls)-i)
					for _, c := range pendingCalls[i:] {
						args, _ := decodeArguments(c.Arguments)
						remaining = append(remaining, models.ToolApprovalItem{ToolCallID: c.ID, ToolName: c.Name, ToolArgs: args})
					}
					rs := s.state.Snapshot(s.agent.SystemPrompt, s.lastInputTokens, remaining)
					s.emit(onEvent, models.AgentEvent{Type: models.EventInterruption, Interruption: &models.InterruptionPayload{RunStateID: rs.SessionID}})
					s.state.SetStatus(models.StatusInterrupted)
					return &RunResult{Status: models.StatusInterrupted, Usage: s.state.Usage(), State: &rs}
				case ApprovalRejected:
					s.rejectRemaining(pendingCalls[i:], reason, onEvent)
					blocked = true
				case ApprovalProceed:
					// fall through to dispatch
				}
			}
			if blocked {
				break
			}

			s.dispatchCall(ctx, call, onEvent)
		}

		if blocked {
			s.emit(onEvent, models.AgentEvent{Type: models.EventTurnComplete, TurnComplete: &models.TurnCompletePayload{
				Usage:       s.state.Usage(),
				ContextSize: s.lastInputTokens,
			}})
			s.state.SetStatus(models.StatusCompleted)
			return &RunResult{Status: models.StatusCompleted, Usage: s.state.Usage()}
		}

		first = false
		resumeCalls = nil
	}
}

// rejectRemaining appends the synthetic rejected/skipped tool results for a
// blocked call and every call still pending behind it, per §8 Scenario B.
func (s *Session) rejectRemaining(calls []models.ToolCallSpec, reason string, onEvent EventHandler) {
	for i, c := range calls {
		var content string
		if i == 0 {
			content = "Command rejected by user. Awaiting new instructions."
			if reason != "" {
				content = fmt.Sprintf("%s (%s)", content, reason)
			}
		} else {
			content = "Command skipped - user rejected previous command."
		}
		s.state.AddToolResult(c.ID, content)
		s.emit(onEvent, models.AgentEvent{Type: models.EventToolBlocked, ToolBlocked: &models.ToolBlockedPayload{
			CallID: c.ID, Name: c.Name, Reason: reason,
		}})
	}
}

// dispatchCall executes one tool call, truncates its output if needed, and
// appends the result to history.
func (s *Session) dispatchCall(ctx context.Context, call models.ToolCallSpec, onEvent EventHandler) {
	s.emit(onEvent, models.AgentEvent{Type: models.EventToolStart, ToolStart: &models.ToolStartPayload{
		CallID: call.ID, Name: call.Name, Arguments: call.Arguments,
	}})

	start := time.Now()
	output := s.agent.Registry.Dispatch(ContextWithSession(ctx, s), call)
	duration := time.Since(start)

	content := output.Content
	if max := s.agent.maxOutputChars(); max > 0 && len(content) > max {
		content = truncateMiddle(content, max)
	}
	output.Content = content

	s.state.AddToolResult(call.ID, content)
	s.emit(onEvent, models.AgentEvent{Type: models.EventToolEnd, ToolEnd: &models.ToolEndPayload{
		CallID: call.ID, Name: call.Name, Result: output, Duration: duration,
	}})
}

// truncateMiddle keeps the first and last max/2 characters of content,
// joined by a marker line, per §4.5's output-truncation edge case.
func truncateMiddle(content string, max int) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	half := max / 2
	marker := fmt.Sprintf("\n...[%d characters truncated]...\n", len(content)-max)
	return content[:half] + marker + content[len(content)-half:]
}

// streamTurn builds the next prompt from current history and consumes the
// model's stream, enforcing the per-chunk and initial-chunk timeouts.
func (s *Session) streamTurn(ctx context.Context, onEvent EventHandler) (text string, toolCalls []models.ToolCallSpec, usage models.Usage, err error) {
	if s.agent.Provider == nil {
		return "", nil, models.Usage{}, fmt.Errorf("agent: no model provider configured")
	}

	req := &CompletionRequest{
		Model:        s.agent.Model,
		SystemPrompt: s.agent.SystemPrompt,
		Messages:     toCompletionMessages(s.state.GetMessages()),
		Tools:        s.agent.Registry.Specs(),
		MaxTokens:    s.agent.MaxTokens,
	}

	chunks, err := s.agent.Provider.Complete(ctx, req)
	if err != nil {
		return "", nil, models.Usage{}, err
	}

	seen := make(map[string]bool)
	first := true
	for {
		timeout := s.perChunkTimeout
		if first {
			timeout = s.initialChunkTimeout
		}
		timer := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return text, toolCalls, usage, ctx.Err()
		case <-timer.C:
			return text, toolCalls, usage, fmt.Errorf("model stream: no chunk received within %s", timeout)
		case chunk, ok := <-chunks:
			timer.Stop()
			if !ok {
				return text, toolCalls, usage, fmt.Errorf("model stream closed without a done or error event")
			}
			first = false
			if chunk.Error != nil {
				return text, toolCalls, usage, chunk.Error
			}
			if chunk.Text != "" {
				text += chunk.Text
				s.emit(onEvent, models.AgentEvent{Type: models.EventText, Text: &models.TextPayload{Content: chunk.Text}})
			}
			if chunk.ToolCall != nil {
				if seen[chunk.ToolCall.ID] {
					return text, toolCalls, usage, fmt.Errorf("duplicate tool_call id %q from model stream", chunk.ToolCall.ID)
				}
				seen[chunk.ToolCall.ID] = true
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				usage = models.Usage{
					InputTokens:  chunk.InputTokens,
					OutputTokens: chunk.OutputTokens,
					CachedTokens: chunk.CachedTokens,
				}
				return text, toolCalls, usage, nil
			}
		}
	}
}

// maybeAutoCompact triggers compaction when the last observed (or
// character-estimated) prompt size crosses the 0.7x context-window
// threshold, per §4.5 and §4.6. It is called at turn entry and is safe to
// call even when no context window is configured (a no-op then).
func (s *Session) maybeAutoCompact(ctx context.Context, onEvent EventHandler, trigger string) {
	window := s.agent.ContextWindow
	if window <= 0 {
		return
	}
	estimate := s.lastInputTokens
	if estimate == 0 {
		estimate = s.state.EstimateTokens(s.agent.SystemPrompt)
	}
	if float64(estimate) < AutoCompactThreshold*float64(window) {
		return
	}
	s.compact(ctx, onEvent, trigger)
}

// compact replaces history with a model-produced checkpoint summary
// (§4.6). If the summary call fails or returns an empty summary, history is
// left intact; the failure is not reported as an error event, compact_end
// is still emitted, and the run continues.
func (s *Session) compact(ctx context.Context, onEvent EventHandler, trigger string) {
	tokensBefore := s.state.EstimateTokens(s.agent.SystemPrompt)
	s.emit(onEvent, models.AgentEvent{Type: models.EventCompactStart, Compact: &models.CompactPayload{Trigger: trigger, TokensBefore: tokensBefore}})

	messages := s.state.GetMessages()
	prompt := buildCompactionPrompt(messages)

	if s.agent.Provider != nil {
		summary, usage, err := s.agent.Provider.CompleteSync(ctx, &CompletionRequest{
			Model:    s.agent.Model,
			Messages: []CompletionMessage{{Role: models.RoleUser, Content: prompt}},
		})
		if err == nil && strings.TrimSpace(summary) != "" {
			s.state.UpdateUsage(usage)
			recent := lastUserMessages(s.state.GetUserMessages(), 3)
			s.state.ReplaceWithSummary(SummaryPrefix+summary, recent)
		}
	}

	tokensAfter := s.state.EstimateTokens(s.agent.SystemPrompt)
	s.emit(onEvent, models.AgentEvent{Type: models.EventCompactEnd, Compact: &models.CompactPayload{Trigger: trigger, TokensBefore: tokensBefore, TokensAfter: tokensAfter}})
}

// buildCompactionPrompt renders the prior conversation as the one-shot
// checkpoint-summary instruction described in §4.6.
func buildCompactionPrompt(messages []models.Message) string {
	var sb strings.Builder
	sb.WriteString("Produce a checkpoint handoff summary of the conversation below. ")
	sb.WriteString("Cover: progress so far, decisions made, remaining work, and any critical references (file paths, ids, commands) a continuation needs.\n\n")
	for _, m := range messages {
		switch {
		case m.Role == models.RoleUser:
			sb.WriteString("User: " + m.Content + "\n")
		case m.Role == models.RoleAssistant && len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				sb.WriteString("Assistant called tool: " + tc.Name + "\n")
			}
		case m.Role == models.RoleAssistant:
			sb.WriteString("Assistant: " + m.Content + "\n")
		case m.Role == models.RoleTool:
			sb.WriteString("Tool result: " + truncateString(m.Content, 500) + "\n")
		}
	}
	return sb.String()
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func lastUserMessages(msgs []models.Message, n int) []models.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// hasCompletionSignal reports whether text contains one of the fixed
// case-insensitive completion-signal substrings the nudge policy checks.
func hasCompletionSignal(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range completionSignals {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// approvalDecision looks up a caller-supplied out-of-band decision for
// callID, but only on the first loop iteration of a Resume — decisions
// apply to the frozen calls a prior interrupt produced, not to calls a
// fresh model turn happens to repeat the id of.
func approvalDecision(first bool, resumeCalls []models.ToolApprovalItem, decisions map[string]bool, callID string) (bool, bool) {
	if !first || resumeCalls == nil || decisions == nil {
		return false, false
	}
	v, ok := decisions[callID]
	return v, ok
}

func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, err
	}
	return args, nil
}

func approvalItemToCallSpec(item models.ToolApprovalItem) models.ToolCallSpec {
	raw, _ := json.Marshal(item.ToolArgs)
	return models.ToolCallSpec{ID: item.ToolCallID, Name: item.ToolName, Arguments: string(raw)}
}

// toCompletionMessages derives the provider-facing wire shape from the
// canonical history. A tool message's ToolCallID distinguishes it from a
// user message in the same Role-keyed shape.
func toCompletionMessages(msgs []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, CompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}
