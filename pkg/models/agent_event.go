// Package models provides the domain types shared by the agent harness:
// messages, tool calls/results, usage accounting, and the turn event stream.
package models

import "time"

// AgentEvent is the unified event model for a Session's per-turn event stream.
// Exactly one Type applies per event; the corresponding payload field is
// populated and the rest are nil.
//
// Sequence is monotonic within a run so callers that buffer events out of
// delivery order can still reconstruct the original ordering.
type AgentEvent struct {
	Type     AgentEventType `json:"type"`
	Time     time.Time      `json:"time"`
	Sequence uint64         `json:"seq"`
	RunID    string         `json:"run_id,omitempty"`

	Text         *TextPayload         `json:"text,omitempty"`
	ToolStart    *ToolStartPayload    `json:"tool_start,omitempty"`
	ToolEnd      *ToolEndPayload      `json:"tool_end,omitempty"`
	ToolBlocked  *ToolBlockedPayload  `json:"tool_blocked,omitempty"`
	ApiComplete  *ApiCompletePayload  `json:"api_call_complete,omitempty"`
	TurnComplete *TurnCompletePayload `json:"turn_complete,omitempty"`
	Compact      *CompactPayload      `json:"compact,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
	Interruption *InterruptionPayload `json:"interruption,omitempty"`
}

// AgentEventType identifies the kind of turn event, per the trace JSONL format.
type AgentEventType string

const (
	EventText         AgentEventType = "text"
	EventToolStart     AgentEventType = "tool_start"
	EventToolEnd       AgentEventType = "tool_end"
	EventToolBlocked   AgentEventType = "tool_blocked"
	EventApiComplete   AgentEventType = "api_call_complete"
	EventTurnComplete  AgentEventType = "turn_complete"
	EventCompactStart  AgentEventType = "compact_start"
	EventCompactEnd    AgentEventType = "compact_end"
	EventError         AgentEventType = "error"
	EventCancelled     AgentEventType = "cancelled"
	EventInterruption  AgentEventType = "interruption"
)

// TextPayload carries an incremental completion chunk.
type TextPayload struct {
	Content string `json:"content"`
}

// ToolStartPayload announces a fully assembled tool call about to dispatch.
type ToolStartPayload struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolEndPayload carries a completed tool's result and metadata.
type ToolEndPayload struct {
	CallID   string         `json:"call_id"`
	Name     string         `json:"name"`
	Result   ToolOutput     `json:"result"`
	Duration time.Duration  `json:"duration"`
}

// ToolBlockedPayload reports a tool call rejected by the approval callback.
type ToolBlockedPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// ApiCompletePayload reports per-call usage from a finished model stream.
type ApiCompletePayload struct {
	Usage Usage `json:"usage"`
}

// TurnCompletePayload reports cumulative session usage and the last observed
// prompt size when a turn ends without further tool calls.
type TurnCompletePayload struct {
	Usage       Usage `json:"usage"`
	ContextSize int   `json:"context_size"`
}

// CompactPayload accompanies compact_start/compact_end events.
type CompactPayload struct {
	Trigger      string `json:"trigger"` // auto | manual
	TokensBefore int    `json:"tokens_before,omitempty"`
	TokensAfter  int    `json:"tokens_after,omitempty"`
}

// ErrorPayload carries a terminal error for the run.
type ErrorPayload struct {
	Content string `json:"content"`
}

// InterruptionPayload accompanies an interruption event; RunStateID lets the
// caller look up the persisted RunState via a RunStore.
type InterruptionPayload struct {
	RunStateID string `json:"run_state_id"`
}
