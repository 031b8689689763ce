package models

import "testing"

func TestAgentEventType_Constants(t *testing.T) {
	tests := []struct {
		constant AgentEventType
		expected string
	}{
		{EventText, "text"},
		{EventToolStart, "tool_start"},
		{EventToolEnd, "tool_end"},
		{EventToolBlocked, "tool_blocked"},
		{EventApiComplete, "api_call_complete"},
		{EventTurnComplete, "turn_complete"},
		{EventCompactStart, "compact_start"},
		{EventCompactEnd, "compact_end"},
		{EventError, "error"},
		{EventCancelled, "cancelled"},
		{EventInterruption, "interruption"},
	}

	for _, tt := range tests {
		if string(tt.constant) != tt.expected {
			t.Errorf("constant %q: got %q, want %q", tt.constant, string(tt.constant), tt.expected)
		}
	}
}

func TestAgentEvent_ExactlyOnePayload(t *testing.T) {
	ev := AgentEvent{
		Type: EventText,
		Text: &TextPayload{Content: "hello"},
	}
	if ev.Text == nil || ev.ToolStart != nil || ev.ToolEnd != nil {
		t.Fatalf("expected only Text payload populated, got %+v", ev)
	}
}
