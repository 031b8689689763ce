package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleTool, "tool"},
		{RoleSystem, "system"},
	}

	for _, tt := range tests {
		if string(tt.constant) != tt.expected {
			t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
		}
	}
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	original := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCallSpec{
			{ID: "t1", Name: "echo", Arguments: `{"text":"hi"}`},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Content != "" {
		t.Errorf("Content = %q, want empty (tool_calls populated instead)", decoded.Content)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Name != "echo" {
		t.Errorf("ToolCalls = %+v, want one echo call", decoded.ToolCalls)
	}
}

func TestToolOutput_Struct(t *testing.T) {
	out := ToolOutput{Content: "result", Success: true, Metadata: map[string]any{"lines": 3}}
	if !out.Success {
		t.Error("Success should be true")
	}
	if out.Metadata["lines"] != 3 {
		t.Errorf("Metadata[lines] = %v, want 3", out.Metadata["lines"])
	}
}

func TestUsage_Add(t *testing.T) {
	total := Usage{InputTokens: 10, OutputTokens: 5}
	total = total.Add(Usage{InputTokens: 15, OutputTokens: 3})
	if total.InputTokens != 25 || total.OutputTokens != 8 {
		t.Errorf("total = %+v, want {InputTokens:25 OutputTokens:8}", total)
	}
}

func TestRunState_PendingApprovals(t *testing.T) {
	state := RunState{
		SessionID: "s1",
		PendingApprovals: []ToolApprovalItem{
			{ToolCallID: "t1", ToolName: "echo", ToolArgs: map[string]any{"text": "hi"}},
			{ToolCallID: "t2", ToolName: "echo", ToolArgs: map[string]any{"text": "bye"}},
		},
	}
	if len(state.PendingApprovals) != 2 {
		t.Fatalf("PendingApprovals length = %d, want 2", len(state.PendingApprovals))
	}
	if state.PendingApprovals[0].ToolCallID != "t1" {
		t.Errorf("first pending approval = %q, want t1", state.PendingApprovals[0].ToolCallID)
	}
}
