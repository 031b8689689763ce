package agent

import (
	"context"
	"encoding/json"

	"github.com/agentrt/harness/pkg/models"
)

// Model describes one model a provider exposes, used by CLI/config surfaces
// to validate a requested model name and display capabilities.
type Model struct {
	ID               string
	Name             string
	ContextWindow    int
	MaxOutputTokens  int
	SupportsTools    bool
	SupportsVision   bool
	SupportsThinking bool
}

// CompletionMessage is the provider-facing wire shape of a conversation
// entry. It is derived from models.Message at the call site rather than
// reusing that type directly, since a provider's wire format (e.g. a
// separate tool-result message carrying ToolCallID) differs in shape from
// the harness's canonical history entry.
type CompletionMessage struct {
	Role       models.Role
	Content    string
	ToolCalls  []models.ToolCallSpec
	ToolCallID string
}

// CompletionRequest is a single streaming completion request.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []CompletionMessage
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// CompletionChunk is one event in a provider's stream. Exactly one of the
// non-bookkeeping fields (Text, Thinking, ThinkingStart, ThinkingEnd,
// ToolCall, Done, Error) is meaningful per chunk.
type CompletionChunk struct {
	Text          string
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	ToolCall      *models.ToolCallSpec
	Done          bool
	InputTokens   int
	OutputTokens  int
	CachedTokens  int
	Error         error
}

// LLMProvider is the model client boundary: Complete streams a response as
// CompletionChunks; CompleteSync performs a single non-streaming call and is
// used only by compaction's summarization step.
type LLMProvider interface {
	Name() string
	Models() []Model
	SupportsTools() bool
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	CompleteSync(ctx context.Context, req *CompletionRequest) (string, models.Usage, error)
}

// marshalToolSpecs renders ToolSpecs as the generic
// {"type":"function","function":{...}} wire shape shared across providers
// that speak an OpenAI-style tool-calling protocol.
func marshalToolSpecs(specs []ToolSpec) ([]byte, error) {
	type fn struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	}
	type wireTool struct {
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}
	out := make([]wireTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, wireTool{
			Type: "function",
			Function: fn{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return json.Marshal(out)
}
