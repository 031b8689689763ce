// Package providers implements LLM provider integrations for the agent
// harness: concrete agent.LLMProvider adapters for Anthropic, OpenAI-
// compatible, and Bedrock backends. Each provider translates the harness's
// internal completion request/chunk shapes into the wire format of its
// backend and back, and retries transient transport errors: Bedrock through
// the BaseProvider helper, Anthropic and OpenAI through their own loops.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentrt/harness/internal/agent"
	"github.com/agentrt/harness/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider against Anthropic's Claude
// Messages API. It handles SSE stream processing, tool-call accumulation
// across delta events, and exponential-backoff retry for transient errors.
type AnthropicProvider struct {
	client       anthropic.Client
	apiKey       string
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required;
// the rest default to sensible values.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates config, applies defaults, and constructs a
// ready-to-use provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client:       client,
		apiKey:       config.APIKey,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Models returns the Claude models this provider knows about.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextWindow: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true, SupportsThinking: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextWindow: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true, SupportsThinking: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextWindow: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsVision: true},
		{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextWindow: 200000, MaxOutputTokens: 4096, SupportsTools: true, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextWindow: 200000, MaxOutputTokens: 4096, SupportsTools: true, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete streams a response as agent.CompletionChunks, retrying the
// stream's initial creation with exponential backoff on a transient error.
// Once the stream itself begins emitting events, no further retry happens —
// a mid-stream error is surfaced as a CompletionChunk.Error.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, p.getModel(req.Model))
			if !p.isRetryableError(wrapped) {
				chunks <- &agent.CompletionChunk{Error: wrapped}
				return
			}

			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- &agent.CompletionChunk{Error: ctx.Err()}
					return
				case <-time.After(backoff):
					continue
				}
			}
		}

		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, p.getModel(req.Model)))}
			return
		}

		p.processStream(stream, chunks, p.getModel(req.Model))
	}()

	return chunks, nil
}

// CompleteSync performs a single non-streaming completion, used only by
// compaction's summarization step where a partial/streamed response would
// complicate the synchronous replace-with-summary procedure.
func (p *AnthropicProvider) CompleteSync(ctx context.Context, req *agent.CompletionRequest) (string, models.Usage, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return "", models.Usage{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}

	var resp *anthropic.Message
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		wrapped := p.wrapError(err, p.getModel(req.Model))
		if !p.isRetryableError(wrapped) || attempt == p.maxRetries {
			return "", models.Usage{}, wrapped
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return "", models.Usage{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := models.Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		CachedTokens: int(resp.Usage.CacheReadInputTokens),
	}
	return text.String(), usage, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds how many consecutive events may carry no
// meaningful payload before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCallSpec
	var currentToolInput strings.Builder
	emptyEventCount := 0
	inThinkingBlock := false

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "thinking":
				inThinkingBlock = true
				chunks <- &agent.CompletionChunk{ThinkingStart: true}
				eventProcessed = true
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCallSpec{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if inThinkingBlock {
				chunks <- &agent.CompletionChunk{ThinkingEnd: true}
				inThinkingBlock = false
				eventProcessed = true
			} else if currentToolCall != nil {
				currentToolCall.Arguments = currentToolInput.String()
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{
					Error: p.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount), model),
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// convertMessages maps the harness's CompletionMessage list to Anthropic's
// content-block message format. A tool message (RoleTool) becomes a user
// message carrying a tool_result block; an assistant message with
// ToolCalls becomes a tool_use block per call.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}

		for _, call := range msg.ToolCalls {
			var input map[string]any
			raw := call.Arguments
			if strings.TrimSpace(raw) == "" {
				raw = "{}"
			}
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolSpecLike) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message, code, requestID := "", "", apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
			}
		}
		if message == "" {
			message = apiErr.Error()
		}
		providerErr = providerErr.WithMessage(message).WithCode(code).WithRequestID(requestID)
		providerErr.Reason = classifyStatusCode(apiErr.StatusCode)
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

// CountTokens estimates token usage for a request using the shared
// char/4 heuristic; Anthropic's token-counting endpoint is not wired here
// since the harness only needs an estimate for compaction thresholds.
func (p *AnthropicProvider) CountTokens(req *agent.CompletionRequest) int {
	chars := len(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Arguments)
		}
	}
	return chars / 4
}

// ToolSpecLike is the minimal shape convertTools needs; agent.ToolSpec
// satisfies it directly.
type ToolSpecLike = agent.ToolSpec
