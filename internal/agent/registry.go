package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentrt/harness/pkg/models"
)

// MaxToolNameLength and MaxToolParamsSize bound tool dispatch inputs to
// protect against resource exhaustion from a misbehaving model.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	tool     Tool
	schema   *jsonschema.Schema
	disabled bool
}

// Registry stores tools by name, compiles each tool's JSON Schema once at
// registration, and dispatches ToolInvocations by decoding arguments,
// coercing ad-hoc scalar mismatches, and validating the result before the
// tool ever sees it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register compiles the tool's schema and adds it to the registry,
// replacing any existing tool with the same name. A tool whose Schema is
// not valid JSON Schema is a caller configuration error and panics, per the
// invariant that invalid specs surface at Registry construction time.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		panic(fmt.Sprintf("agent: invalid schema for tool %q: %v", tool.Name(), err))
	}

	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = &registeredTool{tool: tool, schema: compiled}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SetEnabled toggles a registered tool's availability without removing it
// from the registry.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.tools[name]; ok {
		rt.disabled = !enabled
	}
}

// Clear removes every tool.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*registeredTool)
	r.order = nil
}

// Has reports whether a named, enabled tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return ok && !rt.disabled
}

// RequiresApproval reports whether the named tool declares itself as
// approval-gated via ApprovalAware. Tools that don't implement the
// interface default to false; the capability profile layers its own policy
// on top of this.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return false
	}
	if aware, ok := rt.tool.(ApprovalAware); ok {
		return aware.RequiresApproval()
	}
	return false
}

// Specs returns every enabled tool's spec, sorted by name for prompt-cache
// stability.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	names := make([]string, 0, len(r.tools))
	for name, rt := range r.tools {
		if rt.disabled {
			continue
		}
		if en, ok := rt.tool.(Enableable); ok && !en.IsEnabled() {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rt := r.tools[name]
		specs = append(specs, ToolSpec{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Parameters:  rt.tool.Schema(),
		})
	}
	return specs
}

// AsTools returns the underlying Tool values in the same sorted order as
// Specs, for providers that need the tool value itself (e.g. to detect
// ComputerUseConfigProvider).
func (r *Registry) AsTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name, rt := range r.tools {
		if rt.disabled {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Dispatch decodes, coerces, and validates a tool call's raw arguments and
// invokes the tool. Dispatch failures (unknown tool, bad arguments,
// panic-free tool errors) become a failure ToolOutput so the model can
// self-correct on its next turn. Dispatch has no error return: a tool error
// under a cancelled context also comes back as a failure ToolOutput, whose
// Content is the context's error text.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCallSpec) models.ToolOutput {
	if len(call.Name) > MaxToolNameLength {
		return failureOutput(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Arguments) > MaxToolParamsSize {
		return failureOutput(fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok || rt.disabled {
		return failureOutput(fmt.Sprintf("tool not found: %s", call.Name))
	}
	if en, ok := rt.tool.(Enableable); ok && !en.IsEnabled() {
		return failureOutput(fmt.Sprintf("tool disabled: %s", call.Name))
	}

	raw := call.Arguments
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return failureOutput(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
	}

	coerced := coerceArguments(args, rt.schema)
	if err := rt.schema.Validate(toInterface(coerced)); err != nil {
		return failureOutput(fmt.Sprintf("argument validation failed for %s: %v", call.Name, err))
	}

	coercedJSON, err := json.Marshal(coerced)
	if err != nil {
		return failureOutput(fmt.Sprintf("re-encode arguments for %s: %v", call.Name, err))
	}

	result, err := rt.tool.Execute(ctx, coercedJSON)
	if err != nil {
		if ctx.Err() != nil {
			// Under cancellation the failure ToolOutput carries only the
			// context's error, not the tool's error and arguments.
			return models.ToolOutput{Success: false, Content: ctx.Err().Error()}
		}
		return failureOutput(fmt.Sprintf("%T: %v (args: %s)", err, err, coercedJSON))
	}
	if result == nil {
		return models.ToolOutput{Success: true}
	}
	return models.ToolOutput{
		Content:  result.Content,
		Success:  !result.IsError,
		Metadata: result.Metadata,
	}
}

func failureOutput(message string) models.ToolOutput {
	return models.ToolOutput{Success: false, Content: message}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(url)
}

// coerceArguments applies the ad-hoc scalar coercions described in the
// Registry's dispatch contract: string booleans and numeric strings are
// converted when the compiled schema says the property should be a bool
// or a number. Coercion never fails; arguments that don't match any known
// pattern pass through unchanged and are caught by the subsequent full
// schema validation.
func coerceArguments(args map[string]any, schema *jsonschema.Schema) map[string]any {
	props, ok := schemaProperties(schema)
	if !ok {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		propSchema, ok := props[k]
		if !ok {
			out[k] = v
			continue
		}
		out[k] = coerceValue(v, propSchema)
	}
	return out
}

func schemaProperties(schema *jsonschema.Schema) (map[string]*jsonschema.Schema, bool) {
	if schema == nil || schema.Properties == nil {
		return nil, false
	}
	return schema.Properties, true
}

func coerceValue(v any, schema *jsonschema.Schema) any {
	if schema == nil {
		return v
	}
	str, isString := v.(string)
	if !isString {
		return v
	}
	for _, t := range schema.Types {
		switch t {
		case "boolean":
			if b, ok := parseBoolLoose(str); ok {
				return b
			}
		case "integer":
			if n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64); err == nil {
				return n
			}
		case "number":
			if n, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
				return n
			}
		}
	}
	return v
}

func parseBoolLoose(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

// toInterface round-trips through JSON so the jsonschema validator sees
// plain map/slice/number/string/bool values regardless of how the coerced
// map was constructed.
func toInterface(v map[string]any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
