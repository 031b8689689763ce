package agent

// Agent is an immutable configuration bundle: a system prompt, a model
// identifier, the capability profile and registry it may use, its working
// directory, and the backend it talks to. A Session borrows an Agent's
// configuration for the lifetime of one run; nothing about an Agent
// changes once constructed, so the same Agent value can back many
// concurrent Sessions.
type Agent struct {
	SystemPrompt string
	Model        string
	Profile      CapabilityProfile
	Registry     *Registry
	WorkingDir   string
	Provider     LLMProvider

	// MaxOutputChars bounds a tool's raw output; longer output is truncated
	// to its head and tail (no side file is written). Zero selects the
	// default of 20000.
	MaxOutputChars int

	// MaxTokens is the provider MaxTokens request ceiling for model calls
	// that wrote their request with no explicit override.
	MaxTokens int

	// ContextWindow is the model's context window used to compute the
	// 0.7x auto-compaction threshold.
	ContextWindow int

	// NudgeEnabled opts into the completion-nudge policy (max 3 nudges per
	// session) that re-prompts the model when it stops without emitting a
	// recognized completion signal.
	NudgeEnabled bool
}

// DefaultMaxOutputChars is the tool-output truncation threshold used when
// an Agent doesn't override it.
const DefaultMaxOutputChars = 20000

// DefaultContextWindow is what contextWindow reports for an Agent that
// doesn't specify one. Auto-compaction reads ContextWindow directly and does
// not fall back to it: with no ContextWindow set, no auto-compaction happens.
const DefaultContextWindow = 100000

func (a Agent) maxOutputChars() int {
	if a.MaxOutputChars > 0 {
		return a.MaxOutputChars
	}
	return DefaultMaxOutputChars
}

func (a Agent) contextWindow() int {
	if a.ContextWindow > 0 {
		return a.ContextWindow
	}
	return DefaultContextWindow
}
