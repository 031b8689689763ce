package agent

import "github.com/agentrt/harness/pkg/models"

// ApprovalOutcome is the three-way result of an approval callback: a tool
// call proceeds, is rejected outright, or the run must suspend pending an
// out-of-band decision (ApprovalInterrupt realized as a value rather than
// a panic/exception, per Go's explicit-error idiom).
type ApprovalOutcome int

const (
	ApprovalProceed ApprovalOutcome = iota
	ApprovalRejected
	ApprovalInterrupt
)

// ApprovalCallback is consulted by the Agent Loop before a tool call that
// the registry/profile flags as requiring approval. It returns the outcome
// and, for a rejection, an optional human-readable reason recorded in the
// tool's "rejected" result.
type ApprovalCallback func(toolName string, args map[string]any) (ApprovalOutcome, string)

// PendingApproval freezes one tool call awaiting a decision; it is the Go
// analogue of the ApprovalInterrupt payload.
type PendingApproval = models.ToolApprovalItem
