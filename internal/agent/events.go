package agent

import "github.com/agentrt/harness/pkg/models"

// EventHandler receives AgentEvents as a run progresses. It must not block
// for long — a caller that needs to react to a specific event (e.g. relay
// text to a UI) should buffer internally. A nil handler is valid and simply
// discards events.
type EventHandler func(event models.AgentEvent)

// RunResult is the terminal outcome of one Session.Run or Session.Resume
// call; exactly one status applies, per the exit-status contract of §6.
type RunResult struct {
	Status models.Status
	Usage  models.Usage
	Text   string
	State  *models.RunState // populated iff Status == StatusInterrupted
	Err    error
}
