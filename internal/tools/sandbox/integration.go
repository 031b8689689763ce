package sandbox

import (
	"github.com/agentrt/harness/internal/agent"
)

// Register builds a sandbox executor and adds it to registry under its
// native name. This is the hook a capability profile's Factory calls when
// assembling the "sandbox" or "eval" profile.
func Register(registry *agent.Registry, opts ...Option) error {
	executor, err := NewExecutor(opts...)
	if err != nil {
		return err
	}

	registry.Register(executor)
	return nil
}

// MustRegister registers the sandbox executor and panics on error. Use this
// in initialization code where errors should be fatal.
func MustRegister(registry *agent.Registry, opts ...Option) {
	if err := Register(registry, opts...); err != nil {
		panic(err)
	}
}
