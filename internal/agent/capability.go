package agent

import (
	"github.com/agentrt/harness/internal/tools/exec"
	"github.com/agentrt/harness/internal/tools/files"
	"github.com/agentrt/harness/internal/tools/sandbox"
)

// ApprovalMode controls when a session asks a human to approve a tool call
// before it runs.
type ApprovalMode string

const (
	// ApprovalNone never requires approval.
	ApprovalNone ApprovalMode = "none"
	// ApprovalDangerous requires approval only for tools flagged dangerous,
	// either statically (shell, apply_patch) or per-profile override.
	ApprovalDangerous ApprovalMode = "dangerous"
	// ApprovalAll requires approval for every tool call.
	ApprovalAll ApprovalMode = "all"
)

// dangerousTools is the static set of tool names the dangerous approval
// mode gates by default, independent of any per-profile override.
var dangerousTools = map[string]bool{
	"exec":         true,
	"process":      true,
	"write":        true,
	"edit":         true,
	"apply_patch":  true,
	"execute_code": true,
	"delegate":     true,
}

// CapabilityProfile names a bundle of tools and the approval policy that
// governs them. Built-in profiles are readonly, developer, eval, and
// sandbox; callers may register custom ones via Factory.RegisterProfile.
type CapabilityProfile struct {
	Name             string
	Approval         ApprovalMode
	ApprovalOverride map[string]bool // tool name -> requires_tool_approval override
	EnableWrite      bool
	EnableExec       bool
	EnableSandbox    bool
	EnableDelegate   bool
	BashOnly         bool
	MaxReadBytes     int
	// SandboxWorkspaceAccess is a sandbox.ParseWorkspaceAccess-compatible
	// string ("none"/"ro"/"rw"); empty means the sandbox's own default (ro).
	SandboxWorkspaceAccess string
}

// RequiresApproval resolves the approval rule from SPEC_FULL §4.2:
// requires_tool_approval = true iff mode == all, OR (mode == dangerous AND
// the tool is statically dangerous or profile-overridden to true); mode ==
// none is always false. A per-tool override always wins over the static
// dangerous set.
func (p CapabilityProfile) RequiresApproval(toolName string) bool {
	if p.Approval == ApprovalNone {
		return false
	}
	if p.Approval == ApprovalAll {
		return true
	}
	if override, ok := p.ApprovalOverride[toolName]; ok {
		return override
	}
	return dangerousTools[toolName]
}

// Built-in profiles.
var (
	ProfileReadonly = CapabilityProfile{
		Name:         "readonly",
		Approval:     ApprovalNone,
		EnableWrite:  false,
		EnableExec:   false,
		MaxReadBytes: 1 << 20,
	}
	ProfileDeveloper = CapabilityProfile{
		Name:           "developer",
		Approval:       ApprovalDangerous,
		EnableWrite:    true,
		EnableExec:     true,
		EnableDelegate: true,
		MaxReadBytes:   4 << 20,
	}
	ProfileEval = CapabilityProfile{
		Name:          "eval",
		Approval:      ApprovalDangerous,
		EnableWrite:   true,
		EnableExec:    true,
		EnableSandbox: true,
		MaxReadBytes:  4 << 20,
	}
	ProfileSandbox = CapabilityProfile{
		Name:          "sandbox",
		Approval:      ApprovalAll,
		EnableWrite:   true,
		EnableExec:    false,
		EnableSandbox: true,
		MaxReadBytes:  4 << 20,
	}
)

// Factory materializes a Registry bound to a working directory for a given
// CapabilityProfile. It wires the filesystem tools, the exec manager, the
// sandbox executor, and (when the profile allows it) the delegate tool,
// using the same profile to decide what a spawned child session may do.
type Factory struct {
	profiles map[string]CapabilityProfile
	// DelegateFactory builds the delegate tool against a working directory
	// and a capability profile for the child session it spawns. It is set
	// by the caller that builds the Factory (cmd/harness's buildAgent) to
	// avoid an import cycle between agent and the subagent tool package.
	DelegateFactory func(workingDir string, childProfile CapabilityProfile) Tool
}

// NewFactory returns a Factory pre-loaded with the built-in profiles.
func NewFactory() *Factory {
	return &Factory{
		profiles: map[string]CapabilityProfile{
			ProfileReadonly.Name:  ProfileReadonly,
			ProfileDeveloper.Name: ProfileDeveloper,
			ProfileEval.Name:      ProfileEval,
			ProfileSandbox.Name:   ProfileSandbox,
		},
	}
}

// RegisterProfile adds or replaces a named profile.
func (f *Factory) RegisterProfile(profile CapabilityProfile) {
	f.profiles[profile.Name] = profile
}

// Profile looks up a profile by name, falling back to developer when the
// name is unknown so a misconfigured profile name degrades rather than
// panics.
func (f *Factory) Profile(name string) CapabilityProfile {
	if p, ok := f.profiles[name]; ok {
		return p
	}
	return ProfileDeveloper
}

// Build constructs a Registry for workingDir under the named profile.
func (f *Factory) Build(workingDir string, profile CapabilityProfile) (*Registry, error) {
	registry := NewRegistry()

	fileCfg := files.Config{Workspace: workingDir, MaxReadBytes: profile.MaxReadBytes}
	registry.Register(files.NewReadTool(fileCfg))

	if profile.EnableWrite {
		registry.Register(files.NewWriteTool(fileCfg))
		registry.Register(files.NewEditTool(fileCfg))
		registry.Register(files.NewApplyPatchTool(fileCfg))
	}

	if profile.EnableExec && !profile.BashOnly {
		manager := exec.NewManager(workingDir)
		registry.Register(exec.NewExecTool("exec", manager))
		registry.Register(exec.NewProcessTool(manager))
	} else if profile.EnableExec && profile.BashOnly {
		manager := exec.NewManager(workingDir)
		registry.Register(exec.NewExecTool("exec", manager))
	}

	if profile.EnableSandbox {
		opts := []sandbox.Option{sandbox.WithWorkspaceRoot(workingDir)}
		if profile.SandboxWorkspaceAccess != "" {
			opts = append(opts, sandbox.WithDefaultWorkspaceAccess(sandbox.ParseWorkspaceAccess(profile.SandboxWorkspaceAccess)))
		}
		if err := sandbox.Register(registry, opts...); err != nil {
			return nil, err
		}
	}

	if profile.EnableDelegate && f.DelegateFactory != nil {
		childProfile := profile
		childProfile.EnableDelegate = false
		registry.Register(f.DelegateFactory(workingDir, childProfile))
	}

	return registry, nil
}
