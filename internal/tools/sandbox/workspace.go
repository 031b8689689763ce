package sandbox

import "strings"

// workspaceAccessAliases maps the config-string spellings a profile's
// sandbox_workspace_access YAML field may use to the mode they select.
var workspaceAccessAliases = map[string]WorkspaceAccessMode{
	"rw":         WorkspaceReadWrite,
	"readwrite":  WorkspaceReadWrite,
	"read-write": WorkspaceReadWrite,
	"write":      WorkspaceReadWrite,
	"none":       WorkspaceNone,
	"disabled":   WorkspaceNone,
	"ro":         WorkspaceReadOnly,
	"readonly":   WorkspaceReadOnly,
	"read-only":  WorkspaceReadOnly,
}

// ParseWorkspaceAccess resolves raw against workspaceAccessAliases,
// defaulting to WorkspaceReadOnly for anything unrecognized or empty.
func ParseWorkspaceAccess(raw string) WorkspaceAccessMode {
	if mode, ok := workspaceAccessAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mode
	}
	return WorkspaceReadOnly
}
