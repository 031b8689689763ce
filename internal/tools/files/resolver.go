package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver confines file-tool and exec-tool paths to a session's workspace
// root. Every read/write/edit/patch tool and the exec tool's cwd go through
// it, so it's the one place a path-escape attempt (../../etc/passwd, an
// absolute path outside the workspace) gets caught before touching disk.
type Resolver struct {
	Root string
}

// Resolve returns the absolute, workspace-confined form of path, or an
// error if path would resolve outside Root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}

	rootAbs, err := r.rootAbs()
	if err != nil {
		return "", err
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if !pathWithin(rootAbs, targetAbs) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

func (r Resolver) rootAbs() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

// pathWithin reports whether target is root itself or a descendant of it.
func pathWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
