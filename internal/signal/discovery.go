package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// ListRunning enumerates every "*.running" sentinel under Dir and
// returns the decoded registrations, keyed by session id.
func (m *Manager) ListRunning() ([]Registration, error) {
	matches, err := filepath.Glob(filepath.Join(m.Dir, "*.running"))
	if err != nil {
		return nil, fmt.Errorf("signal: glob running sentinels: %w", err)
	}
	regs := make([]Registration, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// MatchingPrefix filters ListRunning's result to session ids starting
// with prefix, for prefix-based multi-target operations (pause-all,
// cancel-by-prefix).
func (m *Manager) MatchingPrefix(prefix string) ([]Registration, error) {
	all, err := m.ListRunning()
	if err != nil {
		return nil, err
	}
	var out []Registration
	for _, reg := range all {
		if strings.HasPrefix(reg.SessionID, prefix) {
			out = append(out, reg)
		}
	}
	return out, nil
}

// CancelByPrefix requests cancellation for every running session whose
// id starts with prefix.
func (m *Manager) CancelByPrefix(prefix string) error {
	matches, err := m.MatchingPrefix(prefix)
	if err != nil {
		return err
	}
	for _, reg := range matches {
		if err := m.RequestCancel(reg.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// PauseByPrefix requests a pause for every running session whose id
// starts with prefix.
func (m *Manager) PauseByPrefix(prefix string) error {
	matches, err := m.MatchingPrefix(prefix)
	if err != nil {
		return err
	}
	for _, reg := range matches {
		if err := m.RequestPause(reg.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// GCStale removes ".running" sentinels whose recorded pid is no longer
// alive, probed by sending signal 0 (the original's kill(pid, 0) idiom:
// delivers no signal, just reports ESRCH if the process is gone). It
// returns the session ids it removed.
func (m *Manager) GCStale() ([]string, error) {
	regs, err := m.ListRunning()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, reg := range regs {
		if reg.PID <= 0 {
			continue
		}
		if err := unix.Kill(reg.PID, 0); err == unix.ESRCH {
			if derr := m.Deregister(reg.SessionID); derr != nil {
				return removed, derr
			}
			removed = append(removed, reg.SessionID)
		}
	}
	return removed, nil
}

// Watcher wraps an fsnotify watcher scoped to Dir, so a monitor process
// can react to session registration/deregistration and new responses
// without polling.
type Watcher struct {
	fs *fsnotify.Watcher
}

// WatchEvent is a filesystem change under the signal directory.
type WatchEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watch starts watching Dir for sentinel-file changes. The caller reads
// from Events() and Errors() and must call Close when done.
func (m *Manager) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("signal: create watcher: %w", err)
	}
	if err := fw.Add(m.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("signal: watch signal dir: %w", err)
	}
	return &Watcher{fs: fw}, nil
}

// Events streams raw filesystem events under the watched directory,
// translated into WatchEvent.
func (w *Watcher) Events() <-chan WatchEvent {
	out := make(chan WatchEvent)
	go func() {
		defer close(out)
		for ev := range w.fs.Events {
			out <- WatchEvent{Path: ev.Name, Op: ev.Op}
		}
	}()
	return out
}

// Errors surfaces the underlying fsnotify watcher's error stream.
func (w *Watcher) Errors() <-chan error {
	return w.fs.Errors
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
