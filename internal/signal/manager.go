// Package signal implements the file-based cross-process control plane:
// a directory of sentinel files keyed by session id that lets another
// process (a CLI, an orchestrator) register a running session,
// request cancel/pause/resume, enqueue out-of-band directives, and pull
// a context export, without either side holding a direct handle to the
// other's process.
package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

// Registration is the payload written to "<id>.running".
type Registration struct {
	SessionID         string    `json:"session_id"`
	PID               int       `json:"pid"`
	Model             string    `json:"model"`
	InstructionPreview string   `json:"instruction_preview"`
	StartedAt         time.Time `json:"started_at"`
}

// Manager reads and writes the sentinel-file protocol under Dir. All
// operations are safe to call from the session process and from any
// other process sharing Dir; presence/absence of a file is the
// coordination signal, backed by create/stat/delete atomicity except
// for the directive queue, which takes an exclusive lock.
type Manager struct {
	Dir string

	seq atomic.Uint64
}

// NewManager ensures Dir exists and returns a Manager rooted at it.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("signal: create signal dir: %w", err)
	}
	return &Manager{Dir: dir}, nil
}

func (m *Manager) path(sessionID, suffix string) string {
	return filepath.Join(m.Dir, sessionID+suffix)
}

// Register writes the "<id>.running" sentinel, marking sessionID as
// actively running in this process.
func (m *Manager) Register(sessionID string, reg Registration) error {
	reg.SessionID = sessionID
	if reg.PID == 0 {
		reg.PID = os.Getpid()
	}
	if reg.StartedAt.IsZero() {
		reg.StartedAt = time.Now()
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("signal: marshal registration: %w", err)
	}
	if err := os.WriteFile(m.path(sessionID, ".running"), data, 0o644); err != nil {
		return fmt.Errorf("signal: write running sentinel: %w", err)
	}
	return nil
}

// Deregister removes the "<id>.running" sentinel.
func (m *Manager) Deregister(sessionID string) error {
	if err := os.Remove(m.path(sessionID, ".running")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("signal: remove running sentinel: %w", err)
	}
	return nil
}

// RequestCancel creates the "<id>.cancel" sentinel. A session's
// cancel-check predicate observes this file at turn boundaries.
func (m *Manager) RequestCancel(sessionID string) error {
	return m.touch(m.path(sessionID, ".cancel"))
}

// IsCancelRequested reports whether "<id>.cancel" exists.
func (m *Manager) IsCancelRequested(sessionID string) bool {
	return m.exists(m.path(sessionID, ".cancel"))
}

// ClearCancel removes the "<id>.cancel" sentinel, e.g. after the session
// has observed and honored it.
func (m *Manager) ClearCancel(sessionID string) error {
	return m.remove(m.path(sessionID, ".cancel"))
}

// RequestPause creates the "<id>.pause" sentinel. A session blocks at
// turn boundaries (still polling cancel) while this file exists.
func (m *Manager) RequestPause(sessionID string) error {
	return m.touch(m.path(sessionID, ".pause"))
}

// Resume removes the "<id>.pause" sentinel.
func (m *Manager) Resume(sessionID string) error {
	return m.remove(m.path(sessionID, ".pause"))
}

// IsPaused reports whether "<id>.pause" exists.
func (m *Manager) IsPaused(sessionID string) bool {
	return m.exists(m.path(sessionID, ".pause"))
}

// RequestExport creates the "<id>.export" sentinel, asking the session
// to write a transcript to "<id>.context" at its next turn boundary.
func (m *Manager) RequestExport(sessionID string) error {
	return m.touch(m.path(sessionID, ".export"))
}

// IsExportRequested reports whether "<id>.export" exists.
func (m *Manager) IsExportRequested(sessionID string) bool {
	return m.exists(m.path(sessionID, ".export"))
}

// WriteContext fulfills an export request: it writes the transcript to
// "<id>.context" and clears the "<id>.export" request.
func (m *Manager) WriteContext(sessionID, transcript string) error {
	if err := os.WriteFile(m.path(sessionID, ".context"), []byte(transcript), 0o644); err != nil {
		return fmt.Errorf("signal: write context: %w", err)
	}
	return m.remove(m.path(sessionID, ".export"))
}

// ReadContext reads the most recently exported transcript for sessionID,
// if any.
func (m *Manager) ReadContext(sessionID string) (string, bool, error) {
	data, err := os.ReadFile(m.path(sessionID, ".context"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("signal: read context: %w", err)
	}
	return string(data), true, nil
}

// PublishResponse writes the session's latest assistant response to
// "<id>.response.<seq>" for monitors to tail, using a per-Manager
// monotonic counter scoped to sessionID's lifetime in this process.
func (m *Manager) PublishResponse(sessionID, text string) error {
	seq := m.seq.Add(1)
	path := m.path(sessionID, fmt.Sprintf(".response.%d", seq))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("signal: write response: %w", err)
	}
	return nil
}

// EnqueueDirective appends a JSONL line to "<id>.directive" under an
// exclusive file lock, so concurrent writers never interleave partial
// lines.
func (m *Manager) EnqueueDirective(sessionID, message string) error {
	path := m.path(sessionID, ".directive")
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("signal: lock directive queue: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("signal: open directive queue: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("signal: marshal directive: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("signal: append directive: %w", err)
	}
	return nil
}

// DrainDirectives consumes and truncates "<id>.directive" atomically
// under the same exclusive lock EnqueueDirective uses, returning each
// queued message in enqueue order. Sessions call this at turn
// boundaries and treat each returned message as a new user prompt.
func (m *Manager) DrainDirectives(sessionID string) ([]string, error) {
	path := m.path(sessionID, ".directive")
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("signal: lock directive queue: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signal: read directive queue: %w", err)
	}
	if err := os.Truncate(path, 0); err != nil {
		return nil, fmt.Errorf("signal: truncate directive queue: %w", err)
	}

	var messages []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var entry struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		messages = append(messages, entry.Message)
	}
	return messages, nil
}

func (m *Manager) touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("signal: create sentinel %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func (m *Manager) remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("signal: remove sentinel %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (m *Manager) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
