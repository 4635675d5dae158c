// Package checkout owns one on-disk working tree per BranchKey,
// serialising all operations against that tree behind a per-key
// mutex while letting distinct keys proceed independently.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"

	"github.com/ConfigButler/dispatcher/internal/event"
	"github.com/ConfigButler/dispatcher/internal/procexec"
)

// ErrCheckoutFailed wraps a failed git subprocess invocation; the
// wrapped error carries the subprocess's raw stderr text.
var ErrCheckoutFailed = errors.New("checkout failed")

// Runner is the seam tests substitute to avoid invoking a real git
// binary. Production code uses the procexec-backed implementation
// below.
type Runner interface {
	Run(ctx context.Context, argv []string, dir string) (stdout, stderr string, status procexec.ExitStatus, err error)
}

// ProcessRunner runs git as a real subprocess via procexec.
type ProcessRunner struct{}

func (ProcessRunner) Run(ctx context.Context, argv []string, dir string) (string, string, procexec.ExitStatus, error) {
	var stdout, stderr bufferWriter
	status, err := procexec.Run(ctx, procexec.Invocation{Argv: argv, Dir: dir, Env: os.Environ()}, &stdout, &stderr)
	return stdout.String(), stderr.String(), status, err
}

// Slot is the on-disk working tree and its mutex, one per BranchKey.
// The mutex is held by a caller across both Prepare and the task
// execution that follows it, so a second task on the same key cannot
// observe a tree mid-mutation from a different task.
type Slot struct {
	Key         event.Key
	RootPath    string
	mu          sync.Mutex
	initialised bool
}

// Release unlocks the slot. Callers must call this exactly once per
// successful Acquire.
func (s *Slot) Release() { s.mu.Unlock() }

// Manager maintains the map of BranchKey to Slot and the subprocess
// runner used to realise checkouts.
type Manager struct {
	root   string
	runner Runner
	log    logr.Logger

	mu    sync.Mutex
	slots map[event.Key]*Slot
}

// NewManager builds a Manager rooted at checkoutRoot.
func NewManager(checkoutRoot string, runner Runner, log logr.Logger) *Manager {
	return &Manager{
		root:   checkoutRoot,
		runner: runner,
		log:    log.WithName("checkout"),
		slots:  make(map[event.Key]*Slot),
	}
}

// Acquire returns the Slot for key, creating it on first use, and
// locks it. The caller must call Release when done with it — after
// Prepare and after the task it gates has finished executing.
func (m *Manager) Acquire(key event.Key) *Slot {
	m.mu.Lock()
	slot, ok := m.slots[key]
	if !ok {
		slot = &Slot{
			Key:      key,
			RootPath: sanitizedPath(m.root, key),
		}
		m.slots[key] = slot
	}
	m.mu.Unlock()

	slot.mu.Lock()
	return slot
}

// sanitizedPath builds {root}/{owner}/{repo}/{branch}, replacing any
// path segment that is empty, too long for a filesystem component, or
// contains characters unsafe in a directory name with "x" followed by
// its xxhash64 hex digest, so root_path stays deterministic and bounded under root
// regardless of what the upstream repository/branch names contain.
func sanitizedPath(root string, key event.Key) string {
	return filepath.Join(root, sanitizeSegment(key.Owner), sanitizeSegment(key.Repo), sanitizeSegment(key.Branch))
}

const maxSegmentLength = 120

func sanitizeSegment(segment string) string {
	if segment == "" || len(segment) > maxSegmentLength || !isSafeSegment(segment) {
		return fmt.Sprintf("x%x", xxhash.Sum64String(segment))
	}
	return segment
}

func isSafeSegment(segment string) bool {
	if segment == "." || segment == ".." {
		return false
	}
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// Prepare materialises slot.RootPath at the tip of event.Branch,
// cloning on first use and fetch+hard-reset+clean thereafter. The
// caller must hold slot (via Acquire) for the duration of this call
// and for as long afterward as the tree must remain stable.
func (m *Manager) Prepare(ctx context.Context, slot *Slot, ev event.Event) (string, error) {
	log := m.log.WithValues("key", slot.Key.String())

	if !slot.initialised {
		if _, err := os.Stat(slot.RootPath); err == nil {
			// A previous process run left a directory behind without
			// recording initialised=true (e.g. crash mid-clone); treat
			// it as unusable and start clean.
			_ = os.RemoveAll(slot.RootPath)
		}
		if err := os.MkdirAll(filepath.Dir(slot.RootPath), 0o755); err != nil {
			return "", fmt.Errorf("%w: create parent dir: %v", ErrCheckoutFailed, err)
		}

		log.Info("cloning", "url", ev.CloneURL, "branch", ev.Branch)
		argv := []string{"git", "clone", "--depth", "1", "--branch", ev.Branch, ev.CloneURL, slot.RootPath}
		_, stderr, status, err := m.runner.Run(ctx, argv, filepath.Dir(slot.RootPath))
		if err != nil || !status.Success() {
			_ = os.RemoveAll(slot.RootPath)
			slot.initialised = false
			return "", checkoutFailure(stderr, err)
		}
		slot.initialised = true
		return slot.RootPath, nil
	}

	log.Info("updating", "branch", ev.Branch)
	for _, argv := range [][]string{
		{"git", "fetch", "--depth", "1", "origin", ev.Branch},
		{"git", "reset", "--hard", "origin/" + ev.Branch},
		{"git", "clean", "-fdx"},
	} {
		_, stderr, status, err := m.runner.Run(ctx, argv, slot.RootPath)
		if err != nil || !status.Success() {
			_ = os.RemoveAll(slot.RootPath)
			slot.initialised = false
			return "", checkoutFailure(stderr, err)
		}
	}
	return slot.RootPath, nil
}

func checkoutFailure(stderr string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	return fmt.Errorf("%w: %s", ErrCheckoutFailed, stderr)
}

type bufferWriter struct{ b []byte }

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (w *bufferWriter) String() string { return string(w.b) }
