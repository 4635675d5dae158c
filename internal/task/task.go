// Package task defines the Task state machine and an in-memory,
// process-lifetime store of Task records.
package task

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ConfigButler/dispatcher/internal/event"
)

// Status is one state in the Task lifecycle.
type Status string

const (
	StatusQueued  Status = "Queued"
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// Terminal reports whether status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task is one scheduled execution attempt for one Event on one Slot.
//
// All mutable fields are guarded by mu; Snapshot returns a copy safe
// to read without holding any lock. Only the worker executing the
// task writes to it (single-writer discipline) — Ingress and the
// status HTTP handlers only ever read snapshots.
type Task struct {
	ID      string
	Key     event.Key
	Event   event.Event
	LogPath string

	mu        sync.Mutex
	status    Status
	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time
	exitCode  *int
}

// Snapshot is an immutable, point-in-time view of a Task.
type Snapshot struct {
	ID        string
	Key       event.Key
	Event     event.Event
	LogPath   string
	Status    Status
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	ExitCode  *int
}

// New creates a Queued Task for ev, rooted at logPath for its output.
func New(ev event.Event, logPath string) *Task {
	return &Task{
		ID:        NewID(),
		Key:       ev.Key(),
		Event:     ev,
		LogPath:   logPath,
		status:    StatusQueued,
		createdAt: time.Now(),
	}
}

// NewID returns a new opaque, URL-safe, time-sortable task identifier.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// MarkRunning transitions Queued -> Running. No-op if already past
// Queued (defensive; the scheduler only calls this once per task).
func (t *Task) MarkRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusQueued {
		return
	}
	now := time.Now()
	t.status = StatusRunning
	t.startedAt = &now
}

// MarkTerminal transitions Running -> Success or Running -> Failed.
// Once a Task is terminal this is a no-op: terminal state, exit code,
// and ended_at never change afterward.
func (t *Task) MarkTerminal(success bool, exitCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	now := time.Now()
	t.endedAt = &now
	t.exitCode = &exitCode
	if success {
		t.status = StatusSuccess
	} else {
		t.status = StatusFailed
	}
}

// Snapshot returns a consistent, immutable copy of the Task's current
// state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:        t.ID,
		Key:       t.Key,
		Event:     t.Event,
		LogPath:   t.LogPath,
		Status:    t.status,
		CreatedAt: t.createdAt,
		StartedAt: t.startedAt,
		EndedAt:   t.endedAt,
		ExitCode:  t.exitCode,
	}
}

// Store is a process-lifetime, in-memory map of task ID to Task. There
// is no persistence across restarts (spec.md §9 "no cross-restart
// persistence") and no eviction (spec.md §1 Non-goals).
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

// Put records t in the store, keyed by its ID.
func (s *Store) Put(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// Get returns the Task for id, or (nil, false) if unknown.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}
