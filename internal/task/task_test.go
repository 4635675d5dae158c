package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConfigButler/dispatcher/internal/event"
)

func testEvent() event.Event {
	return event.Event{Owner: "o", Repo: "r", Branch: "main", CloneURL: "u", CommitSHA: "sha"}
}

func TestNew_StartsQueued(t *testing.T) {
	tk := New(testEvent(), "/log/path")
	snap := tk.Snapshot()
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Nil(t, snap.StartedAt)
	assert.Nil(t, snap.EndedAt)
	assert.Nil(t, snap.ExitCode)
	assert.NotEmpty(t, snap.ID)
}

func TestLifecycle_QueuedToRunningToSuccess(t *testing.T) {
	tk := New(testEvent(), "/log")
	tk.MarkRunning()
	snap := tk.Snapshot()
	require.Equal(t, StatusRunning, snap.Status)
	require.NotNil(t, snap.StartedAt)

	tk.MarkTerminal(true, 0)
	snap = tk.Snapshot()
	assert.Equal(t, StatusSuccess, snap.Status)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 0, *snap.ExitCode)
	assert.NotNil(t, snap.EndedAt)
}

func TestLifecycle_FailedOnNonZeroExit(t *testing.T) {
	tk := New(testEvent(), "/log")
	tk.MarkRunning()
	tk.MarkTerminal(false, 2)
	snap := tk.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 2, *snap.ExitCode)
}

func TestTerminalImmutability(t *testing.T) {
	tk := New(testEvent(), "/log")
	tk.MarkRunning()
	tk.MarkTerminal(true, 0)
	first := tk.Snapshot()

	tk.MarkTerminal(false, 99)
	second := tk.Snapshot()

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.ExitCode, *second.ExitCode)
	assert.Equal(t, first.EndedAt, second.EndedAt)
}

func TestMarkRunning_NoopIfNotQueued(t *testing.T) {
	tk := New(testEvent(), "/log")
	tk.MarkRunning()
	first := tk.Snapshot()
	tk.MarkRunning()
	second := tk.Snapshot()
	assert.Equal(t, first.StartedAt, second.StartedAt)
}

func TestStore_PutGet(t *testing.T) {
	s := NewStore()
	tk := New(testEvent(), "/log")
	s.Put(tk)

	got, ok := s.Get(tk.ID)
	require.True(t, ok)
	assert.Same(t, tk, got)

	_, ok = s.Get("unknown")
	assert.False(t, ok)
}

func TestNewID_Unique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
}
