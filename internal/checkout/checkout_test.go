package checkout

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConfigButler/dispatcher/internal/event"
	"github.com/ConfigButler/dispatcher/internal/procexec"
)

type call struct {
	argv []string
	dir  string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fail  bool
}

func (f *fakeRunner) Run(_ context.Context, argv []string, dir string) (string, string, procexec.ExitStatus, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{argv: argv, dir: dir})
	f.mu.Unlock()

	if argv[1] == "clone" {
		_ = os.MkdirAll(dir, 0o755)
		repoDir := argv[len(argv)-1]
		_ = os.MkdirAll(repoDir, 0o755)
	}

	if f.fail {
		return "", "fatal: could not read from remote repository", procexec.ExitStatus{Code: 128}, nil
	}
	return "", "", procexec.ExitStatus{Code: 0}, nil
}

func testEvent() event.Event {
	return event.Event{Owner: "o", Repo: "r", Branch: "main", CloneURL: "git@host:o/r.git", CommitSHA: "abc"}
}

func TestPrepare_ClonesOnFirstUse(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(root, runner, logr.Discard())

	ev := testEvent()
	slot := m.Acquire(ev.Key())
	defer slot.Release()

	path, err := m.Prepare(context.Background(), slot, ev)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "o", "r", "main"), path)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "clone", runner.calls[0].argv[1])
	assert.True(t, slot.initialised)
}

func TestPrepare_FetchResetCleanOnSecondUse(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(root, runner, logr.Discard())
	ev := testEvent()

	slot := m.Acquire(ev.Key())
	_, err := m.Prepare(context.Background(), slot, ev)
	require.NoError(t, err)
	slot.Release()

	slot2 := m.Acquire(ev.Key())
	defer slot2.Release()
	_, err = m.Prepare(context.Background(), slot2, ev)
	require.NoError(t, err)

	require.Len(t, runner.calls, 4)
	assert.Equal(t, "fetch", runner.calls[1].argv[1])
	assert.Equal(t, "reset", runner.calls[2].argv[1])
	assert.Equal(t, "clean", runner.calls[3].argv[1])
}

func TestPrepare_FailureMarksUninitialisedAndRemovesRoot(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{fail: true}
	m := NewManager(root, runner, logr.Discard())
	ev := testEvent()

	slot := m.Acquire(ev.Key())
	defer slot.Release()

	_, err := m.Prepare(context.Background(), slot, ev)
	require.ErrorIs(t, err, ErrCheckoutFailed)
	assert.Contains(t, err.Error(), "could not read from remote")
	assert.False(t, slot.initialised)
	_, statErr := os.Stat(slot.RootPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAcquire_SameKeySerialises(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(root, runner, logr.Discard())
	key := testEvent().Key()

	var order []int
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot := m.Acquire(key)
			mu.Lock()
			order = append(order, i)
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			slot.Release()
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 2)
	assert.Equal(t, 1, maxActive)
}

func TestAcquire_DistinctKeysDoNotShareASlot(t *testing.T) {
	root := t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(root, runner, logr.Discard())

	s1 := m.Acquire(event.Key{Owner: "o", Repo: "r", Branch: "a"})
	s2 := m.Acquire(event.Key{Owner: "o", Repo: "r", Branch: "b"})
	defer s1.Release()
	defer s2.Release()

	assert.NotSame(t, s1, s2)
}

func TestSanitizeSegment_UnsafeCharactersAreHashed(t *testing.T) {
	assert.Equal(t, "main", sanitizeSegment("main"))
	assert.NotEqual(t, "..", sanitizeSegment(".."))
	assert.NotEqual(t, "a/b", sanitizeSegment("a/b"))
	assert.Equal(t, sanitizeSegment(""), sanitizeSegment(""))
}
