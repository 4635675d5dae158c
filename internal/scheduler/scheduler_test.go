package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConfigButler/dispatcher/internal/event"
	"github.com/ConfigButler/dispatcher/internal/task"
)

func mkTask(owner, repo, branch string) *task.Task {
	return task.New(event.Event{Owner: owner, Repo: repo, Branch: branch, CloneURL: "u", CommitSHA: "s"}, "/log")
}

func TestEnqueue_SameKeyRunsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	s := New(context.Background(), func(_ context.Context, tk *task.Task) {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
	}, nil, logr.Discard())

	t1 := mkTask("o", "r", "main")
	t2 := mkTask("o", "r", "main")
	require.NoError(t, s.Enqueue(t1))
	require.NoError(t, s.Enqueue(t2))

	require.NoError(t, s.Shutdown(context.Background()))

	require.Len(t, order, 2)
	assert.Equal(t, t1.ID, order[0])
	assert.Equal(t, t2.ID, order[1])
}

func TestEnqueue_DistinctKeysRunConcurrently(t *testing.T) {
	var inFlight int32
	var maxObserved int32
	release := make(chan struct{})

	s := New(context.Background(), func(_ context.Context, tk *task.Task) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
	}, nil, logr.Discard())

	require.NoError(t, s.Enqueue(mkTask("o", "r", "a")))
	require.NoError(t, s.Enqueue(mkTask("o", "r", "b")))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&maxObserved) == 2 }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	s := New(context.Background(), func(context.Context, *task.Task) {}, nil, logr.Discard())
	require.NoError(t, s.Shutdown(context.Background()))
	err := s.Enqueue(mkTask("o", "r", "main"))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestWorker_TornDownWhenQueueEmpties(t *testing.T) {
	s := New(context.Background(), func(context.Context, *task.Task) {}, nil, logr.Discard())
	require.NoError(t, s.Enqueue(mkTask("o", "r", "main")))
	require.NoError(t, s.Shutdown(context.Background()))

	s.mu.Lock()
	_, exists := s.queues[event.Key{Owner: "o", Repo: "r", Branch: "main"}]
	s.mu.Unlock()
	assert.False(t, exists)
}
