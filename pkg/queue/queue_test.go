package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

func newTestQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	st, err := store.Open(config.StoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "queue_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st), st
}

func task(id string) *types.Task {
	return &types.Task{ID: id, Prompt: "a cat", Width: 512, Height: 512, Steps: 4}
}

func TestSubmitMintsID(t *testing.T) {
	q, _ := newTestQueue(t)

	id, err := q.Submit(task(""))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.Depth())
}

func TestSubmitDuplicateGetsDerivedID(t *testing.T) {
	q, st := newTestQueue(t)

	first, err := q.Submit(task("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", first)

	second, err := q.Submit(task("abc"))
	require.NoError(t, err)
	assert.NotEqual(t, "abc", second)
	assert.Contains(t, second, "abc_")

	// Exactly two distinct durable rows.
	tasks, err := st.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestNextIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := q.Submit(task(id))
		require.NoError(t, err)
	}

	assert.Equal(t, "t1", q.Next().ID)
	assert.Equal(t, "t2", q.Next().ID)
	assert.Equal(t, "t3", q.Next().ID)
	assert.Nil(t, q.Next())
}

func TestRestoreReadmitsQueuedTasks(t *testing.T) {
	q, _ := newTestQueue(t)

	// Rows read back from the store after a restart: two still queued,
	// one already terminal, plus one the queue already holds.
	_, err := q.Submit(task("held"))
	require.NoError(t, err)

	t1, t2 := task("t1"), task("t2")
	t1.Status = types.TaskStatusQueued
	t2.Status = types.TaskStatusQueued
	done := task("done")
	done.Status = types.TaskStatusCompleted
	dup := task("held")
	dup.Status = types.TaskStatusQueued

	restored := q.Restore([]*types.Task{t1, done, t2, dup})
	assert.Equal(t, 2, restored)
	assert.Equal(t, 3, q.Depth())

	// FIFO order is preserved across the restore.
	assert.Equal(t, "held", q.Next().ID)
	assert.Equal(t, "t1", q.Next().ID)
	assert.Equal(t, "t2", q.Next().ID)
}

func TestCancelQueuedTask(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Submit(task("t1"))
	require.NoError(t, err)
	require.NoError(t, q.Cancel("t1"))

	got, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletionTime)

	// A cancelled task is never dispatched.
	assert.Nil(t, q.Next())
}

func TestCancelActiveTaskRejected(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Submit(task("t1"))
	require.NoError(t, err)
	require.NotNil(t, q.Next())

	err = q.Cancel("t1")
	assert.ErrorIs(t, err, ErrNotCancellable)

	got, err := q.Get("t1")
	require.NoError(t, err)
	assert.NotEqual(t, types.TaskStatusCancelled, got.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.ErrorIs(t, q.Cancel("ghost"), ErrUnknownTask)
}

func TestLifecycleThroughCompletion(t *testing.T) {
	q, st := newTestQueue(t)

	_, err := q.Submit(task("t1"))
	require.NoError(t, err)

	popped := q.Next()
	require.NotNil(t, popped)
	require.NoError(t, q.Assign("t1", "worker_0"))
	require.NoError(t, st.UpdateTaskStatus("t1", types.TaskStatusAssigned, store.TaskUpdate{}))

	start := time.Now()
	require.NoError(t, q.MarkRunning("t1", start))
	require.NoError(t, st.UpdateTaskStatus("t1", types.TaskStatusRunning, store.TaskUpdate{StartTime: &start}))

	require.NoError(t, q.Complete("t1", "/outputs/worker_0_t1_512x512_s42.png", 2.5))

	got, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.Equal(t, 2.5, got.ProcessingSeconds)

	// Durable row agrees.
	row, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, row.Status)
	assert.NotEmpty(t, row.OutputPath)
}

func TestRequeuePutsTaskAtHead(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, id := range []string{"t1", "t2"} {
		_, err := q.Submit(task(id))
		require.NoError(t, err)
	}

	popped := q.Next()
	require.Equal(t, "t1", popped.ID)
	q.Requeue(popped)

	// t1 dispatches again before t2.
	assert.Equal(t, "t1", q.Next().ID)
	assert.Equal(t, "t2", q.Next().ID)
}

func TestExactlyOneSetHoldsATask(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Submit(task("t1"))
	require.NoError(t, err)
	stats := q.Stats()
	assert.Equal(t, Stats{Queued: 1}, stats)

	q.Next()
	stats = q.Stats()
	assert.Equal(t, Stats{Active: 1}, stats)

	require.NoError(t, q.Fail("t1", "worker_died"))
	stats = q.Stats()
	assert.Equal(t, Stats{Completed: 1}, stats)
}

func TestCleanupDropsOldCompleted(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Submit(task("t1"))
	require.NoError(t, err)
	q.Next()
	require.NoError(t, q.Complete("t1", "/outputs/x.png", 1))

	// Too young to collect.
	assert.Equal(t, 0, q.Cleanup(time.Hour))
	// Old enough.
	assert.Equal(t, 1, q.Cleanup(-time.Second))

	// Store still remembers it.
	got, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
}
