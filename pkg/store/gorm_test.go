package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/types"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(config.StoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "kiln_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string) *types.Task {
	return &types.Task{
		ID:        id,
		Prompt:    "a cat",
		Width:     512,
		Height:    512,
		Steps:     4,
		Status:    types.TaskStatusQueued,
		ModelName: config.DefaultModelName,
	}
}

func TestCreateTaskDuplicate(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateTask(newTask("abc")))
	err := s.CreateTask(newTask("abc"))
	require.ErrorIs(t, err, ErrDuplicateTask)

	// Exactly one queued row exists for the id.
	tasks, err := s.ListTasks(types.TaskStatusQueued)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.migrate())
	require.NoError(t, s.migrate())
}

func TestUpdateTaskStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateTask(newTask("t1")))

	workerID := "worker_0"
	require.NoError(t, s.UpdateTaskStatus("t1", types.TaskStatusAssigned, TaskUpdate{WorkerID: &workerID}))

	start := time.Now()
	require.NoError(t, s.UpdateTaskStatus("t1", types.TaskStatusRunning, TaskUpdate{StartTime: &start}))

	out := "/outputs/worker_0_t1_512x512_s42.png"
	secs := 1.5
	require.NoError(t, s.UpdateTaskStatus("t1", types.TaskStatusCompleted, TaskUpdate{
		OutputPath:        &out,
		ProcessingSeconds: &secs,
	}))

	task, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, out, task.OutputPath)
	assert.Equal(t, workerID, task.WorkerID)
	require.NotNil(t, task.StartTime)
	require.NotNil(t, task.CompletionTime)
	assert.False(t, task.CompletionTime.Before(*task.StartTime))
}

func TestUpdateTaskStatusIllegalTransitionIgnored(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateTask(newTask("t2")))
	require.NoError(t, s.UpdateTaskStatus("t2", types.TaskStatusCancelled, TaskUpdate{}))

	// Terminal rows are immutable; the illegal write is a no-op.
	require.NoError(t, s.UpdateTaskStatus("t2", types.TaskStatusRunning, TaskUpdate{}))

	task, err := s.GetTask("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
	assert.NotNil(t, task.CompletionTime)
}

func TestUpdateTaskStatusMissingRowIsNoop(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.UpdateTaskStatus("nope", types.TaskStatusRunning, TaskUpdate{}))
}

func TestStartTimeSetOnce(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateTask(newTask("t3")))
	require.NoError(t, s.UpdateTaskStatus("t3", types.TaskStatusAssigned, TaskUpdate{}))

	first := time.Now().Add(-time.Minute)
	require.NoError(t, s.UpdateTaskStatus("t3", types.TaskStatusRunning, TaskUpdate{StartTime: &first}))

	later := time.Now()
	require.NoError(t, s.UpdateTaskStatus("t3", types.TaskStatusCompleted, TaskUpdate{StartTime: &later}))

	task, err := s.GetTask("t3")
	require.NoError(t, err)
	require.NotNil(t, task.StartTime)
	assert.WithinDuration(t, first, *task.StartTime, time.Second)
}

func TestGetPendingTasksOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		task := newTask(id)
		ts := base.Add(time.Duration(i) * time.Minute)
		task.SubmitTime = &ts
		require.NoError(t, s.CreateTask(task))
	}
	require.NoError(t, s.UpdateTaskStatus("mid", types.TaskStatusAssigned, TaskUpdate{}))

	pending, err := s.GetPendingTasks(10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "old", pending[0].ID)
	assert.Equal(t, "mid", pending[1].ID)
	assert.Equal(t, "new", pending[2].ID)
}

func TestFailInFlightTasks(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateTask(newTask("q")))
	a := newTask("a")
	require.NoError(t, s.CreateTask(a))
	require.NoError(t, s.UpdateTaskStatus("a", types.TaskStatusAssigned, TaskUpdate{}))
	r := newTask("r")
	require.NoError(t, s.CreateTask(r))
	require.NoError(t, s.UpdateTaskStatus("r", types.TaskStatusAssigned, TaskUpdate{}))
	require.NoError(t, s.UpdateTaskStatus("r", types.TaskStatusRunning, TaskUpdate{}))

	n, err := s.FailInFlightTasks("orchestrator_shutdown")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"a", "r"} {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusFailed, task.Status)
		assert.Equal(t, "orchestrator_shutdown", task.ErrorMessage)
		assert.NotNil(t, task.CompletionTime)
	}

	queued, err := s.GetTask("q")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, queued.Status)
}

func TestRegisterWorkerUpsert(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RegisterWorker("worker_0", 0))
	require.NoError(t, s.UpdateWorkerStatus("worker_0", types.WorkerStatusIdle, "model-a", 2048))

	// Re-registration resets to starting and refreshes device id.
	require.NoError(t, s.RegisterWorker("worker_0", 0))

	w, err := s.GetWorker("worker_0")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusStarting, w.Status)

	workers, err := s.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestUpdateWorkerStatusCreatesRow(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpdateWorkerStatus("worker_9", types.WorkerStatusIdle, "", 0))

	w, err := s.GetWorker("worker_9")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, w.Status)
}

func TestModelCatalog(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertModel(&types.Model{Name: "m1", Path: "/models/m1.safetensors", SizeMB: 2048}))
	require.NoError(t, s.UpsertModel(&types.Model{Name: "m1", Path: "/models/m1.safetensors", SizeMB: 4096}))

	require.NoError(t, s.TouchModel("m1"))
	require.NoError(t, s.TouchModel("m1"))

	m, err := s.GetModel("m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.UsageCount)
	assert.Equal(t, 4096.0, m.SizeMB)
	assert.NotNil(t, m.LastUsed)

	_, err = s.GetModel("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupOldRecords(t *testing.T) {
	s := openTestStore(t)

	// Old completed task: eligible.
	old := newTask("old-done")
	require.NoError(t, s.CreateTask(old))
	require.NoError(t, s.UpdateTaskStatus("old-done", types.TaskStatusAssigned, TaskUpdate{}))
	longAgo := time.Now().AddDate(0, 0, -30)
	require.NoError(t, s.UpdateTaskStatus("old-done", types.TaskStatusCompleted, TaskUpdate{CompletionTime: &longAgo}))

	// Old failed task: retention never deletes failed rows here.
	oldFail := newTask("old-failed")
	require.NoError(t, s.CreateTask(oldFail))
	msg := "boom"
	require.NoError(t, s.UpdateTaskStatus("old-failed", types.TaskStatusFailed, TaskUpdate{ErrorMessage: &msg, CompletionTime: &longAgo}))

	// Fresh completed task: kept.
	fresh := newTask("fresh-done")
	require.NoError(t, s.CreateTask(fresh))
	require.NoError(t, s.UpdateTaskStatus("fresh-done", types.TaskStatusAssigned, TaskUpdate{}))
	require.NoError(t, s.UpdateTaskStatus("fresh-done", types.TaskStatusCompleted, TaskUpdate{}))

	require.NoError(t, s.RecordSystemMetric(&types.SystemMetric{Timestamp: longAgo}))
	require.NoError(t, s.RecordWorkerMetric(&types.WorkerMetric{WorkerID: "worker_0", Timestamp: longAgo}))

	removed, err := s.CleanupOldRecords(7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	_, err = s.GetTask("old-done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTask("fresh-done")
	assert.NoError(t, err)
	_, err = s.GetTask("old-failed")
	assert.NoError(t, err)
}
