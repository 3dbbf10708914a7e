package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/bus"
	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/queue"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

// fakePool is an in-memory stand-in for the registry
type fakePool struct {
	mu      sync.Mutex
	workers map[string]*types.Worker
}

func newFakePool(idleWorkers ...string) *fakePool {
	p := &fakePool{workers: make(map[string]*types.Worker)}
	for i, id := range idleWorkers {
		p.workers[id] = &types.Worker{ID: id, DeviceID: i, Status: types.WorkerStatusIdle}
	}
	return p
}

func (p *fakePool) PickIdle() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	best := ""
	for id, w := range p.workers {
		if w.Status == types.WorkerStatusIdle && (best == "" || id < best) {
			best = id
		}
	}
	return best, best != ""
}

func (p *fakePool) SetWorkerStatus(workerID string, status types.WorkerStatus, currentTaskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.Status = status
		w.CurrentTaskID = currentTaskID
	}
}

func (p *fakePool) Worker(workerID string) (*types.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return nil, false
	}
	snapshot := *w
	return &snapshot, true
}

func (p *fakePool) status(workerID string) types.WorkerStatus {
	w, _ := p.Worker(workerID)
	return w.Status
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		SchedulerInterval:    50 * time.Millisecond,
		CleanupIntervalTicks: 0,
		CompletedTaskMaxAge:  time.Hour,
		RetentionDays:        7,
		ModelDir:             "/models",
		OutputDir:            t.TempDir(),
	}
}

func newTestScheduler(t *testing.T, pool WorkerPool) (*Scheduler, *queue.Queue, *bus.Bus, store.Store) {
	t.Helper()
	st, err := store.Open(config.StoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "scheduler_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st)
	b := bus.New(16)
	s := New(testConfig(t), q, b, pool, st, nil)
	return s, q, b, st
}

func submitTask(t *testing.T, s *Scheduler, id string) string {
	t.Helper()
	got, err := s.Submit(&types.Task{
		ID: id, Prompt: "a cat", Width: 512, Height: 512, Steps: 4,
		ModelName: "pony",
	})
	require.NoError(t, err)
	return got
}

func statusMsg(workerID string, status types.StatusValue, taskID, message string) types.Message {
	msg := types.NewMessage(workerID, types.MessageStatus)
	msg.Status = &types.StatusEvent{Status: status, TaskID: taskID, Message: message}
	return msg
}

func TestRecoverFailsInFlightTasks(t *testing.T) {
	s, _, _, st := newTestScheduler(t, newFakePool())

	for id, status := range map[string]types.TaskStatus{
		"t1": types.TaskStatusQueued,
		"t2": types.TaskStatusAssigned,
		"t3": types.TaskStatusRunning,
	} {
		require.NoError(t, st.CreateTask(&types.Task{ID: id, Prompt: "x", Status: types.TaskStatusQueued}))
		if status != types.TaskStatusQueued {
			require.NoError(t, st.UpdateTaskStatus(id, types.TaskStatusAssigned, store.TaskUpdate{}))
		}
		if status == types.TaskStatusRunning {
			now := time.Now()
			require.NoError(t, st.UpdateTaskStatus(id, types.TaskStatusRunning, store.TaskUpdate{StartTime: &now}))
		}
	}

	require.NoError(t, s.Recover())

	for _, id := range []string{"t2", "t3"} {
		row, err := st.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusFailed, row.Status)
		assert.Equal(t, "orchestrator_shutdown", row.ErrorMessage)
	}
	row, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, row.Status)
}

func TestRecoverRestoresQueuedTasks(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, b, st := newTestScheduler(t, pool)
	b.Register("worker_0")

	// Rows left behind by a previous run: two still queued, one mid-flight.
	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"t1", "t2", "t3"} {
		submit := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, st.CreateTask(&types.Task{
			ID: id, Prompt: "x", Status: types.TaskStatusQueued, SubmitTime: &submit,
		}))
	}
	require.NoError(t, st.UpdateTaskStatus("t3", types.TaskStatusAssigned, store.TaskUpdate{}))

	require.NoError(t, s.Recover())

	// The queued rows are back in the FIFO in submit order.
	assert.Equal(t, 2, q.Depth())
	s.Tick()
	msg := <-b.Inbound("worker_0")
	assert.Equal(t, "t1", msg.Instruction.Task.ID)

	// The in-flight row failed instead.
	row, err := st.GetTask("t3")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, row.Status)
	assert.Equal(t, "orchestrator_shutdown", row.ErrorMessage)

	// A second recovery pass does not double-admit.
	require.NoError(t, s.Recover())
	assert.Equal(t, 1, q.Depth())
}

func TestDispatchSendsRunTaskInstruction(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, b, st := newTestScheduler(t, pool)
	b.Register("worker_0")

	id := submitTask(t, s, "t1")
	s.Tick()

	select {
	case msg := <-b.Inbound("worker_0"):
		require.Equal(t, types.MessageInstruction, msg.Type)
		assert.Equal(t, types.ActionRunTask, msg.Instruction.Action)
		assert.Equal(t, id, msg.Instruction.Task.ID)
		// Unknown model falls back to the conventional location.
		assert.Equal(t, "/models/pony.safetensors", msg.Instruction.ModelPath)
	default:
		t.Fatal("no instruction dispatched")
	}

	assert.Equal(t, types.WorkerStatusBusy, pool.status("worker_0"))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.Equal(t, "worker_0", task.WorkerID)

	row, err := st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, row.Status)
	assert.Equal(t, "worker_0", row.WorkerID)
}

func TestDispatchWaitsForIdleWorker(t *testing.T) {
	s, q, _, _ := newTestScheduler(t, newFakePool())

	id := submitTask(t, s, "t1")
	s.Tick()

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, q.Depth())
}

func TestDispatchPutFailureRevertsMarks(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, _, _ := newTestScheduler(t, pool)
	// worker_0 has no bus queue, so the put fails immediately.

	id := submitTask(t, s, "t1")
	s.Tick()

	assert.Equal(t, types.WorkerStatusIdle, pool.status("worker_0"))
	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, q.Depth())

	// The task is still dispatchable once the queue exists.
	b := s.bus
	b.Register("worker_0")
	s.Tick()
	task, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
}

func TestStatusCallbacksDriveTaskLifecycle(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, b, st := newTestScheduler(t, pool)
	b.Register("worker_0")
	require.NoError(t, st.UpsertModel(&types.Model{Name: "pony", Path: "/models/pony.safetensors"}))

	id := submitTask(t, s, "t1")
	s.Tick()
	<-b.Inbound("worker_0")

	ctx := t.Context()

	// processing_started moves the task to running.
	require.NoError(t, b.PushStatus(ctx, statusMsg("worker_0", types.StatusProcessingStarted, id, "")))
	s.Tick()

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, task.Status)
	require.NotNil(t, task.StartTime)
	assert.Equal(t, types.WorkerStatusBusy, pool.status("worker_0"))

	// The result carries the artifact path; completed resolves the task
	// but leaves the worker busy until ready.
	result := types.NewMessage("worker_0", types.MessageResult)
	result.Result = &types.Result{
		Success: true, Action: types.ActionRunTask, TaskID: id,
		OutputPath: "/outputs/worker_0_t1_512x512_s42.png",
	}
	require.NoError(t, b.PushResult(ctx, result))
	require.NoError(t, b.PushStatus(ctx, statusMsg("worker_0", types.StatusCompleted, id, "")))
	s.Tick()

	task, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, "/outputs/worker_0_t1_512x512_s42.png", task.OutputPath)
	assert.GreaterOrEqual(t, task.ProcessingSeconds, float64(0))
	assert.Equal(t, types.WorkerStatusBusy, pool.status("worker_0"))

	// Successful completion bumps the model usage counter.
	model, err := st.GetModel("pony")
	require.NoError(t, err)
	assert.Equal(t, int64(1), model.UsageCount)

	// ready returns the worker to the pool.
	require.NoError(t, b.PushStatus(ctx, statusMsg("worker_0", types.StatusReady, id, "")))
	s.Tick()
	assert.Equal(t, types.WorkerStatusIdle, pool.status("worker_0"))

	// Durable row agrees with the in-memory view.
	row, err := st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, row.Status)
	require.NotNil(t, row.StartTime)
	require.NotNil(t, row.CompletionTime)
	assert.True(t, !row.CompletionTime.Before(*row.StartTime))
}

func TestErrorStatusFailsTaskAndWorker(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, b, _ := newTestScheduler(t, pool)
	b.Register("worker_0")

	id := submitTask(t, s, "t1")
	s.Tick()
	<-b.Inbound("worker_0")

	require.NoError(t, b.PushStatus(t.Context(), statusMsg("worker_0", types.StatusError, id, "generation: device out of memory")))
	s.Tick()

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "device out of memory")
	assert.Equal(t, types.WorkerStatusError, pool.status("worker_0"))
}

func TestCatalogModelPathWinsOverFallback(t *testing.T) {
	pool := newFakePool("worker_0")
	s, _, b, st := newTestScheduler(t, pool)
	b.Register("worker_0")
	require.NoError(t, st.UpsertModel(&types.Model{Name: "pony", Path: "/weights/pony_v2.safetensors"}))

	submitTask(t, s, "t1")
	s.Tick()

	msg := <-b.Inbound("worker_0")
	assert.Equal(t, "/weights/pony_v2.safetensors", msg.Instruction.ModelPath)
}

func TestCancelBeforeDispatch(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, b, _ := newTestScheduler(t, pool)
	b.Register("worker_0")

	id := submitTask(t, s, "t1")
	require.NoError(t, s.Cancel(id))
	s.Tick()

	// Nothing went out.
	select {
	case <-b.Inbound("worker_0"):
		t.Fatal("cancelled task was dispatched")
	default:
	}

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, task.Status)
}

func TestCleanupTickPrunesCompletedMirror(t *testing.T) {
	pool := newFakePool("worker_0")
	s, q, b, _ := newTestScheduler(t, pool)
	b.Register("worker_0")
	s.cfg.CleanupIntervalTicks = 1
	s.cfg.CompletedTaskMaxAge = -time.Second

	id := submitTask(t, s, "t1")
	s.Tick()
	<-b.Inbound("worker_0")

	ctx := t.Context()
	require.NoError(t, b.PushStatus(ctx, statusMsg("worker_0", types.StatusProcessingStarted, id, "")))
	require.NoError(t, b.PushStatus(ctx, statusMsg("worker_0", types.StatusCompleted, id, "/outputs/x.png")))
	require.NoError(t, b.PushStatus(ctx, statusMsg("worker_0", types.StatusReady, id, "")))
	s.Tick()

	assert.Equal(t, queue.Stats{}, q.Stats())

	// The store still serves the task after the mirror drops it.
	row, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, row.Status)
}
