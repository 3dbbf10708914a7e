package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

const maxIDRetries = 5

var (
	// ErrDuplicateID is returned when a task id still collides after retries
	ErrDuplicateID = errors.New("task id already exists after retries")

	// ErrUnknownTask is returned for operations on an id the queue does not hold
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotCancellable is returned when cancelling a task that left the queue
	ErrNotCancellable = errors.New("task is no longer queued")
)

// Stats is a point-in-time summary of the queue
type Stats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// Queue is the FIFO of accepted tasks plus in-memory mirrors of active
// and completed tasks. A task id lives in exactly one of the three sets
// at any time. All mutation goes through the scheduler; readers get
// copies.
type Queue struct {
	mu        sync.Mutex
	fifo      []*types.Task
	pending   map[string]*types.Task // queued, still inside fifo
	active    map[string]*types.Task // assigned or running
	completed map[string]*types.Task // terminal

	store  store.Store
	logger zerolog.Logger
}

// New creates an empty task queue backed by the given store
func New(st store.Store) *Queue {
	return &Queue{
		pending:   make(map[string]*types.Task),
		active:    make(map[string]*types.Task),
		completed: make(map[string]*types.Task),
		store:     st,
		logger:    log.WithComponent("queue"),
	}
}

// Submit admits a task. A missing id is minted; an id that collides in
// the store is retried with a derived suffix up to five times before
// the submission fails. On success the task is durably queued and
// appended to the FIFO.
func (q *Queue) Submit(task *types.Task) (string, error) {
	base := task.ID
	if base == "" {
		base = uuid.New().String()
	}

	task.Status = types.TaskStatusQueued
	now := time.Now()
	task.SubmitTime = &now

	candidate := base
	for attempt := 0; ; attempt++ {
		task.ID = candidate
		err := q.store.CreateTask(task)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateTask) {
			return "", err
		}
		if attempt >= maxIDRetries {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, base)
		}
		candidate = fmt.Sprintf("%s_%d_%d", base, time.Now().Unix(), attempt)
	}

	q.mu.Lock()
	q.fifo = append(q.fifo, task)
	q.pending[task.ID] = task
	q.mu.Unlock()

	q.logger.Debug().Str("task_id", task.ID).Msg("task queued")
	return task.ID, nil
}

// Restore re-admits tasks that are already durably queued, preserving
// the order given. Used by the startup recovery pass; unlike Submit it
// writes nothing to the store. Tasks not in queued state or already
// held are skipped.
func (q *Queue) Restore(tasks []*types.Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0
	for _, task := range tasks {
		if task.Status != types.TaskStatusQueued {
			continue
		}
		if _, held := q.pending[task.ID]; held {
			continue
		}
		q.fifo = append(q.fifo, task)
		q.pending[task.ID] = task
		restored++
	}
	if restored > 0 {
		q.logger.Info().Int("tasks", restored).Msg("queued tasks restored from store")
	}
	return restored
}

// Next pops the head of the FIFO, skipping tasks cancelled while they
// waited. Returns nil when nothing is dispatchable.
func (q *Queue) Next() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.fifo) > 0 {
		head := q.fifo[0]
		q.fifo = q.fifo[1:]
		if _, ok := q.pending[head.ID]; !ok {
			// Cancelled while queued; already terminal.
			continue
		}
		delete(q.pending, head.ID)
		q.active[head.ID] = head
		return head
	}
	return nil
}

// Requeue puts a task back at the head of the FIFO after a failed
// dispatch, reverting it to queued.
func (q *Queue) Requeue(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, task.ID)
	task.Status = types.TaskStatusQueued
	task.WorkerID = ""
	q.pending[task.ID] = task
	q.fifo = append([]*types.Task{task}, q.fifo...)
}

// Assign marks an active task as assigned to a worker
func (q *Queue) Assign(taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.active[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	task.Status = types.TaskStatusAssigned
	task.WorkerID = workerID
	return nil
}

// MarkRunning records the compute-start transition
func (q *Queue) MarkRunning(taskID string, startTime time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.active[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	task.Status = types.TaskStatusRunning
	if task.StartTime == nil {
		t := startTime
		task.StartTime = &t
	}
	return nil
}

// Complete resolves an active task as completed: the terminal store
// write happens first, and only once it succeeds is the task moved to
// the completed set. Until then status readbacks keep reporting the
// previous state, so a task is never observed completed without a
// durable record.
func (q *Queue) Complete(taskID, outputPath string, processingSeconds float64) error {
	q.mu.Lock()
	task, ok := q.active[taskID]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	completion := time.Now()
	err := q.store.UpdateTaskStatus(taskID, types.TaskStatusCompleted, store.TaskUpdate{
		OutputPath:        &outputPath,
		CompletionTime:    &completion,
		ProcessingSeconds: &processingSeconds,
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = types.TaskStatusCompleted
	task.OutputPath = outputPath
	task.ProcessingSeconds = processingSeconds
	task.CompletionTime = &completion
	delete(q.active, taskID)
	q.completed[taskID] = task
	return nil
}

// Fail resolves a task as failed with a short reason. Works for both
// active tasks and queued ones (worker death before pop is impossible,
// but admission-time failures are not).
func (q *Queue) Fail(taskID, reason string) error {
	q.mu.Lock()
	task, ok := q.active[taskID]
	if !ok {
		task, ok = q.pending[taskID]
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}

	completion := time.Now()
	if err := q.store.UpdateTaskStatus(taskID, types.TaskStatusFailed, store.TaskUpdate{
		ErrorMessage:   &reason,
		CompletionTime: &completion,
	}); err != nil {
		q.logger.Warn().Err(err).Str("task_id", taskID).Msg("terminal failed write deferred")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = types.TaskStatusFailed
	task.ErrorMessage = reason
	task.CompletionTime = &completion
	delete(q.active, taskID)
	delete(q.pending, taskID)
	q.completed[taskID] = task
	return nil
}

// Cancel cancels a task that is still queued. Tasks already handed to
// a worker cannot be cancelled. The id stays inside the FIFO slice;
// Next skips it because it left the pending set.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	task, ok := q.pending[taskID]
	if !ok {
		q.mu.Unlock()
		if _, held := q.get(taskID); held {
			return ErrNotCancellable
		}
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	completion := time.Now()
	task.Status = types.TaskStatusCancelled
	task.CompletionTime = &completion
	delete(q.pending, taskID)
	q.completed[taskID] = task
	q.mu.Unlock()

	if err := q.store.UpdateTaskStatus(taskID, types.TaskStatusCancelled, store.TaskUpdate{
		CompletionTime: &completion,
	}); err != nil {
		q.logger.Warn().Err(err).Str("task_id", taskID).Msg("cancel write deferred")
	}
	return nil
}

// get looks a task up across all in-memory sets
func (q *Queue) get(taskID string) (*types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.pending[taskID]; ok {
		return task, true
	}
	if task, ok := q.active[taskID]; ok {
		return task, true
	}
	if task, ok := q.completed[taskID]; ok {
		return task, true
	}
	return nil, false
}

// Get returns a snapshot of a task, consulting memory first and the
// store for tasks already garbage-collected from the completed set.
func (q *Queue) Get(taskID string) (*types.Task, error) {
	if task, ok := q.get(taskID); ok {
		snapshot := *task
		return &snapshot, nil
	}
	return q.store.GetTask(taskID)
}

// Depth returns the number of dispatchable queued tasks
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns copies of every in-memory task, newest first not
// guaranteed; callers sort if they need an order.
func (q *Queue) Snapshot() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Task, 0, len(q.pending)+len(q.active)+len(q.completed))
	for _, set := range []map[string]*types.Task{q.pending, q.active, q.completed} {
		for _, task := range set {
			snapshot := *task
			out = append(out, &snapshot)
		}
	}
	return out
}

// Stats summarizes the queue for the API
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:    len(q.pending),
		Active:    len(q.active),
		Completed: len(q.completed),
	}
}

// Cleanup drops completed tasks older than maxAge from the in-memory
// mirror. Durable rows are untouched; store retention handles those.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, task := range q.completed {
		if task.CompletionTime != nil && task.CompletionTime.Before(cutoff) {
			delete(q.completed, id)
			removed++
		}
	}
	return removed
}
