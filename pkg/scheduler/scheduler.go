package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/bus"
	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/queue"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

// WorkerPool is the scheduler's view of the registry
type WorkerPool interface {
	PickIdle() (string, bool)
	SetWorkerStatus(workerID string, status types.WorkerStatus, currentTaskID string)
	Worker(workerID string) (*types.Worker, bool)
}

// Scheduler is the single hub of the orchestrator. One tick loop drains
// worker feedback, applies it to the queue and store, and dispatches the
// next task to the best idle worker. Nothing else mutates task state.
type Scheduler struct {
	cfg    *config.Config
	queue  *queue.Queue
	bus    *bus.Bus
	pool   WorkerPool
	store  store.Store
	broker *events.Broker
	logger zerolog.Logger

	// startedAt holds the orchestrator-side processing_started
	// observation per task; processing time is computed from it.
	startedAt map[string]time.Time

	// resultPaths holds output paths seen in result messages until the
	// matching completed status arrives.
	resultPaths map[string]string

	tickCount uint64
	stopCh    chan struct{}
	stopOnce  sync.Once
	doneCh    chan struct{}
}

// New creates a scheduler
func New(cfg *config.Config, q *queue.Queue, b *bus.Bus, pool WorkerPool, st store.Store, broker *events.Broker) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		queue:       q,
		bus:         b,
		pool:        pool,
		store:       st,
		broker:      broker,
		logger:      log.WithComponent("scheduler"),
		startedAt:   make(map[string]time.Time),
		resultPaths: make(map[string]string),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Recover resolves what a previous run left behind. Tasks still
// assigned or running were mid-compute at the last shutdown and cannot
// complete, so they fail; tasks durably queued lost only their place in
// the in-memory FIFO and are re-enqueued in submit order.
func (s *Scheduler) Recover() error {
	n, err := s.store.FailInFlightTasks("orchestrator_shutdown")
	if err != nil {
		return fmt.Errorf("recovery pass failed: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int("tasks", n).Msg("failed tasks left in flight by previous run")
	}

	pending, err := s.store.GetPendingTasks(0)
	if err != nil {
		return fmt.Errorf("recovery pass failed: %w", err)
	}
	if restored := s.queue.Restore(pending); restored > 0 {
		s.logger.Info().Int("tasks", restored).Msg("restored queued tasks from previous run")
	}
	return nil
}

// Start launches the tick loop
func (s *Scheduler) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.SchedulerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
	s.logger.Info().Dur("interval", s.cfg.SchedulerInterval).Msg("scheduler started")
}

// Stop halts the tick loop and waits for the current tick to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.logger.Info().Msg("scheduler stopped")
}

// Tick runs one scheduling cycle: feedback first, then dispatch, then
// the occasional cleanup.
func (s *Scheduler) Tick() {
	for _, msg := range s.bus.DrainResults() {
		s.handleResult(msg)
	}
	for _, msg := range s.bus.DrainStatuses() {
		s.handleStatus(msg)
	}

	s.dispatch()

	s.tickCount++
	if s.cfg.CleanupIntervalTicks > 0 && s.tickCount%uint64(s.cfg.CleanupIntervalTicks) == 0 {
		s.cleanup()
	}
}

// Submit admits a task into the queue. The caller has validated and
// defaulted the parameters.
func (s *Scheduler) Submit(task *types.Task) (string, error) {
	id, err := s.queue.Submit(task)
	if err != nil {
		return "", err
	}
	s.publish(events.EventTaskSubmitted, id, "", "")
	return id, nil
}

// Cancel cancels a still-queued task
func (s *Scheduler) Cancel(taskID string) error {
	if err := s.queue.Cancel(taskID); err != nil {
		return err
	}
	s.publish(events.EventTaskCancelled, taskID, "", "")
	return nil
}

func (s *Scheduler) handleResult(msg types.Message) {
	res := msg.Result
	if res == nil {
		return
	}
	if res.TaskID != "" && res.Success && res.OutputPath != "" {
		s.resultPaths[res.TaskID] = res.OutputPath
	}
	if !res.Success && res.TaskID == "" {
		s.logger.Warn().Str("worker_id", msg.WorkerID).Str("action", string(res.Action)).Str("error", res.Error).Msg("worker action failed")
	}
}

func (s *Scheduler) handleStatus(msg types.Message) {
	ev := msg.Status
	if ev == nil {
		return
	}
	workerID := msg.WorkerID
	taskID := ev.TaskID

	switch ev.Status {
	case types.StatusAccepted:
		s.logger.Debug().Str("task_id", taskID).Str("worker_id", workerID).Msg("task accepted")

	case types.StatusProcessingStarted:
		now := time.Now()
		s.startedAt[taskID] = now
		if err := s.queue.MarkRunning(taskID, now); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("running mark failed")
		}
		if err := s.store.UpdateTaskStatus(taskID, types.TaskStatusRunning, store.TaskUpdate{StartTime: &now}); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("running write failed")
		}
		s.publish(events.EventTaskStarted, taskID, workerID, "")

	case types.StatusCompleted:
		s.completeTask(taskID, workerID, ev.Message)

	case types.StatusReady:
		s.pool.SetWorkerStatus(workerID, types.WorkerStatusIdle, "")

	case types.StatusError:
		s.failTask(taskID, workerID, ev.Message)

	default:
		s.logger.Warn().Str("status", string(ev.Status)).Str("worker_id", workerID).Msg("unknown status value")
	}
}

// completeTask resolves a completed status. Processing time is the
// orchestrator-observed span from processing_started to completed; the
// output path comes from the worker's result message.
func (s *Scheduler) completeTask(taskID, workerID, fallbackPath string) {
	taskLog := log.WithTaskID(taskID)

	var processingSeconds float64
	if started, ok := s.startedAt[taskID]; ok {
		processingSeconds = time.Since(started).Seconds()
		delete(s.startedAt, taskID)
	}

	outputPath := s.resultPaths[taskID]
	delete(s.resultPaths, taskID)
	if outputPath == "" {
		outputPath = fallbackPath
	}

	if err := s.queue.Complete(taskID, outputPath, processingSeconds); err != nil {
		taskLog.Error().Err(err).Msg("completion not recorded")
		return
	}

	if task, err := s.queue.Get(taskID); err == nil && task.ModelName != "" {
		if err := s.store.TouchModel(task.ModelName); err != nil {
			taskLog.Debug().Err(err).Str("model", task.ModelName).Msg("model usage bump failed")
		}
	}

	metrics.TasksCompleted.Inc()
	s.publish(events.EventTaskCompleted, taskID, workerID, outputPath)
	taskLog.Info().Str("worker_id", workerID).Float64("processing_seconds", processingSeconds).Msg("task completed")
}

func (s *Scheduler) failTask(taskID, workerID, message string) {
	s.pool.SetWorkerStatus(workerID, types.WorkerStatusError, "")

	if taskID == "" {
		return
	}
	taskLog := log.WithTaskID(taskID)
	delete(s.startedAt, taskID)
	delete(s.resultPaths, taskID)

	if err := s.queue.Fail(taskID, message); err != nil {
		if !errors.Is(err, queue.ErrUnknownTask) {
			taskLog.Warn().Err(err).Msg("failure not recorded")
		}
		return
	}
	metrics.TasksFailed.Inc()
	s.publish(events.EventTaskFailed, taskID, workerID, message)
	taskLog.Warn().Str("worker_id", workerID).Str("error", message).Msg("task failed")
}

// dispatch hands the head task to the best idle worker. The assigned
// and busy marks are applied before the queue put; a failed put reverts
// both and requeues the task at the head.
func (s *Scheduler) dispatch() {
	if s.queue.Depth() == 0 {
		return
	}
	workerID, ok := s.pool.PickIdle()
	if !ok {
		return
	}
	task := s.queue.Next()
	if task == nil {
		return
	}

	task.ModelPath = s.resolveModelPath(task.ModelName)

	if err := s.queue.Assign(task.ID, workerID); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("assign mark failed")
		s.queue.Requeue(task)
		return
	}
	s.pool.SetWorkerStatus(workerID, types.WorkerStatusBusy, task.ID)

	msg := types.NewMessage(workerID, types.MessageInstruction)
	msg.Instruction = &types.Instruction{
		Action:    types.ActionRunTask,
		ModelName: task.ModelName,
		ModelPath: task.ModelPath,
		Task:      task,
	}

	// A full worker queue must not stall past the tick budget.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SchedulerInterval)
	err := s.bus.Send(ctx, msg)
	cancel()
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Str("worker_id", workerID).Msg("dispatch put failed, reverting")
		s.pool.SetWorkerStatus(workerID, types.WorkerStatusIdle, "")
		s.queue.Requeue(task)
		return
	}

	if err := s.store.UpdateTaskStatus(task.ID, types.TaskStatusAssigned, store.TaskUpdate{WorkerID: &workerID}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("assigned write failed")
	}

	metrics.TasksDispatched.Inc()
	if task.SubmitTime != nil {
		metrics.DispatchLatency.Observe(time.Since(*task.SubmitTime).Seconds())
	}
	s.publish(events.EventTaskAssigned, task.ID, workerID, "")
	s.logger.Info().Str("task_id", task.ID).Str("worker_id", workerID).Msg("task dispatched")
}

// resolveModelPath prefers the catalog row; unknown models fall back to
// the conventional weight file location under the models root.
func (s *Scheduler) resolveModelPath(modelName string) string {
	if m, err := s.store.GetModel(modelName); err == nil && m.Path != "" {
		if filepath.IsAbs(m.Path) {
			return m.Path
		}
		return filepath.Join(s.cfg.ModelDir, m.Path)
	}
	return filepath.Join(s.cfg.ModelDir, modelName+".safetensors")
}

func (s *Scheduler) cleanup() {
	removed := s.queue.Cleanup(s.cfg.CompletedTaskMaxAge)
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("completed task mirror pruned")
	}
	if s.cfg.RetentionDays > 0 {
		if n, err := s.store.CleanupOldRecords(s.cfg.RetentionDays); err != nil {
			s.logger.Warn().Err(err).Msg("store retention pass failed")
		} else if n > 0 {
			s.logger.Info().Int64("rows", n).Msg("old records cleaned up")
		}
	}
}

func (s *Scheduler) publish(typ events.EventType, taskID, workerID, message string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: typ, TaskID: taskID, WorkerID: workerID, Message: message})
}
