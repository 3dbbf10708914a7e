package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kilnworks/kiln/pkg/bus"
	"github.com/kilnworks/kiln/pkg/config"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/store"
	"github.com/kilnworks/kiln/pkg/types"
)

// handle pairs a worker's in-memory state with its live process
type handle struct {
	worker   *types.Worker
	proc     Process
	stopPump chan struct{}
}

// Registry owns the fleet of worker processes: one per configured
// device. It spawns them, pumps their pipes onto the message bus,
// watches their health, and picks dispatch targets for the scheduler.
type Registry struct {
	cfg      *config.Config
	bus      *bus.Bus
	store    store.Store
	broker   *events.Broker
	launcher Launcher
	logger   zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*handle

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry. A nil launcher defaults to spawning real
// child processes of the current binary.
func New(cfg *config.Config, st store.Store, b *bus.Bus, broker *events.Broker, launcher Launcher) *Registry {
	if launcher == nil {
		launcher = &ExecLauncher{
			OutputDir:         cfg.OutputDir,
			HeartbeatInterval: cfg.HeartbeatInterval,
			LogLevel:          cfg.LogLevel,
		}
	}
	return &Registry{
		cfg:      cfg,
		bus:      b,
		store:    st,
		broker:   broker,
		launcher: launcher,
		logger:   log.WithComponent("registry"),
		handles:  make(map[string]*handle),
		stopCh:   make(chan struct{}),
	}
}

// StartAll spawns a worker for every configured device, serially with a
// settle delay between spawns by default, or concurrently when parallel
// spawning is enabled.
func (r *Registry) StartAll() error {
	if r.cfg.ParallelWorkerSpawn {
		g := new(errgroup.Group)
		for _, deviceID := range r.cfg.DeviceList {
			g.Go(func() error { return r.Spawn(deviceID) })
		}
		return g.Wait()
	}

	for i, deviceID := range r.cfg.DeviceList {
		if i > 0 && r.cfg.WorkerSpawnDelay > 0 {
			time.Sleep(r.cfg.WorkerSpawnDelay)
		}
		if err := r.Spawn(deviceID); err != nil {
			return err
		}
	}
	return nil
}

// Spawn launches the worker for one device and wires its pipes to the
// bus. At most one worker exists per device; spawning an occupied
// device fails.
func (r *Registry) Spawn(deviceID int) error {
	workerID := types.WorkerIDForDevice(deviceID)

	r.mu.Lock()
	if _, exists := r.handles[workerID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("device %d already has a worker", deviceID)
	}
	r.mu.Unlock()

	// The inbound queue exists before the process so nothing sent
	// during startup is lost.
	r.bus.Register(workerID)

	proc, err := r.launcher.Launch(deviceID)
	if err != nil {
		r.bus.Unregister(workerID)
		return fmt.Errorf("failed to launch worker for device %d: %w", deviceID, err)
	}

	if err := r.store.RegisterWorker(workerID, deviceID); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("worker row write failed")
	}

	h := &handle{
		worker: &types.Worker{
			ID:           workerID,
			DeviceID:     deviceID,
			Status:       types.WorkerStatusStarting,
			LastActivity: time.Now(),
			PID:          proc.PID(),
		},
		proc:     proc,
		stopPump: make(chan struct{}),
	}

	r.mu.Lock()
	r.handles[workerID] = h
	r.mu.Unlock()

	r.wg.Add(2)
	go r.writerPump(h)
	go r.readerPump(h)

	r.logger.Info().Str("worker_id", workerID).Int("device_id", deviceID).Int("pid", proc.PID()).Msg("worker spawned")
	r.publish(events.EventWorkerSpawned, "", workerID, "")
	return nil
}

// writerPump drains the worker's bus queue into its stdin pipe
func (r *Registry) writerPump(h *handle) {
	defer r.wg.Done()

	ch := r.bus.Inbound(h.worker.ID)
	for {
		select {
		case <-r.stopCh:
			return
		case <-h.stopPump:
			return
		case msg := <-ch:
			if err := h.proc.Send(msg); err != nil {
				r.logger.Warn().Err(err).Str("worker_id", h.worker.ID).Msg("worker pipe write failed")
				return
			}
		}
	}
}

// readerPump routes everything the worker emits. It exits when the
// pipe closes, which is also how process death is ultimately observed.
func (r *Registry) readerPump(h *handle) {
	defer r.wg.Done()

	for {
		msg, err := h.proc.Recv()
		if err != nil {
			return
		}
		r.route(h, msg)
	}
}

func (r *Registry) route(h *handle, msg types.Message) {
	// Any traffic proves the process is alive. A worker deep in a long
	// generation emits statuses and results, not just heartbeats, and
	// none of them should count toward the silence timeout.
	r.mu.Lock()
	h.worker.LastActivity = time.Now()
	r.mu.Unlock()

	switch msg.Type {
	case types.MessageRegistration:
		r.onRegistration(h, msg)
	case types.MessageHeartbeat:
		r.onHeartbeat(h, msg)
	case types.MessageStatus:
		r.forward(msg, r.bus.PushStatus)
	case types.MessageResult:
		r.forward(msg, r.bus.PushResult)
	case types.MessageDisconnect:
		r.markOffline(h, "worker disconnected")
	case types.MessageError:
		r.onFault(h, msg)
	default:
		r.logger.Warn().Str("worker_id", h.worker.ID).Str("type", string(msg.Type)).Msg("unroutable worker message")
	}
}

func (r *Registry) forward(msg types.Message, push func(context.Context, types.Message) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.MessageTimeout)
	defer cancel()
	if err := push(ctx, msg); err != nil {
		r.logger.Error().Err(err).Str("worker_id", msg.WorkerID).Msg("outbound queue full, message dropped")
	}
}

func (r *Registry) onRegistration(h *handle, msg types.Message) {
	if msg.Registration == nil {
		return
	}
	r.mu.Lock()
	h.worker.PID = msg.Registration.PID
	h.worker.Capabilities = msg.Registration.Capabilities
	r.mu.Unlock()
	r.logger.Info().Str("worker_id", h.worker.ID).Int("pid", msg.Registration.PID).Msg("worker registered")
}

func (r *Registry) onHeartbeat(h *handle, msg types.Message) {
	if msg.Heartbeat == nil {
		return
	}
	hb := msg.Heartbeat

	r.mu.Lock()
	wasStarting := h.worker.Status == types.WorkerStatusStarting
	// An idle heartbeat snapshotted before the worker saw its dispatch
	// must not clear the busy mark, or the next tick would hand the
	// device a second task. Only the ready callback releases the mark.
	stale := hb.Status == types.WorkerStatusIdle &&
		h.worker.CurrentTaskID != "" && hb.CurrentTaskID == ""
	if !stale {
		h.worker.Status = hb.Status
		h.worker.CurrentTaskID = hb.CurrentTaskID
	}
	h.worker.CurrentModel = hb.CurrentModel
	h.worker.VRAMUsageMB = hb.VRAMUsageMB
	status := h.worker.Status
	r.mu.Unlock()

	if wasStarting && status == types.WorkerStatusIdle {
		r.logger.Info().Str("worker_id", h.worker.ID).Msg("worker ready")
		r.publish(events.EventWorkerReady, "", h.worker.ID, "")
	}

	if err := r.store.UpdateWorkerStatus(h.worker.ID, status, hb.CurrentModel, hb.VRAMUsageMB); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", h.worker.ID).Msg("worker status write failed")
	}
	if err := r.store.RecordWorkerMetric(&types.WorkerMetric{
		WorkerID:   h.worker.ID,
		Timestamp:  time.Now(),
		VRAMUsedMB: hb.VRAMUsageMB,
	}); err != nil {
		r.logger.Debug().Err(err).Str("worker_id", h.worker.ID).Msg("worker metric write failed")
	}
}

// onFault marks the worker errored and, when the fault names a task,
// synthesizes a status so the scheduler resolves that task as failed.
func (r *Registry) onFault(h *handle, msg types.Message) {
	fault := msg.Fault
	if fault == nil {
		return
	}
	r.logger.Error().Str("worker_id", h.worker.ID).Str("task_id", fault.TaskID).Str("fault", fault.Message).Msg("worker fault")

	r.mu.Lock()
	h.worker.Status = types.WorkerStatusError
	h.worker.ErrorMessage = fault.Message
	r.mu.Unlock()
	r.publish(events.EventWorkerError, fault.TaskID, h.worker.ID, fault.Message)

	if fault.TaskID != "" {
		synth := types.NewMessage(h.worker.ID, types.MessageStatus)
		synth.Status = &types.StatusEvent{
			Status:  types.StatusError,
			TaskID:  fault.TaskID,
			Message: fault.Message,
		}
		r.forward(synth, r.bus.PushStatus)
	}
}

func (r *Registry) markOffline(h *handle, reason string) {
	r.mu.Lock()
	if h.worker.Status == types.WorkerStatusOffline {
		r.mu.Unlock()
		return
	}
	h.worker.Status = types.WorkerStatusOffline
	h.worker.ErrorMessage = reason
	r.mu.Unlock()

	r.logger.Warn().Str("worker_id", h.worker.ID).Str("reason", reason).Msg("worker offline")
	if err := r.store.UpdateWorkerStatus(h.worker.ID, types.WorkerStatusOffline, "", 0); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", h.worker.ID).Msg("worker status write failed")
	}
	r.publish(events.EventWorkerOffline, "", h.worker.ID, reason)
}

// StartMonitor begins the periodic health sweep. Dead processes are
// reaped and optionally respawned; silent ones go offline.
func (r *Registry) StartMonitor() {
	interval := r.cfg.WorkerTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	r.mu.RLock()
	snapshot := make([]*handle, 0, len(r.handles))
	for _, h := range r.handles {
		snapshot = append(snapshot, h)
	}
	r.mu.RUnlock()

	for _, h := range snapshot {
		if !h.proc.Alive() {
			r.reapDead(h)
			continue
		}
		r.mu.RLock()
		stale := time.Since(h.worker.LastActivity) > r.cfg.WorkerTimeout
		r.mu.RUnlock()
		if stale {
			r.markOffline(h, "heartbeat timeout")
		}
	}
}

// reapDead removes a dead worker's handle, fails whatever task it was
// holding, and respawns the device when auto restart is on.
func (r *Registry) reapDead(h *handle) {
	r.mu.Lock()
	taskID := h.worker.CurrentTaskID
	deviceID := h.worker.DeviceID
	workerID := h.worker.ID
	delete(r.handles, workerID)
	r.mu.Unlock()

	close(h.stopPump)
	r.logger.Error().Str("worker_id", workerID).Str("task_id", taskID).Msg("worker process died")

	if taskID != "" {
		synth := types.NewMessage(workerID, types.MessageStatus)
		synth.Status = &types.StatusEvent{Status: types.StatusError, TaskID: taskID, Message: "worker_died"}
		r.forward(synth, r.bus.PushStatus)
	}

	if err := r.store.UpdateWorkerStatus(workerID, types.WorkerStatusOffline, "", 0); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("worker status write failed")
	}
	r.bus.Unregister(workerID)
	r.publish(events.EventWorkerOffline, taskID, workerID, "worker_died")

	if r.cfg.AutoRestartWorkers {
		r.respawn(deviceID, workerID)
	}
}

// respawn relaunches a reaped device, retrying transient launch
// failures up to the configured attempt budget.
func (r *Registry) respawn(deviceID int, workerID string) {
	attempts := r.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = r.Spawn(deviceID); err == nil {
			r.publish(events.EventWorkerRestart, "", workerID, "")
			return
		}
		r.logger.Warn().Err(err).Int("device_id", deviceID).Int("attempt", attempt).Msg("worker respawn attempt failed")
	}
	r.logger.Error().Err(err).Int("device_id", deviceID).Msg("worker respawn failed")
}

// PickIdle selects the dispatch target: the idle worker that finished
// work most recently, warm caches first, ties broken by device id.
func (r *Registry) PickIdle() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.Worker
	for _, h := range r.handles {
		w := h.worker
		if w.Status != types.WorkerStatusIdle || !h.proc.Alive() {
			continue
		}
		if best == nil ||
			w.LastActivity.After(best.LastActivity) ||
			(w.LastActivity.Equal(best.LastActivity) && w.DeviceID < best.DeviceID) {
			best = w
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// SetWorkerStatus applies a scheduler-side status change, such as busy
// on dispatch or idle on a ready callback.
func (r *Registry) SetWorkerStatus(workerID string, status types.WorkerStatus, currentTaskID string) {
	r.mu.Lock()
	h, ok := r.handles[workerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	h.worker.Status = status
	h.worker.CurrentTaskID = currentTaskID
	if status == types.WorkerStatusIdle {
		h.worker.LastActivity = time.Now()
	}
	model, vram := h.worker.CurrentModel, h.worker.VRAMUsageMB
	r.mu.Unlock()

	if err := r.store.UpdateWorkerStatus(workerID, status, model, vram); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("worker status write failed")
	}
}

// Worker returns a snapshot of one worker
func (r *Registry) Worker(workerID string) (*types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[workerID]
	if !ok {
		return nil, false
	}
	snapshot := *h.worker
	return &snapshot, true
}

// List returns snapshots of all workers ordered by device id
func (r *Registry) List() []*types.Worker {
	r.mu.RLock()
	out := make([]*types.Worker, 0, len(r.handles))
	for _, h := range r.handles {
		snapshot := *h.worker
		out = append(out, &snapshot)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Remove tears one worker down and deletes its durable row. Used for
// explicit operator removal rather than shutdown.
func (r *Registry) Remove(workerID string) error {
	r.mu.Lock()
	h, ok := r.handles[workerID]
	if ok {
		delete(r.handles, workerID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worker %s", workerID)
	}

	r.teardown(h)
	r.bus.Unregister(workerID)
	if err := r.store.DeleteWorker(workerID); err != nil {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("worker row delete failed")
	}
	r.publish(events.EventWorkerRemoved, "", workerID, "")
	return nil
}

// StopAll shuts every worker down: polite shutdown message, a grace
// period, then the axe. Worker rows go offline but stay in the store.
func (r *Registry) StopAll() {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			r.teardown(h)
			r.bus.Unregister(h.worker.ID)
			if err := r.store.UpdateWorkerStatus(h.worker.ID, types.WorkerStatusOffline, "", 0); err != nil {
				r.logger.Warn().Err(err).Str("worker_id", h.worker.ID).Msg("worker status write failed")
			}
		}(h)
	}
	wg.Wait()
	r.wg.Wait()
	r.logger.Info().Msg("all workers stopped")
}

func (r *Registry) teardown(h *handle) {
	select {
	case <-h.stopPump:
	default:
		close(h.stopPump)
	}

	if !h.proc.Alive() {
		return
	}
	if err := h.proc.Send(types.NewMessage(h.worker.ID, types.MessageShutdown)); err != nil {
		r.logger.Debug().Err(err).Str("worker_id", h.worker.ID).Msg("shutdown send failed")
	}

	select {
	case <-h.proc.Done():
		r.logger.Info().Str("worker_id", h.worker.ID).Msg("worker exited cleanly")
	case <-time.After(r.cfg.ShutdownGrace):
		r.logger.Warn().Str("worker_id", h.worker.ID).Msg("worker ignored shutdown, killing")
		_ = h.proc.Kill()
		<-h.proc.Done()
	}
}

func (r *Registry) publish(typ events.EventType, taskID, workerID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: typ, TaskID: taskID, WorkerID: workerID, Message: message})
}
