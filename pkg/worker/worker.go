package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/types"
)

// Options configures a worker runtime
type Options struct {
	DeviceID          int
	OutputDir         string
	HeartbeatInterval time.Duration

	// Engine defaults to the simulated engine when nil
	Engine Engine

	// Transport defaults to stdio framing when nil
	Transport Transport
}

// Runtime is the long-lived body of one worker process. It owns the
// device, receives instructions from the orchestrator over its
// transport, and executes them strictly one at a time.
type Runtime struct {
	workerID  string
	deviceID  int
	outputDir string

	transport Transport
	mem       *ModelMemory
	heartbeat time.Duration
	logger    zerolog.Logger

	// mu guards the fields below, which the heartbeat goroutine reads
	// while an instruction executes. Memory tier facts are mirrored here
	// because ModelMemory itself is only touched on the run goroutine.
	mu            sync.Mutex
	status        types.WorkerStatus
	currentTaskID string
	currentModel  string
	vramUsageMB   float64
}

// New builds a worker runtime for a device
func New(opts Options) *Runtime {
	engine := opts.Engine
	if engine == nil {
		engine = NewSimEngine(opts.DeviceID)
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewStdioTransport(os.Stdin, os.Stdout)
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	workerID := types.WorkerIDForDevice(opts.DeviceID)
	return &Runtime{
		workerID:  workerID,
		deviceID:  opts.DeviceID,
		outputDir: opts.OutputDir,
		transport: transport,
		mem:       NewModelMemory(engine),
		heartbeat: interval,
		logger:    log.WithWorkerID(workerID),
		status:    types.WorkerStatusStarting,
	}
}

// Run registers with the orchestrator and serves instructions until the
// transport closes, a shutdown arrives, or the context is cancelled.
// Instructions execute serially on this goroutine; heartbeats keep
// flowing from their own goroutine even while a generation runs, so a
// long task never looks like a dead worker.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.register(); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	r.setStatus(types.WorkerStatusIdle, "")
	r.sendHeartbeat()
	r.logger.Info().Int("device_id", r.deviceID).Msg("worker ready")

	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sendHeartbeat()
			}
		}
	}()

	inbound := make(chan types.Message, 16)
	go func() {
		defer close(inbound)
		for {
			msg, err := r.transport.Recv()
			if err != nil {
				if !errors.Is(err, ErrTransportClosed) {
					r.logger.Error().Err(err).Msg("transport receive failed")
				}
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.sendDisconnect()
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				// Orchestrator went away; nothing left to serve.
				r.logger.Info().Msg("transport closed, exiting")
				return nil
			}
			if done := r.dispatch(msg); done {
				r.sendDisconnect()
				return nil
			}
		}
	}
}

// dispatch executes one inbound message and reports whether the worker
// should exit.
func (r *Runtime) dispatch(msg types.Message) bool {
	switch msg.Type {
	case types.MessageShutdown:
		r.logger.Info().Msg("shutdown requested")
		return true
	case types.MessageInstruction:
		if msg.Instruction == nil {
			r.logger.Warn().Str("message_id", msg.ID).Msg("instruction message without payload")
			return false
		}
		if msg.Instruction.Action == types.ActionShutdown {
			r.logger.Info().Msg("shutdown instruction")
			return true
		}
		r.execute(*msg.Instruction)
		return false
	default:
		r.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected message type")
		return false
	}
}

func (r *Runtime) execute(instr types.Instruction) {
	r.logger.Debug().Str("action", string(instr.Action)).Msg("executing instruction")
	defer r.syncMemory()

	switch instr.Action {
	case types.ActionLoadModelToRAM:
		ramMB, err := r.mem.LoadToRAM(instr.ModelName, instr.ModelPath)
		r.sendActionResult(instr.Action, types.Result{RAMUsageMB: ramMB}, err)
	case types.ActionLoadRAMToVRAM:
		vramMB, err := r.mem.PromoteToVRAM()
		r.sendActionResult(instr.Action, types.Result{VRAMUsageMB: vramMB}, err)
	case types.ActionClearRAM:
		r.sendActionResult(instr.Action, types.Result{}, r.mem.ClearRAM())
	case types.ActionClearVRAM:
		r.sendActionResult(instr.Action, types.Result{}, r.mem.ClearVRAM())
	case types.ActionCleanVRAM:
		cleanedMB, err := r.mem.CleanVRAM()
		r.sendActionResult(instr.Action, types.Result{VRAMCleanedMB: cleanedMB}, err)
	case types.ActionRunInference:
		r.runInference(instr)
	case types.ActionRunTask:
		r.runTask(instr)
	default:
		r.sendActionResult(instr.Action, types.Result{}, fmt.Errorf("unknown action %q", instr.Action))
	}
}

// runInference executes a single generation against the already
// resident model. The caller is responsible for having loaded weights.
func (r *Runtime) runInference(instr types.Instruction) {
	if instr.Task == nil {
		r.sendActionResult(instr.Action, types.Result{}, errors.New("run_inference without task"))
		return
	}
	if r.mem.State() != MemoryVRAM {
		r.sendActionResult(instr.Action, types.Result{TaskID: instr.Task.ID},
			fmt.Errorf("no model resident, state is %s", r.mem.State()))
		return
	}
	result, err := r.generate(instr.Task)
	result.TaskID = instr.Task.ID
	r.sendActionResult(instr.Action, result, err)
}

// runTask is the composite action driving one task end to end: accept,
// make the model resident, generate, report, reclaim, announce ready.
func (r *Runtime) runTask(instr types.Instruction) {
	if instr.Task == nil {
		r.sendActionResult(instr.Action, types.Result{}, errors.New("run_task without task"))
		return
	}
	task := instr.Task
	taskLog := r.logger.With().Str("task_id", task.ID).Logger()

	r.setStatus(types.WorkerStatusBusy, task.ID)
	r.sendStatus(types.StatusAccepted, task.ID, "")

	fail := func(stage string, err error) {
		taskLog.Error().Err(err).Str("stage", stage).Msg("task failed")
		r.setStatus(types.WorkerStatusError, task.ID)
		r.sendStatus(types.StatusError, task.ID, fmt.Sprintf("%s: %v", stage, err))
		r.recover()
	}

	modelName := task.ModelName
	if err := r.mem.Ensure(modelName, task.ModelPath); err != nil {
		fail("model load", err)
		return
	}
	r.syncMemory()

	r.sendStatus(types.StatusProcessingStarted, task.ID, "")

	result, err := r.generate(task)
	if err != nil {
		fail("generation", err)
		return
	}
	result.TaskID = task.ID
	r.sendActionResult(types.ActionRunTask, result, nil)
	r.sendStatus(types.StatusCompleted, task.ID, result.OutputPath)
	taskLog.Info().Str("output", result.OutputPath).Float64("duration", result.Duration).Msg("task completed")

	if cleaned, err := r.mem.CleanVRAM(); err != nil {
		taskLog.Warn().Err(err).Msg("post-task reclaim failed")
	} else if cleaned > 0 {
		taskLog.Debug().Float64("cleaned_mb", cleaned).Msg("reclaimed transient device memory")
	}
	r.syncMemory()

	r.setStatus(types.WorkerStatusIdle, "")
	r.sendStatus(types.StatusReady, task.ID, "")
}

// recover returns the worker to a servable state after a task failure.
// The resident model stays if it is healthy; the ready announcement
// tells the orchestrator this device can take work again.
func (r *Runtime) recover() {
	if r.mem.State() == MemoryVRAM {
		if _, err := r.mem.CleanVRAM(); err != nil {
			r.logger.Warn().Err(err).Msg("reclaim during recovery failed")
		}
	}
	r.syncMemory()
	r.setStatus(types.WorkerStatusIdle, "")
	r.sendStatus(types.StatusReady, "", "")
}

func (r *Runtime) generate(task *types.Task) (types.Result, error) {
	seed := resolveSeed(task.Seed)
	outputPath := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s_%dx%d_s%d.png",
		r.workerID, task.ID, task.Width, task.Height, seed))

	gen, err := r.mem.engine.Generate(GenerateParams{
		Prompt:         task.Prompt,
		NegativePrompt: task.NegativePrompt,
		Width:          task.Width,
		Height:         task.Height,
		Steps:          task.Steps,
		GuidanceScale:  task.GuidanceScale,
		Seed:           seed,
		OutputPath:     outputPath,
	})
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{
		Success:     true,
		OutputPath:  gen.OutputPath,
		Duration:    gen.Duration,
		Seed:        &gen.Seed,
		VRAMUsageMB: r.mem.VRAMUsageMB(),
	}, nil
}

// resolveSeed fixes an absent seed to a fresh random one so the result
// always reports the seed that actually produced the artifact.
func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return rand.Int63()
}

func (r *Runtime) register() error {
	hostname, _ := os.Hostname()
	msg := types.NewMessage(r.workerID, types.MessageRegistration)
	msg.Registration = &types.Registration{
		DeviceID: r.deviceID,
		PID:      os.Getpid(),
		Capabilities: types.Capabilities{
			Engine:    "sim",
			MaxWidth:  4096,
			MaxHeight: 4096,
			Hostname:  hostname,
		},
	}
	return r.transport.Send(msg)
}

// setStatus records the externally visible state of the worker
func (r *Runtime) setStatus(status types.WorkerStatus, taskID string) {
	r.mu.Lock()
	r.status = status
	r.currentTaskID = taskID
	r.mu.Unlock()
}

// syncMemory refreshes the heartbeat's view of the memory tier. Called
// on the run goroutine after any ModelMemory mutation.
func (r *Runtime) syncMemory() {
	model := r.mem.ModelName()
	vram := r.mem.VRAMUsageMB()
	r.mu.Lock()
	r.currentModel = model
	r.vramUsageMB = vram
	r.mu.Unlock()
}

func (r *Runtime) sendHeartbeat() {
	r.mu.Lock()
	hb := types.Heartbeat{
		Status:        r.status,
		CurrentModel:  r.currentModel,
		VRAMUsageMB:   r.vramUsageMB,
		CurrentTaskID: r.currentTaskID,
	}
	r.mu.Unlock()

	msg := types.NewMessage(r.workerID, types.MessageHeartbeat)
	msg.Heartbeat = &hb
	if err := r.transport.Send(msg); err != nil {
		r.logger.Warn().Err(err).Msg("heartbeat send failed")
	}
}

func (r *Runtime) sendStatus(status types.StatusValue, taskID, message string) {
	msg := types.NewMessage(r.workerID, types.MessageStatus)
	msg.Status = &types.StatusEvent{Status: status, TaskID: taskID, Message: message}
	if err := r.transport.Send(msg); err != nil {
		r.logger.Warn().Err(err).Str("status", string(status)).Msg("status send failed")
	}
}

func (r *Runtime) sendActionResult(action types.InstructionAction, result types.Result, err error) {
	result.Action = action
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	} else if action != types.ActionRunInference && action != types.ActionRunTask {
		result.Success = true
	}
	msg := types.NewMessage(r.workerID, types.MessageResult)
	msg.Result = &result
	if sendErr := r.transport.Send(msg); sendErr != nil {
		r.logger.Warn().Err(sendErr).Str("action", string(action)).Msg("result send failed")
	}
}

func (r *Runtime) sendDisconnect() {
	msg := types.NewMessage(r.workerID, types.MessageDisconnect)
	if err := r.transport.Send(msg); err != nil {
		r.logger.Debug().Err(err).Msg("disconnect send failed")
	}
}
