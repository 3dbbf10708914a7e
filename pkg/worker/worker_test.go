package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/types"
)

// startRuntime runs a worker over a channel transport and returns the
// transport plus a done channel resolving to Run's error.
func startRuntime(t *testing.T, engine Engine) (*ChannelTransport, chan error) {
	t.Helper()

	tr := NewChannelTransport(64)
	rt := New(Options{
		DeviceID:          0,
		OutputDir:         t.TempDir(),
		HeartbeatInterval: time.Hour,
		Engine:            engine,
		Transport:         tr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	return tr, done
}

func recvMsg(t *testing.T, tr *ChannelTransport) types.Message {
	t.Helper()
	select {
	case msg := <-tr.Out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return types.Message{}
	}
}

func instruction(action types.InstructionAction, task *types.Task) types.Message {
	msg := types.NewMessage("worker_0", types.MessageInstruction)
	msg.Instruction = &types.Instruction{Action: action, Task: task}
	if task != nil {
		msg.Instruction.ModelName = task.ModelName
		msg.Instruction.ModelPath = task.ModelPath
	}
	return msg
}

func TestWorkerRegistersOnStartup(t *testing.T) {
	tr, _ := startRuntime(t, &fakeEngine{})

	reg := recvMsg(t, tr)
	require.Equal(t, types.MessageRegistration, reg.Type)
	assert.Equal(t, "worker_0", reg.WorkerID)
	assert.Equal(t, 0, reg.Registration.DeviceID)
	assert.Equal(t, os.Getpid(), reg.Registration.PID)

	hb := recvMsg(t, tr)
	require.Equal(t, types.MessageHeartbeat, hb.Type)
	assert.Equal(t, types.WorkerStatusIdle, hb.Heartbeat.Status)
}

func TestRunTaskEmitsFullStatusSequence(t *testing.T) {
	tr, _ := startRuntime(t, &fakeEngine{})
	recvMsg(t, tr) // registration
	recvMsg(t, tr) // initial heartbeat

	seed := int64(42)
	task := &types.Task{
		ID: "t1", Prompt: "a cat", Width: 64, Height: 64, Steps: 2,
		Seed: &seed, ModelName: "pony", ModelPath: "/models/pony.safetensors",
	}
	require.NoError(t, tr.sendIn(instruction(types.ActionRunTask, task)))

	accepted := recvMsg(t, tr)
	require.Equal(t, types.MessageStatus, accepted.Type)
	assert.Equal(t, types.StatusAccepted, accepted.Status.Status)
	assert.Equal(t, "t1", accepted.Status.TaskID)

	started := recvMsg(t, tr)
	assert.Equal(t, types.StatusProcessingStarted, started.Status.Status)

	result := recvMsg(t, tr)
	require.Equal(t, types.MessageResult, result.Type)
	assert.True(t, result.Result.Success)
	assert.Equal(t, "t1", result.Result.TaskID)
	assert.Equal(t, seed, *result.Result.Seed)
	assert.Contains(t, result.Result.OutputPath, "worker_0_t1_64x64_s42.png")

	completed := recvMsg(t, tr)
	assert.Equal(t, types.StatusCompleted, completed.Status.Status)

	ready := recvMsg(t, tr)
	assert.Equal(t, types.StatusReady, ready.Status.Status)
}

func TestHeartbeatsContinueDuringLongTask(t *testing.T) {
	tr := NewChannelTransport(64)
	rt := New(Options{
		DeviceID:          0,
		OutputDir:         t.TempDir(),
		HeartbeatInterval: 50 * time.Millisecond,
		Engine:            &fakeEngine{generateDelay: 400 * time.Millisecond},
		Transport:         tr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = rt.Run(ctx) }()

	recvMsg(t, tr) // registration

	task := &types.Task{ID: "t1", Prompt: "x", Width: 64, Height: 64, Steps: 1, ModelName: "pony"}
	require.NoError(t, tr.sendIn(instruction(types.ActionRunTask, task)))

	// A generation that outlives several heartbeat intervals must not
	// silence the worker; busy heartbeats keep flowing until ready.
	busyBeats := 0
	for {
		msg := recvMsg(t, tr)
		if msg.Type == types.MessageHeartbeat && msg.Heartbeat.Status == types.WorkerStatusBusy {
			assert.Equal(t, "t1", msg.Heartbeat.CurrentTaskID)
			busyBeats++
		}
		if msg.Type == types.MessageStatus && msg.Status.Status == types.StatusReady {
			break
		}
	}
	assert.GreaterOrEqual(t, busyBeats, 3)
}

func TestRunTaskFailureEmitsErrorThenReady(t *testing.T) {
	eng := &fakeEngine{generateErr: assert.AnError}
	tr, _ := startRuntime(t, eng)
	recvMsg(t, tr)
	recvMsg(t, tr)

	task := &types.Task{ID: "t1", Prompt: "x", Width: 64, Height: 64, Steps: 1, ModelName: "pony"}
	require.NoError(t, tr.sendIn(instruction(types.ActionRunTask, task)))

	recvMsg(t, tr) // accepted
	recvMsg(t, tr) // processing_started

	errStatus := recvMsg(t, tr)
	require.Equal(t, types.MessageStatus, errStatus.Type)
	assert.Equal(t, types.StatusError, errStatus.Status.Status)
	assert.Equal(t, "t1", errStatus.Status.TaskID)
	assert.NotEmpty(t, errStatus.Status.Message)

	ready := recvMsg(t, tr)
	assert.Equal(t, types.StatusReady, ready.Status.Status)
}

func TestMemoryActionsReportResults(t *testing.T) {
	tr, _ := startRuntime(t, &fakeEngine{})
	recvMsg(t, tr)
	recvMsg(t, tr)

	load := types.NewMessage("worker_0", types.MessageInstruction)
	load.Instruction = &types.Instruction{
		Action: types.ActionLoadModelToRAM, ModelName: "pony", ModelPath: "/models/pony",
	}
	require.NoError(t, tr.sendIn(load))

	res := recvMsg(t, tr)
	require.Equal(t, types.MessageResult, res.Type)
	assert.True(t, res.Result.Success)
	assert.Equal(t, types.ActionLoadModelToRAM, res.Result.Action)
	assert.Equal(t, float64(1000), res.Result.RAMUsageMB)

	promote := types.NewMessage("worker_0", types.MessageInstruction)
	promote.Instruction = &types.Instruction{Action: types.ActionLoadRAMToVRAM}
	require.NoError(t, tr.sendIn(promote))

	res = recvMsg(t, tr)
	assert.True(t, res.Result.Success)
	assert.Equal(t, float64(1000), res.Result.VRAMUsageMB)
}

func TestInvalidMemoryActionReportsFailure(t *testing.T) {
	tr, _ := startRuntime(t, &fakeEngine{})
	recvMsg(t, tr)
	recvMsg(t, tr)

	// Promote with nothing staged.
	promote := types.NewMessage("worker_0", types.MessageInstruction)
	promote.Instruction = &types.Instruction{Action: types.ActionLoadRAMToVRAM}
	require.NoError(t, tr.sendIn(promote))

	res := recvMsg(t, tr)
	require.Equal(t, types.MessageResult, res.Type)
	assert.False(t, res.Result.Success)
	assert.NotEmpty(t, res.Result.Error)
}

func TestShutdownSendsDisconnect(t *testing.T) {
	tr, done := startRuntime(t, &fakeEngine{})
	recvMsg(t, tr)
	recvMsg(t, tr)

	require.NoError(t, tr.sendIn(types.NewMessage("worker_0", types.MessageShutdown)))

	bye := recvMsg(t, tr)
	assert.Equal(t, types.MessageDisconnect, bye.Type)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after shutdown")
	}
}

func TestSimEngineWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	eng := NewSimEngine(0)

	_, err := eng.LoadToRAM("pony", "/nonexistent")
	require.NoError(t, err)
	_, err = eng.PromoteToVRAM()
	require.NoError(t, err)

	out := dir + "/worker_0_t1_64x64_s7.png"
	res, err := eng.Generate(GenerateParams{
		Prompt: "a cat", Width: 64, Height: 64, Steps: 2, Seed: 7, OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, out, res.OutputPath)
	assert.Equal(t, int64(7), res.Seed)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

// sendIn delivers a message to the worker side of the transport
func (t *ChannelTransport) sendIn(msg types.Message) error {
	select {
	case t.In <- msg:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}
