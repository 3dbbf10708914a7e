package registry

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kilnworks/kiln/pkg/types"
	"github.com/kilnworks/kiln/pkg/wire"
)

// Process is the registry's handle on one running worker
type Process interface {
	// PID returns the OS process id, zero when not applicable
	PID() int

	// Send writes a message to the worker's inbound pipe
	Send(msg types.Message) error

	// Recv blocks for the next message from the worker
	Recv() (types.Message, error)

	// Alive reports whether the process is still running
	Alive() bool

	// Terminate asks the process to exit
	Terminate() error

	// Kill forcibly ends the process
	Kill() error

	// Done is closed once the process has exited
	Done() <-chan struct{}
}

// Launcher creates worker processes. The registry never calls exec
// directly so tests can substitute in-process fakes.
type Launcher interface {
	Launch(deviceID int) (Process, error)
}

// ExecLauncher spawns each worker as a child process of the
// orchestrator binary itself, re-invoked in worker mode. Framing over
// the child's stdin and stdout is newline-delimited JSON.
type ExecLauncher struct {
	// Binary to invoke; defaults to the current executable
	Binary string

	OutputDir         string
	HeartbeatInterval time.Duration
	LogLevel          string
}

// Launch starts a worker child for a device
func (l *ExecLauncher) Launch(deviceID int) (Process, error) {
	binary := l.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}
		binary = exe
	}

	args := []string{
		"worker",
		"--device", strconv.Itoa(deviceID),
		"--output-dir", l.OutputDir,
		"--heartbeat-interval", l.HeartbeatInterval.String(),
	}
	if l.LogLevel != "" {
		args = append(args, "--log-level", l.LogLevel)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for device %d: %w", deviceID, err)
	}

	p := &execProcess{
		cmd:   cmd,
		stdin: stdin,
		enc:   wire.NewEncoder(stdin),
		dec:   wire.NewDecoder(stdout),
		done:  make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		p.exited.Store(true)
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	enc    *wire.Encoder
	dec    *wire.Decoder
	exited atomic.Bool
	done   chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Send(msg types.Message) error { return p.enc.Encode(msg) }

func (p *execProcess) Recv() (types.Message, error) { return p.dec.Decode() }

func (p *execProcess) Alive() bool { return !p.exited.Load() }

func (p *execProcess) Terminate() error {
	if p.exited.Load() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.exited.Load() {
		return nil
	}
	_ = p.stdin.Close()
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
