package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/ipc"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Environment variables every spawned worker receives
const (
	EnvWorkerID             = "WORKER_ID"
	EnvWorkerReportInterval = "WORKER_REPORT_INTERVAL"
	EnvWorkerListenAddress  = "WORKER_LISTEN_ADDRESS"
)

// messageBuffer is the per-worker queue between the stdout reader and the watcher.
const messageBuffer = 64

// Process is a running worker as seen by the supervisor.
type Process interface {
	// PID returns the operating system process ID.
	PID() int

	// Send writes a message to the worker's stdin.
	Send(msg ipc.Message) error

	// Messages yields decoded frames from the worker. It is closed when the
	// worker's stdout reaches EOF.
	Messages() <-chan ipc.Message

	// Done is closed once the process has exited and ExitStatus is valid.
	Done() <-chan struct{}

	// ExitStatus returns the exit code and, for signal deaths, the signal name.
	ExitStatus() (code int, signal string)

	// Kill terminates the worker and its process group without grace.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, id int) (Process, error)
}

// ExecSpawner launches workers as child processes speaking JSON lines over
// stdin and stdout. Worker stderr is passed through to the supervisor's stderr.
type ExecSpawner struct {
	logger  *zap.Logger
	command string
	args    []string
	env     []string
}

// NewExecSpawner resolves and validates the worker command. An empty command
// runs this executable's "worker" subcommand.
func NewExecSpawner(cfg config.WorkerConfig, logger *zap.Logger) (*ExecSpawner, error) {
	command := cfg.Command
	args := cfg.Args
	if command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot determine own executable: %w", err)
		}
		command = self
		args = append([]string{"worker"}, cfg.Args...)
	}

	path, err := validateWorkerBinary(command)
	if err != nil {
		return nil, fmt.Errorf("worker command validation failed: %w", err)
	}
	logger.Info("Worker command validated", zap.String("path", path), zap.Strings("args", args))

	env := []string{
		EnvWorkerReportInterval + "=" + cfg.ReportInterval.String(),
		EnvWorkerListenAddress + "=" + cfg.ListenAddress,
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}

	return &ExecSpawner{
		logger:  logger,
		command: path,
		args:    args,
		env:     env,
	}, nil
}

// validateWorkerBinary checks that the worker command exists and is executable
func validateWorkerBinary(binaryPath string) (string, error) {
	workerPath := binaryPath
	if !filepath.IsAbs(binaryPath) {
		var err error
		workerPath, err = exec.LookPath(binaryPath)
		if err != nil {
			return "", fmt.Errorf("worker binary '%s' not found in PATH: %w", binaryPath, err)
		}
	}

	fileInfo, err := os.Stat(workerPath)
	if err != nil {
		return "", fmt.Errorf("cannot access worker binary at %s: %w", workerPath, err)
	}
	if fileInfo.IsDir() {
		return "", fmt.Errorf("worker binary at %s is a directory", workerPath)
	}
	if fileInfo.Mode()&0111 == 0 {
		return "", fmt.Errorf("worker binary at %s is not executable", workerPath)
	}

	return workerPath, nil
}

// Spawn starts one worker. The process is not tied to ctx: workers outlive
// the call and are stopped explicitly.
func (s *ExecSpawner) Spawn(ctx context.Context, id int) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.command, s.args...)
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+strconv.Itoa(id))
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Own process group so a kill reaches any children
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", id, err)
	}

	p := &execProcess{
		logger:  s.logger.With(zap.Int("worker_id", id), zap.Int("pid", cmd.Process.Pid)),
		cmd:     cmd,
		stdin:   stdin,
		encoder: ipc.NewEncoder(stdin),
		msgs:    make(chan ipc.Message, messageBuffer),
		done:    make(chan struct{}),
	}
	go p.run(stdout)

	return p, nil
}

type execProcess struct {
	logger  *zap.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *ipc.Encoder
	msgs    chan ipc.Message
	done    chan struct{}

	mu     sync.Mutex
	code   int
	signal string
}

func (p *execProcess) PID() int                     { return p.cmd.Process.Pid }
func (p *execProcess) Messages() <-chan ipc.Message { return p.msgs }
func (p *execProcess) Done() <-chan struct{}        { return p.done }

func (p *execProcess) Send(msg ipc.Message) error {
	select {
	case <-p.done:
		return fmt.Errorf("worker %d already exited", p.PID())
	default:
	}
	return p.encoder.Encode(msg)
}

func (p *execProcess) ExitStatus() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.signal
}

// Kill sends SIGKILL to the worker's process group, falling back to the
// process itself.
func (p *execProcess) Kill() error {
	pid := p.PID()
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}

	p.logger.Warn("Failed to kill process group, killing worker directly", zap.Error(err))
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker %d: %w", pid, err)
	}
	return nil
}

// run decodes stdout until EOF, then reaps the process.
func (p *execProcess) run(stdout io.Reader) {
	dec := ipc.NewDecoder(stdout)
	for {
		msg, err := dec.Decode()
		if err == nil {
			p.msgs <- msg
			continue
		}

		var decodeErr *ipc.DecodeError
		if errors.As(err, &decodeErr) {
			p.logger.Warn("Skipping invalid frame from worker", zap.Error(err))
			continue
		}
		if !errors.Is(err, io.EOF) {
			p.logger.Debug("Worker stdout closed", zap.Error(err))
			// Drain so the worker never blocks writing to a dead pipe
			_, _ = io.Copy(io.Discard, stdout)
		}
		break
	}
	close(p.msgs)

	err := p.cmd.Wait()
	_ = p.stdin.Close()

	code, signal := exitStatus(p.cmd.ProcessState, err)
	p.mu.Lock()
	p.code, p.signal = code, signal
	p.mu.Unlock()

	close(p.done)
}

func exitStatus(state *os.ProcessState, waitErr error) (int, string) {
	if state == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(ws.Signal())
	}
	return state.ExitCode(), ""
}
