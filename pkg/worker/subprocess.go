package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/pkg/environment"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
)

// Environment variables used to hand a worker process its series group.
const (
	EnvWorkerSpecs = "VECENV_WORKER_SPECS"
	EnvWorkerID    = "VECENV_WORKER_ID"
)

var ErrNotWorkerProcess = errors.New("process was not started as a worker")

// Subprocess runs each worker in its own OS process, speaking JSON over the
// child's stdin and stdout. The child must call ServeProcess.
type Subprocess struct {
	// Executable defaults to the running binary.
	Executable string
	// Args defaults to []string{"worker"}.
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// Stderr receives the worker's logs; defaults to os.Stderr.
	Stderr io.Writer
}

func (s Subprocess) Launch(ctx context.Context, id int, specs []environment.Spec) (Handle, error) {
	exe := s.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		exe = self
	}
	args := s.Args
	if args == nil {
		args = []string{"worker"}
	}
	payload, err := json.Marshal(specs)
	if err != nil {
		return nil, fmt.Errorf("encode worker specs: %w", err)
	}

	// Plain os.Pipe pairs rather than StdoutPipe: exec.Cmd.Wait would close
	// the read end and drop a close acknowledgement still in the pipe.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, EnvWorkerSpecs+"="+string(payload), EnvWorkerID+"="+strconv.Itoa(id))
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	stdinR.Close()
	stdoutW.Close()

	h := &processHandle{
		id:   id,
		cmd:  cmd,
		conn: messaging.NewControllerStream(stdoutR, stdinW),
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()

	fields := logging.Fields{Component: "worker", Worker: logging.Int(id), PID: cmd.Process.Pid}
	if rss, err := h.RSS(); err == nil {
		fields.Count = int(rss >> 10)
	}
	logging.Debug("worker process started", fields)
	return h, nil
}

type processHandle struct {
	id   int
	cmd  *exec.Cmd
	conn messaging.ControllerConn
	done chan struct{}

	mu     sync.Mutex
	err    error
	killed bool
}

func (h *processHandle) ID() int {
	return h.id
}

func (h *processHandle) Conn() messaging.ControllerConn {
	return h.conn
}

func (h *processHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.conn.Close()
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.killed {
			return nil
		}
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *processHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.conn.Close()
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Alive asks the OS whether the worker process still exists.
func (h *processHandle) Alive() (bool, error) {
	select {
	case <-h.done:
		return false, nil
	default:
	}
	return process.PidExists(int32(h.cmd.Process.Pid))
}

// RSS reports the resident set size of the worker process in bytes.
func (h *processHandle) RSS() (uint64, error) {
	proc, err := process.NewProcess(int32(h.cmd.Process.Pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}

// ServeProcess is the entry point of a worker process: it reads its series
// group from the environment and serves commands on stdin/stdout.
func ServeProcess(ctx context.Context) error {
	raw, ok := os.LookupEnv(EnvWorkerSpecs)
	if !ok {
		return ErrNotWorkerProcess
	}
	var specs []environment.Spec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return fmt.Errorf("decode %s: %w", EnvWorkerSpecs, err)
	}
	id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
	if err != nil {
		return fmt.Errorf("decode %s: %w", EnvWorkerID, err)
	}

	conn := messaging.NewWorkerStream(os.Stdin, os.Stdout)
	defer conn.Close()
	return Serve(ctx, id, conn, specs)
}
