package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// ExecBackend runs commands as raw OS processes.
type ExecBackend struct {
	workDir string
}

// NewExecBackend creates a process-based backend. workDir is the default
// working directory for commands that do not specify one.
func NewExecBackend(workDir string) *ExecBackend {
	return &ExecBackend{workDir: workDir}
}

// Start implements Backend.Start using os/exec. The command inherits
// ctx: cancelling it kills the process.
func (b *ExecBackend) Start(ctx context.Context, opts Options) (Handle, error) {
	if opts.Bin == "" {
		return nil, errors.New("spawn: bin is required")
	}

	cmd := exec.CommandContext(ctx, opts.Bin, opts.Args...)
	cmd.Dir = opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = b.workDir
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start %s: %w", opts.Bin, err)
	}

	h := &execHandle{cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan error, 1)}
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	done     chan error
}

func (h *execHandle) Wait(ctx context.Context) (ExitResult, error) {
	h.waitOnce.Do(func() {
		go func() { h.done <- h.cmd.Wait() }()
	})

	select {
	case err := <-h.done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return ExitResult{ExitCode: exitErr.ExitCode()}, nil
			}
			return ExitResult{ExitCode: -1, Error: err}, err
		}
		return ExitResult{ExitCode: 0}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }
