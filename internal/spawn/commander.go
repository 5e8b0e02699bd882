package spawn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"runplane/internal/logger"
	"runplane/pkg/api"
	"runplane/pkg/runtime"
)

// chunkSize bounds a single forwarded output chunk. Output is forwarded
// as it becomes available, never accumulated, so memory use stays
// independent of total output size.
const chunkSize = 4096

// Commander adapts a Backend to the engine's run/kill callbacks: it
// starts the command, forwards its output through the scoped emitter
// chunk by chunk and returns the exit code. It also tracks handles so
// kill requests can be matched to live commands.
type Commander struct {
	backend Backend
	log     *slog.Logger

	mu      sync.Mutex
	handles map[uint64]Handle
}

// NewCommander wraps a backend.
func NewCommander(backend Backend, log *slog.Logger) *Commander {
	return &Commander{
		backend: backend,
		log:     log.With("component", "spawn"),
		handles: make(map[uint64]Handle),
	}
}

// RunCommand implements runtime.Commander. It blocks until the command
// exits and its output is fully forwarded.
func (c *Commander) RunCommand(ctx context.Context, env *runtime.Env, cmd runtime.Command, cio runtime.CommandIO) (int, error) {
	dir := cmd.WorkDir
	if dir == "" {
		dir = env.WorkDir
	}
	log := logger.FromContext(ctx, c.log)
	log.Debug("spawning", "bin", cmd.Bin, "dir", dir)

	handle, err := c.backend.Start(ctx, Options{
		Bin:  cmd.Bin,
		Args: cmd.Args,
		Dir:  dir,
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.handles[cmd.ID] = handle
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.handles, cmd.ID)
		c.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forward(handle.Stdout(), cio.Stdout)
	}()
	go func() {
		defer wg.Done()
		forward(handle.Stderr(), cio.Stderr)
	}()
	wg.Wait()

	result, err := handle.Wait(ctx)
	if err != nil {
		return result.ExitCode, err
	}
	if result.Error != nil {
		return result.ExitCode, result.Error
	}
	return result.ExitCode, nil
}

// KillCommand implements runtime.Killer by stopping the tracked handle.
func (c *Commander) KillCommand(ctx context.Context, env *runtime.Env, kill api.KillProcess) error {
	c.mu.Lock()
	handle, ok := c.handles[kill.PID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live handle for pid %d", kill.PID)
	}
	if err := handle.Stop(ctx); err != nil {
		return fmt.Errorf("stop pid %d: %w", kill.PID, err)
	}
	c.log.Info("command killed", "pid", kill.PID)
	return nil
}

// forward copies r to emit in bounded chunks until EOF. Each chunk is
// handed off as soon as it is read.
func forward(r io.Reader, emit func([]byte)) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(chunk)
		}
		if err != nil {
			return
		}
	}
}
