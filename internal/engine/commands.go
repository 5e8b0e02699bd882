package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/pkg/api"
	"runplane/pkg/runtime"
)

type commandState int32

const (
	cmdStarting commandState = iota
	cmdRunning
	cmdStopping
	cmdFinished
)

func (s commandState) String() string {
	switch s {
	case cmdStarting:
		return "starting"
	case cmdRunning:
		return "running"
	case cmdStopping:
		return "stopping"
	default:
		return "finished"
	}
}

// command is one tracked run_command invocation. The record is owned by
// the manager; state changes go through manager.setState so the registry
// lock covers every mutation.
type command struct {
	id     uint64
	bin    string
	args   []string
	mode   runtime.Mode
	state  commandState
	cancel context.CancelFunc
}

// manager is the command execution manager: it owns the registry of
// in-flight commands, assigns identifiers, supervises execution and
// drives the event emitter. The registry is the only state shared
// between command goroutines; mutations hold the write lock, lookups
// the read lock.
type manager struct {
	emitter *Emitter
	metrics *observability.Metrics
	log     *slog.Logger

	nextID atomic.Uint64

	mu   sync.RWMutex
	cmds map[uint64]*command

	wg sync.WaitGroup
}

func newManager(emitter *Emitter, metrics *observability.Metrics, log *slog.Logger) *manager {
	return &manager{
		emitter: emitter,
		metrics: metrics,
		log:     log.With("component", "commands"),
		cmds:    make(map[uint64]*command),
	}
}

// run accepts a run_command request. Under server mode it registers the
// command, spawns its supervision goroutine and returns the assigned
// identifier immediately. Under command (CLI) mode it executes the
// callback synchronously and no events are emitted.
func (m *manager) run(ctx context.Context, rt runtime.Runtime, env *runtime.Env, req api.RunProcess, mode runtime.Mode) (uint64, error) {
	commander, ok := rt.(runtime.Commander)
	if !ok {
		return 0, fmt.Errorf("run_command: %w", ErrUnsupported)
	}

	id := m.nextID.Add(1)
	cmd := &command{
		id:   id,
		bin:  req.Bin,
		args: req.Args,
		mode: mode,
	}

	info := runtime.Command{
		ID:      id,
		Bin:     req.Bin,
		Args:    req.Args,
		WorkDir: req.WorkDir,
		Mode:    mode,
	}

	if mode == runtime.ModeCommand {
		// One-shot invocation: no registry entry survives the call and
		// there is no orchestrator-visible event stream.
		_, err := commander.RunCommand(ctx, env, info, nopIO{})
		if err != nil {
			return id, fmt.Errorf("run_command: %w", err)
		}
		return id, nil
	}

	cctx, cancel := context.WithCancel(logger.WithCommandID(ctx, id))
	cmd.cancel = cancel

	m.mu.Lock()
	m.cmds[id] = cmd
	m.mu.Unlock()
	m.metrics.CommandAccepted()

	m.wg.Add(1)
	go m.supervise(cctx, commander, env, cmd, info)

	return id, nil
}

// supervise drives one server-invoked command from Started to Stopped.
// It is the only goroutine emitting events for this identifier, which
// keeps the per-command event order fixed: started, output chunks in
// production order, stopped.
func (m *manager) supervise(ctx context.Context, commander runtime.Commander, env *runtime.Env, cmd *command, info runtime.Command) {
	defer m.wg.Done()
	defer cmd.cancel()

	m.emitter.CommandStarted(cmd.id)
	m.setState(cmd.id, cmdRunning)
	m.log.Info("command started", "pid", cmd.id, "bin", cmd.bin)

	io := &commandIO{emitter: m.emitter, pid: cmd.id}
	code, err := commander.RunCommand(ctx, env, info, io)
	io.close()

	if err != nil {
		// A callback failure is folded into the command's exit status,
		// never into the engine lifecycle.
		m.log.Warn("command failed", "pid", cmd.id, "error", err)
		if code == 0 {
			code = 1
		}
	}

	m.setState(cmd.id, cmdFinished)
	m.emitter.CommandStopped(cmd.id, int32(code))

	m.mu.Lock()
	delete(m.cmds, cmd.id)
	m.mu.Unlock()
	m.metrics.CommandFinished()
	m.log.Info("command stopped", "pid", cmd.id, "return_code", code)
}

// kill matches a kill request to a live command and invokes the user's
// kill callback. The terminal event still arrives through the normal
// supervision path, preserving per-command ordering. No timeout is
// imposed here; a hung kill is the caller's stall to observe.
func (m *manager) kill(ctx context.Context, rt runtime.Runtime, env *runtime.Env, req api.KillProcess) error {
	m.mu.Lock()
	cmd, ok := m.cmds[req.PID]
	if !ok || cmd.state == cmdFinished {
		m.mu.Unlock()
		return fmt.Errorf("kill_command pid %d: %w", req.PID, ErrNotFound)
	}
	cmd.state = cmdStopping
	m.mu.Unlock()

	killer, ok := rt.(runtime.Killer)
	if !ok {
		return fmt.Errorf("kill_command: %w", ErrUnsupported)
	}
	if err := killer.KillCommand(ctx, env, req); err != nil {
		return fmt.Errorf("kill_command pid %d: %w", req.PID, err)
	}
	return nil
}

func (m *manager) setState(id uint64, state commandState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd, ok := m.cmds[id]; ok {
		cmd.state = state
	}
}

// cancelAll cancels the context of every live command. Used on forced
// shutdown; the supervision goroutines still emit their terminal events
// if the process lives long enough.
func (m *manager) cancelAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cmd := range m.cmds {
		if cmd.cancel != nil {
			cmd.cancel()
		}
	}
}

func (m *manager) live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cmds)
}

// commandIO is the scoped emitter handed to the run callback, bound to
// one command identifier. Once closed, writes are dropped: nothing may
// be emitted for an identifier after its stopped event.
type commandIO struct {
	emitter *Emitter
	pid     uint64
	closed  atomic.Bool
}

func (c *commandIO) Stdout(p []byte) {
	if len(p) == 0 || c.closed.Load() {
		return
	}
	c.emitter.CommandStdout(c.pid, p)
}

func (c *commandIO) Stderr(p []byte) {
	if len(p) == 0 || c.closed.Load() {
		return
	}
	c.emitter.CommandStderr(c.pid, p)
}

func (c *commandIO) close() { c.closed.Store(true) }

// nopIO is handed to CLI-invoked commands, which have no event stream.
type nopIO struct{}

func (nopIO) Stdout([]byte) {}
func (nopIO) Stderr([]byte) {}
