// Package runtime defines the callback interface a runtime implementation
// provides to the orchestration engine, together with the execution
// environment handed into every callback.
//
// A runtime author supplies domain logic only: deploy, start, stop and
// optionally command execution, kill, self-test and an offer template.
// Protocol framing, lifecycle sequencing, command bookkeeping and event
// ordering are owned by the engine.
package runtime

import (
	"context"

	"runplane/pkg/api"
)

// Mode determines how the start transition behaves. It is fixed per
// runtime implementation.
type Mode int

const (
	// ModeServer keeps the process alive after start: the start callback
	// is launched in the background and the engine serves control
	// requests until stopped.
	ModeServer Mode = iota
	// ModeCommand makes start a one-shot, blocking invocation.
	ModeCommand
)

func (m Mode) String() string {
	if m == ModeCommand {
		return "command"
	}
	return "server"
}

// StartMode returns the deploy-response start mode for this runtime mode.
func (m Mode) StartMode() api.StartMode {
	if m == ModeCommand {
		return api.StartModeEmpty
	}
	return api.StartModeBlocking
}

// Runtime is the minimal callback set every implementation provides.
// Optional capabilities are expressed as separate interfaces below;
// the engine falls back to an unsupported-operation error when an
// implementation lacks one.
type Runtime interface {
	// Deploy validates and configures the payload. Called exactly once,
	// before start. The returned DeployResult is retained by the engine
	// for diagnostics and may be nil.
	Deploy(ctx context.Context, env *Env) (*api.DeployResult, error)

	// Start starts the runtime. Under ModeCommand the engine waits for
	// it to return; under ModeServer it runs in the background and the
	// runtime stays alive until Stop. The returned value is serialized
	// as the start output and may be nil.
	Start(ctx context.Context, env *Env) (any, error)

	// Stop shuts the runtime down. The engine bounds it with a deadline
	// and force-terminates the process when it is exceeded.
	Stop(ctx context.Context, env *Env) error
}

// Command describes one accepted run_command invocation. The ID is
// assigned by the engine and is unique for the process lifetime.
type Command struct {
	ID      uint64
	Bin     string
	Args    []string
	WorkDir string
	Mode    Mode
}

// CommandIO is the scoped output emitter bound to a single command.
// It is valid only for the duration of the RunCommand call that received
// it and must not be retained afterwards; writes after the command has
// finished are dropped.
type CommandIO interface {
	Stdout(p []byte)
	Stderr(p []byte)
}

// Commander is implemented by runtimes that execute commands. RunCommand
// runs the command to completion and returns its exit code; it is
// invoked on its own goroutine, so blocking until the command exits is
// expected. A returned error is folded into the command's exit status,
// never into the engine lifecycle.
type Commander interface {
	RunCommand(ctx context.Context, env *Env, cmd Command, io CommandIO) (int, error)
}

// Killer is implemented by runtimes that can terminate a running
// command. The engine does not bound the call with a timeout.
type Killer interface {
	KillCommand(ctx context.Context, env *Env, kill api.KillProcess) error
}

// Tester is implemented by runtimes that support a self-test. Callable
// in any lifecycle phase.
type Tester interface {
	Test(ctx context.Context, env *Env) error
}

// Offerer is implemented by runtimes that provide a market offer
// template. Callable in any lifecycle phase.
type Offerer interface {
	Offer(ctx context.Context, env *Env) (*api.OfferTemplate, error)
}

// Env is the per-process execution environment passed by reference into
// every callback. It is created once at process start, after the
// configuration has been loaded, and outlives all commands.
type Env struct {
	// Name and Version identify the runtime implementation.
	Name    string
	Version string

	// Args are the raw pass-through arguments of the CLI subcommand.
	// Read-only.
	Args []string

	// WorkDir is the working directory selected on the command line.
	WorkDir string

	// Conf is the configuration value loaded from ConfPath. Mutable, but
	// only ever touched by the single callback invocation in flight.
	Conf any

	// ConfPath is the location of the configuration file on disk.
	ConfPath string
}
