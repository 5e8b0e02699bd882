// Package spawn provides command execution backends for runtimes that
// run their commands as real processes, plus a ready-made Commander that
// bridges a backend to the engine's callback interface.
package spawn

import (
	"context"
	"io"
)

// Options contains the parameters for starting a command.
type Options struct {
	Bin  string
	Args []string
	Dir  string
	Env  map[string]string

	// Image selects the container image for container-based backends;
	// process backends ignore it.
	Image string
}

// ExitResult is the final status of a finished command.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents one running command.
type Handle interface {
	// Wait blocks until the command completes. Callers must drain
	// Stdout and Stderr before calling Wait.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the command.
	Stop(ctx context.Context) error

	// Stdout and Stderr stream the command's output incrementally.
	Stdout() io.Reader
	Stderr() io.Reader
}

// Backend starts commands. Implementations include raw OS processes and
// Docker containers.
type Backend interface {
	Start(ctx context.Context, opts Options) (Handle, error)
}
