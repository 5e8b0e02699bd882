package engine

import (
	"errors"
	"fmt"

	"runplane/pkg/api"
)

// Sentinel errors of the engine-internal taxonomy. They are mapped onto
// protocol error codes at the dispatch boundary; everything else that a
// user callback returns is a callback failure.
var (
	// ErrUnsupported means the runtime implementation does not provide
	// the requested callback.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrNotFound means the referenced command is unknown or already
	// finished.
	ErrNotFound = errors.New("command not found")
)

// PreconditionError reports an operation issued in the wrong lifecycle
// phase. It carries no side effects: the phase is left untouched.
type PreconditionError struct {
	Op    string
	Phase Phase
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s not allowed in phase %s", e.Op, e.Phase)
}

// AsAPIError converts an engine error into the structured protocol
// error returned to the orchestrator.
func AsAPIError(err error) *api.Error {
	var ae *api.Error
	var pe *PreconditionError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.As(err, &pe):
		return &api.Error{Code: api.CodePrecondition, Message: err.Error()}
	case errors.Is(err, ErrUnsupported):
		return &api.Error{Code: api.CodeUnsupported, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &api.Error{Code: api.CodeNotFound, Message: err.Error()}
	default:
		return &api.Error{Code: api.CodeCallback, Message: err.Error()}
	}
}
