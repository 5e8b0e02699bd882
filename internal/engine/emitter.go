package engine

import (
	"log/slog"
	"sync"

	"runplane/internal/observability"
	"runplane/internal/transport"
	"runplane/pkg/api"
)

// Emitter hands command lifecycle events to the transport in production
// order. emit does not return before the event has been written out, so
// a caller that emits sequentially gets sequential delivery; events of
// different commands may interleave freely.
//
// A transport failure is reported once and is fatal for the owning
// process: the engine stops accepting requests, and later emissions are
// silently discarded (the orchestrator can no longer observe us anyway).
type Emitter struct {
	conn    transport.Conn
	log     *slog.Logger
	metrics *observability.Metrics

	// onFailure is invoked exactly once, outside the lock, when the
	// transport breaks.
	onFailure func(error)

	mu     sync.Mutex
	failed bool
}

func newEmitter(conn transport.Conn, log *slog.Logger, metrics *observability.Metrics, onFailure func(error)) *Emitter {
	return &Emitter{
		conn:      conn,
		log:       log.With("component", "emitter"),
		metrics:   metrics,
		onFailure: onFailure,
	}
}

// CommandStarted emits the first event of a command's stream.
func (e *Emitter) CommandStarted(pid uint64) {
	e.emit("started", &api.ProcessStatus{PID: pid, Running: true})
}

// CommandStopped emits the terminal event of a command's stream.
func (e *Emitter) CommandStopped(pid uint64, returnCode int32) {
	e.emit("stopped", &api.ProcessStatus{PID: pid, Running: false, ReturnCode: returnCode})
}

// CommandStdout emits one stdout chunk.
func (e *Emitter) CommandStdout(pid uint64, p []byte) {
	e.emit("stdout", &api.ProcessStatus{PID: pid, Running: true, Stdout: p})
}

// CommandStderr emits one stderr chunk.
func (e *Emitter) CommandStderr(pid uint64, p []byte) {
	e.emit("stderr", &api.ProcessStatus{PID: pid, Running: true, Stderr: p})
}

func (e *Emitter) emit(kind string, status *api.ProcessStatus) {
	e.mu.Lock()
	if e.failed {
		e.mu.Unlock()
		return
	}
	err := e.conn.Send(&api.Outbound{Event: status})
	if err != nil {
		e.failed = true
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Error("event emission failed, control channel is gone",
			"kind", kind, "pid", status.PID, "error", err)
		if e.onFailure != nil {
			e.onFailure(err)
		}
		return
	}
	e.metrics.Emitted(kind)
}
