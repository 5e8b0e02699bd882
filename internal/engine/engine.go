// Package engine implements the runtime orchestration core: the
// lifecycle state machine sequencing deploy/start/run/kill/stop, the
// command execution manager tracking concurrent commands, and the event
// emitter feeding the control transport.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"runplane/internal/observability"
	"runplane/internal/transport"
	"runplane/pkg/api"
	"runplane/pkg/runtime"
)

// Phase is the whole-process lifecycle phase. Transitions are strictly
// ordered and never reversed; exactly one transition is in flight at a
// time.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseDeployed
	PhaseStarted
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseDeployed:
		return "deployed"
	case PhaseStarted:
		return "started"
	case PhaseStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// DefaultStopTimeout bounds the user stop callback; past it the engine
// proceeds to forced termination.
const DefaultStopTimeout = 5 * time.Second

// Engine sequences the runtime lifecycle and routes control requests to
// either whole-process callbacks or the command execution manager.
type Engine struct {
	rt   runtime.Runtime
	env  *runtime.Env
	mode runtime.Mode

	log     *slog.Logger
	metrics *observability.Metrics
	emitter *Emitter
	cmds    *manager

	stopTimeout time.Duration
	killGrace   time.Duration

	// baseCtx parents every command and the server-mode start unit; it
	// is cancelled on forced shutdown and on transport failure.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	phase         Phase
	transitioning bool
	deployResult  *api.DeployResult

	forced   atomic.Bool
	fatalErr atomic.Pointer[error]

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics attaches engine instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStopTimeout overrides the stop deadline.
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stopTimeout = d }
}

// WithKillGrace bounds the kill callback with a deadline. Zero, the
// default, leaves kill unbounded.
func WithKillGrace(d time.Duration) Option {
	return func(e *Engine) { e.killGrace = d }
}

// New builds an engine for the given runtime implementation. conn may be
// nil for one-shot CLI invocations, which never emit events.
func New(rt runtime.Runtime, env *runtime.Env, mode runtime.Mode, conn transport.Conn, opts ...Option) *Engine {
	e := &Engine{
		rt:          rt,
		env:         env,
		mode:        mode,
		log:         slog.Default(),
		stopTimeout: DefaultStopTimeout,
		phase:       PhaseUninitialized,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	if conn != nil {
		e.emitter = newEmitter(conn, e.log, e.metrics, e.fatal)
	}
	e.cmds = newManager(e.emitter, e.metrics, e.log)
	return e
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// DeployResult returns the payload recorded by a successful deploy.
func (e *Engine) DeployResult() *api.DeployResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deployResult
}

// Forced reports whether stop exceeded its deadline and completion was
// forced.
func (e *Engine) Forced() bool { return e.forced.Load() }

// Done is closed once the engine reaches PhaseStopped or suffers a
// fatal transport failure.
func (e *Engine) Done() <-chan struct{} { return e.done }

// FatalErr returns the transport failure that shut the engine down, if
// any.
func (e *Engine) FatalErr() error {
	if p := e.fatalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Hello reports the runtime's identity. Callable in any phase.
func (e *Engine) Hello() api.HelloResult {
	return api.HelloResult{Name: e.env.Name, Version: e.env.Version}
}

// Deploy runs the deploy callback and advances the phase to Deployed.
// On callback failure the phase stays Uninitialized.
func (e *Engine) Deploy(ctx context.Context) (*api.DeployResult, error) {
	if err := e.begin("deploy", PhaseUninitialized); err != nil {
		return nil, err
	}

	res, err := e.rt.Deploy(ctx, e.env)
	if err != nil {
		e.complete(PhaseUninitialized)
		return nil, fmt.Errorf("deploy: %w", err)
	}
	if res != nil && res.StartMode == "" {
		res.StartMode = e.mode.StartMode()
	}

	e.mu.Lock()
	e.deployResult = res
	e.mu.Unlock()
	e.complete(PhaseDeployed)
	e.log.Info("deployed")
	return res, nil
}

// Start advances the phase to Started. Under ModeCommand it blocks until
// the start callback returns; under ModeServer the callback is scheduled
// as a background unit and Start returns immediately after scheduling.
func (e *Engine) Start(ctx context.Context) (any, error) {
	if err := e.begin("start", PhaseDeployed); err != nil {
		return nil, err
	}

	if e.mode == runtime.ModeCommand {
		out, err := e.rt.Start(ctx, e.env)
		if err != nil {
			e.complete(PhaseDeployed)
			return nil, fmt.Errorf("start: %w", err)
		}
		e.complete(PhaseStarted)
		e.log.Info("started", "mode", e.mode)
		return out, nil
	}

	go func() {
		if _, err := e.rt.Start(e.baseCtx, e.env); err != nil {
			// The transition has already completed; a failing background
			// start leaves the runtime up but degraded, and the
			// orchestrator decides what to do about it.
			e.log.Error("background start failed", "error", err)
		}
	}()
	e.complete(PhaseStarted)
	e.log.Info("started", "mode", e.mode)
	return nil, nil
}

// StartLocal invokes the start callback for a one-shot CLI invocation,
// bypassing the lifecycle phases (each CLI command is a separate
// process).
func (e *Engine) StartLocal(ctx context.Context) (any, error) {
	out, err := e.rt.Start(ctx, e.env)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return out, nil
}

// RunCommand accepts a run request on the protocol path (server
// invocation). Only valid while Started.
func (e *Engine) RunCommand(ctx context.Context, req api.RunProcess) (uint64, error) {
	if err := e.require("run_command", PhaseStarted); err != nil {
		return 0, err
	}
	return e.cmds.run(e.baseCtx, e.rt, e.env, req, runtime.ModeServer)
}

// RunLocal executes a single command for a one-shot CLI invocation. It
// bypasses the lifecycle phases (each CLI command is a separate process)
// and emits no events.
func (e *Engine) RunLocal(ctx context.Context, req api.RunProcess) (uint64, error) {
	return e.cmds.run(ctx, e.rt, e.env, req, runtime.ModeCommand)
}

// KillCommand requests termination of a live command. Only valid while
// Started.
func (e *Engine) KillCommand(ctx context.Context, req api.KillProcess) error {
	if err := e.require("kill_command", PhaseStarted); err != nil {
		return err
	}
	if e.killGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.killGrace)
		defer cancel()
	}
	return e.cmds.kill(ctx, e.rt, e.env, req)
}

// Stop runs the stop callback bounded by the stop deadline. The phase
// moves to Stopping immediately, rejecting new run/kill requests. When
// the deadline expires the engine cancels all live commands, marks the
// shutdown forced and completes the transition anyway; Stopping to
// Stopped is terminal either way.
func (e *Engine) Stop(ctx context.Context, reason string) error {
	if err := e.begin("stop", PhaseStarted); err != nil {
		return err
	}
	e.mu.Lock()
	e.phase = PhaseStopping
	e.mu.Unlock()
	e.metrics.Transition(PhaseStopping.String())
	e.log.Info("stopping", "reason", reason)

	sctx, cancel := context.WithTimeout(ctx, e.stopTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- e.rt.Stop(sctx, e.env) }()

	var err error
	select {
	case err = <-result:
	case <-sctx.Done():
		e.forced.Store(true)
		e.cmds.cancelAll()
		e.log.Warn("stop deadline exceeded, forcing termination",
			"timeout", e.stopTimeout, "live_commands", e.cmds.live())
	}

	e.baseCancel()
	e.complete(PhaseStopped)
	e.signalDone()
	e.log.Info("stopped", "forced", e.Forced())

	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Test runs the self-test callback. Stateless; callable in any phase.
func (e *Engine) Test(ctx context.Context) error {
	tester, ok := e.rt.(runtime.Tester)
	if !ok {
		return nil
	}
	if err := tester.Test(ctx, e.env); err != nil {
		return fmt.Errorf("test: %w", err)
	}
	return nil
}

// Offer returns the market offer template. Stateless; callable in any
// phase. Runtimes without an Offerer get an empty template.
func (e *Engine) Offer(ctx context.Context) (*api.OfferTemplate, error) {
	offerer, ok := e.rt.(runtime.Offerer)
	if !ok {
		return &api.OfferTemplate{}, nil
	}
	tpl, err := offerer.Offer(ctx, e.env)
	if err != nil {
		return nil, fmt.Errorf("offer: %w", err)
	}
	return tpl, nil
}

// begin claims the single in-flight transition slot, validating the
// current phase.
func (e *Engine) begin(op string, from Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transitioning || e.phase != from {
		return &PreconditionError{Op: op, Phase: e.phase}
	}
	e.transitioning = true
	return nil
}

// complete releases the transition slot, setting the resulting phase.
func (e *Engine) complete(to Phase) {
	e.mu.Lock()
	changed := e.phase != to
	e.phase = to
	e.transitioning = false
	e.mu.Unlock()
	if changed {
		e.metrics.Transition(to.String())
	}
}

// require validates the phase for a non-transition operation.
func (e *Engine) require(op string, phase Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != phase {
		return &PreconditionError{Op: op, Phase: e.phase}
	}
	return nil
}

// fatal handles a broken control channel: no retries, stop everything.
func (e *Engine) fatal(err error) {
	e.fatalErr.CompareAndSwap(nil, &err)
	e.baseCancel()
	e.signalDone()
}

func (e *Engine) signalDone() {
	e.doneOnce.Do(func() { close(e.done) })
}
