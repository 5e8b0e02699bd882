package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"runplane/internal/transport"
	"runplane/pkg/api"
	"runplane/pkg/runtime"
)

// mockRuntime implements runtime.Runtime for testing.
type mockRuntime struct {
	DeployFunc func(ctx context.Context, env *runtime.Env) (*api.DeployResult, error)
	StartFunc  func(ctx context.Context, env *runtime.Env) (any, error)
	StopFunc   func(ctx context.Context, env *runtime.Env) error
}

func (m *mockRuntime) Deploy(ctx context.Context, env *runtime.Env) (*api.DeployResult, error) {
	if m.DeployFunc != nil {
		return m.DeployFunc(ctx, env)
	}
	return &api.DeployResult{Valid: api.Valid("")}, nil
}

func (m *mockRuntime) Start(ctx context.Context, env *runtime.Env) (any, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, env)
	}
	return nil, nil
}

func (m *mockRuntime) Stop(ctx context.Context, env *runtime.Env) error {
	if m.StopFunc != nil {
		return m.StopFunc(ctx, env)
	}
	return nil
}

// mockCommander adds command execution to mockRuntime.
type mockCommander struct {
	mockRuntime
	RunFunc  func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error)
	KillFunc func(ctx context.Context, env *runtime.Env, kill api.KillProcess) error
}

func (m *mockCommander) RunCommand(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, env, cmd, io)
	}
	return 0, nil
}

func (m *mockCommander) KillCommand(ctx context.Context, env *runtime.Env, kill api.KillProcess) error {
	if m.KillFunc != nil {
		return m.KillFunc(ctx, env, kill)
	}
	return nil
}

func testEnv() *runtime.Env {
	return &runtime.Env{Name: "test-runtime", Version: "0.0.0"}
}

func newTestEngine(t *testing.T, rt runtime.Runtime, mode runtime.Mode, opts ...Option) (*Engine, *transport.Pipe) {
	t.Helper()
	pipe := transport.NewPipe()
	t.Cleanup(func() { pipe.Close() })
	eng := New(rt, testEnv(), mode, pipe, opts...)
	return eng, pipe
}

func TestDeploy_AdvancesPhaseAndRecordsResult(t *testing.T) {
	want := &api.DeployResult{
		Valid: api.Valid(""),
		Vols:  []api.Volume{{Name: "vol-1", Path: "/in"}},
	}
	rt := &mockRuntime{
		DeployFunc: func(ctx context.Context, env *runtime.Env) (*api.DeployResult, error) {
			return want, nil
		},
	}
	eng, _ := newTestEngine(t, rt, runtime.ModeServer)

	res, err := eng.Deploy(context.Background())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if eng.Phase() != PhaseDeployed {
		t.Errorf("expected phase deployed, got %s", eng.Phase())
	}
	if got := eng.DeployResult(); got != res {
		t.Error("deploy result not recorded")
	}
	if len(res.Vols) != 1 || res.Vols[0].Name != "vol-1" || res.Vols[0].Path != "/in" {
		t.Errorf("vols not preserved: %+v", res.Vols)
	}
	if res.StartMode != api.StartModeBlocking {
		t.Errorf("expected startMode derived as blocking, got %q", res.StartMode)
	}
}

func TestDeploy_CallbackFailureKeepsPhase(t *testing.T) {
	rt := &mockRuntime{
		DeployFunc: func(ctx context.Context, env *runtime.Env) (*api.DeployResult, error) {
			return nil, errors.New("bad payload")
		},
	}
	eng, _ := newTestEngine(t, rt, runtime.ModeServer)

	if _, err := eng.Deploy(context.Background()); err == nil {
		t.Fatal("expected deploy error")
	}
	if eng.Phase() != PhaseUninitialized {
		t.Errorf("expected phase uninitialized after failed deploy, got %s", eng.Phase())
	}
}

func TestDeploy_Twice(t *testing.T) {
	eng, _ := newTestEngine(t, &mockRuntime{}, runtime.ModeServer)

	if _, err := eng.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	_, err := eng.Deploy(context.Background())
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestStart_RequiresDeployed(t *testing.T) {
	eng, _ := newTestEngine(t, &mockRuntime{}, runtime.ModeServer)

	_, err := eng.Start(context.Background())
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if eng.Phase() != PhaseUninitialized {
		t.Errorf("phase mutated by rejected start: %s", eng.Phase())
	}
}

func TestStart_ServerModeReturnsBeforeCallbackCompletes(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	rt := &mockRuntime{
		StartFunc: func(ctx context.Context, env *runtime.Env) (any, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	eng, _ := newTestEngine(t, rt, runtime.ModeServer)
	defer close(release)

	if _, err := eng.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if eng.Phase() != PhaseStarted {
		t.Errorf("expected phase started immediately, got %s", eng.Phase())
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("background start unit never scheduled")
	}
}

func TestStart_CommandModeBlocksUntilCallbackReturns(t *testing.T) {
	var completed bool
	rt := &mockRuntime{
		StartFunc: func(ctx context.Context, env *runtime.Env) (any, error) {
			completed = true
			return map[string]string{"ok": "yes"}, nil
		},
	}
	eng, _ := newTestEngine(t, rt, runtime.ModeCommand)

	if _, err := eng.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	out, err := eng.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !completed {
		t.Error("start returned before the callback completed")
	}
	if out == nil {
		t.Error("start output dropped")
	}
}

func TestStart_CommandModeFailureKeepsPhaseDeployed(t *testing.T) {
	rt := &mockRuntime{
		StartFunc: func(ctx context.Context, env *runtime.Env) (any, error) {
			return nil, errors.New("boom")
		},
	}
	eng, _ := newTestEngine(t, rt, runtime.ModeCommand)

	if _, err := eng.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := eng.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if eng.Phase() != PhaseDeployed {
		t.Errorf("expected phase deployed after failed start, got %s", eng.Phase())
	}
}

func TestStop_GracefulTransition(t *testing.T) {
	eng, _ := newTestEngine(t, &mockRuntime{}, runtime.ModeServer)

	mustStart(t, eng)
	if err := eng.Stop(context.Background(), "done"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if eng.Phase() != PhaseStopped {
		t.Errorf("expected phase stopped, got %s", eng.Phase())
	}
	if eng.Forced() {
		t.Error("graceful stop reported as forced")
	}

	select {
	case <-eng.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after stop")
	}
}

func TestStop_DeadlineForcesTermination(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rt := &mockRuntime{
		StopFunc: func(ctx context.Context, env *runtime.Env) error {
			<-block
			return nil
		},
	}
	eng, _ := newTestEngine(t, rt, runtime.ModeServer, WithStopTimeout(50*time.Millisecond))

	mustStart(t, eng)
	begin := time.Now()
	if err := eng.Stop(context.Background(), "deadline"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("stop did not respect its deadline: %v", elapsed)
	}
	if !eng.Forced() {
		t.Error("expected forced termination")
	}
	if eng.Phase() != PhaseStopped {
		t.Errorf("expected phase stopped, got %s", eng.Phase())
	}
}

func TestStop_IsTerminal(t *testing.T) {
	eng, _ := newTestEngine(t, &mockRuntime{}, runtime.ModeServer)

	mustStart(t, eng)
	if err := eng.Stop(context.Background(), ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	var pe *PreconditionError
	if err := eng.Stop(context.Background(), ""); !errors.As(err, &pe) {
		t.Fatalf("expected precondition error on second stop, got %v", err)
	}
	if _, err := eng.Start(context.Background()); !errors.As(err, &pe) {
		t.Fatalf("expected precondition error on start after stop, got %v", err)
	}
}

func TestRunKill_RejectedOutsideStarted(t *testing.T) {
	eng, _ := newTestEngine(t, &mockCommander{}, runtime.ModeServer)

	var pe *PreconditionError
	if _, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "true"}); !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if err := eng.KillCommand(context.Background(), api.KillProcess{PID: 1}); !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if n := eng.cmds.live(); n != 0 {
		t.Errorf("rejected run created %d commands", n)
	}
}

func TestTestOffer_CallableInAnyPhase(t *testing.T) {
	eng, _ := newTestEngine(t, &mockRuntime{}, runtime.ModeServer)

	if err := eng.Test(context.Background()); err != nil {
		t.Fatalf("Test while uninitialized: %v", err)
	}
	tpl, err := eng.Offer(context.Background())
	if err != nil {
		t.Fatalf("Offer while uninitialized: %v", err)
	}
	if tpl == nil {
		t.Fatal("expected default offer template")
	}
	if eng.Phase() != PhaseUninitialized {
		t.Errorf("stateless op mutated phase: %s", eng.Phase())
	}
}

func mustStart(t *testing.T, eng *Engine) {
	t.Helper()
	if _, err := eng.Deploy(context.Background()); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}
