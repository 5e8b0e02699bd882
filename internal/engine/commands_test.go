package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"runplane/internal/transport"
	"runplane/pkg/api"
	"runplane/pkg/runtime"
)

// collectEvents drains outbound frames until the stopped event for pid
// has been observed, returning that command's events in arrival order.
func collectEvents(t *testing.T, pipe *transport.Pipe, pid uint64) []*api.ProcessStatus {
	t.Helper()
	var events []*api.ProcessStatus
	deadline := time.After(5 * time.Second)
	for {
		select {
		case out := <-pipe.Outbound():
			if out.Event == nil || out.Event.PID != pid {
				continue
			}
			events = append(events, out.Event)
			if !out.Event.Running {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events of pid %d (got %d)", pid, len(events))
		}
	}
}

// checkEventOrder verifies the per-command invariant: one started,
// output chunks, one stopped, nothing else.
func checkEventOrder(t *testing.T, events []*api.ProcessStatus, wantCode int32) {
	t.Helper()
	if len(events) < 2 {
		t.Fatalf("expected at least started+stopped, got %d events", len(events))
	}
	first := events[0]
	if !first.Running || len(first.Stdout) != 0 || len(first.Stderr) != 0 {
		t.Errorf("first event is not a bare started event: %+v", first)
	}
	last := events[len(events)-1]
	if last.Running {
		t.Errorf("last event is not a stopped event: %+v", last)
	}
	if last.ReturnCode != wantCode {
		t.Errorf("expected return code %d, got %d", wantCode, last.ReturnCode)
	}
	for _, ev := range events[1 : len(events)-1] {
		if !ev.Running {
			t.Errorf("stopped event in the middle of the stream: %+v", ev)
		}
		if len(ev.Stdout) == 0 && len(ev.Stderr) == 0 {
			t.Errorf("duplicate started event: %+v", ev)
		}
	}
}

func TestRunCommand_UnsupportedWithoutCommander(t *testing.T) {
	eng, _ := newTestEngine(t, &mockRuntime{}, runtime.ModeServer)

	mustStart(t, eng)
	_, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "true"})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
	if n := eng.cmds.live(); n != 0 {
		t.Errorf("failed run registered %d commands", n)
	}
}

func TestRunCommand_EventOrdering(t *testing.T) {
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			io.Stdout([]byte("hi\n"))
			return 0, nil
		},
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if pid != 1 {
		t.Errorf("expected first pid 1, got %d", pid)
	}

	events := collectEvents(t, pipe, pid)
	checkEventOrder(t, events, 0)
	if len(events) != 3 {
		t.Fatalf("expected started+stdout+stopped, got %d events", len(events))
	}
	if string(events[1].Stdout) != "hi\n" {
		t.Errorf("stdout chunk mangled: %q", events[1].Stdout)
	}
}

func TestRunCommand_CallbackFailureFoldsIntoExitStatus(t *testing.T) {
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			return 0, errors.New("exec format error")
		},
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "broken"})
	if err != nil {
		t.Fatalf("RunCommand must accept; failures surface as exit status, got %v", err)
	}

	events := collectEvents(t, pipe, pid)
	checkEventOrder(t, events, 1)
	if eng.Phase() != PhaseStarted {
		t.Errorf("command failure disturbed the lifecycle: %s", eng.Phase())
	}
}

func TestRunCommand_IdentifiersNeverReused(t *testing.T) {
	rt := &mockCommander{}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	seen := make(map[uint64]bool)
	for i := 0; i < 5; i++ {
		pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "true"})
		if err != nil {
			t.Fatalf("RunCommand: %v", err)
		}
		if seen[pid] {
			t.Fatalf("identifier %d reused", pid)
		}
		seen[pid] = true
		collectEvents(t, pipe, pid)
	}
}

func TestRunCommand_ConcurrentStreamsDoNotCrossContaminate(t *testing.T) {
	var mu sync.Mutex
	release := make(map[uint64]chan struct{})
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			mu.Lock()
			ch := release[cmd.ID]
			mu.Unlock()
			for i := 0; i < 3; i++ {
				io.Stdout([]byte(fmt.Sprintf("cmd-%d-line-%d\n", cmd.ID, i)))
			}
			<-ch
			return int(cmd.ID), nil
		},
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	var pids []uint64
	for i := 0; i < 2; i++ {
		mu.Lock()
		release[uint64(i+1)] = make(chan struct{})
		mu.Unlock()
		pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "sleep"})
		if err != nil {
			t.Fatalf("RunCommand: %v", err)
		}
		pids = append(pids, pid)
	}
	if pids[0] == pids[1] {
		t.Fatalf("concurrent commands share identifier %d", pids[0])
	}

	// Finish in reverse order to force interleaving.
	close(release[pids[1]])
	second := collectEvents(t, pipe, pids[1])
	close(release[pids[0]])
	first := collectEvents(t, pipe, pids[0])

	checkEventOrder(t, first, int32(pids[0]))
	checkEventOrder(t, second, int32(pids[1]))
	for _, ev := range first[1 : len(first)-1] {
		if want := fmt.Sprintf("cmd-%d", pids[0]); len(ev.Stdout) > 0 && string(ev.Stdout[:5]) != want {
			t.Errorf("stream of pid %d carries foreign chunk %q", pids[0], ev.Stdout)
		}
	}
}

func TestKillCommand_NotFoundForUnknownID(t *testing.T) {
	eng, _ := newTestEngine(t, &mockCommander{}, runtime.ModeServer)

	mustStart(t, eng)
	err := eng.KillCommand(context.Background(), api.KillProcess{PID: 42})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKillCommand_NotFoundAfterFinish(t *testing.T) {
	rt := &mockCommander{}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "true"})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	collectEvents(t, pipe, pid)

	if err := eng.KillCommand(context.Background(), api.KillProcess{PID: pid}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for finished command, got %v", err)
	}
}

func TestKillCommand_InvokesCallbackAndStoppedArrivesViaRunPath(t *testing.T) {
	stop := make(chan struct{})
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			select {
			case <-stop:
				return 137, nil
			case <-ctx.Done():
				return -1, ctx.Err()
			}
		},
	}
	rt.KillFunc = func(ctx context.Context, env *runtime.Env, kill api.KillProcess) error {
		close(stop)
		return nil
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "sleep", Args: []string{"60"}})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if err := eng.KillCommand(context.Background(), api.KillProcess{PID: pid}); err != nil {
		t.Fatalf("KillCommand: %v", err)
	}

	events := collectEvents(t, pipe, pid)
	checkEventOrder(t, events, 137)
}

func TestCommandIO_LateWritesDropped(t *testing.T) {
	escaped := make(chan runtime.CommandIO, 1)
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			escaped <- io
			return 0, nil
		},
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	mustStart(t, eng)
	pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "true"})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	events := collectEvents(t, pipe, pid)
	checkEventOrder(t, events, 0)

	// A retained emitter must not produce events after stopped.
	io := <-escaped
	io.Stdout([]byte("too late"))
	select {
	case out := <-pipe.Outbound():
		if out.Event != nil && out.Event.PID == pid {
			t.Fatalf("event emitted after stopped: %+v", out.Event)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStop_ForcedCancelsLiveCommands(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			<-ctx.Done()
			return -1, ctx.Err()
		},
	}
	rt.StopFunc = func(ctx context.Context, env *runtime.Env) error {
		// Simulates a stop callback waiting for its commands forever.
		<-block
		return nil
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer, WithStopTimeout(50*time.Millisecond))

	mustStart(t, eng)
	pid, err := eng.RunCommand(context.Background(), api.RunProcess{Bin: "sleep", Args: []string{"60"}})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	if err := eng.Stop(context.Background(), "deadline"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !eng.Forced() {
		t.Fatal("expected forced termination")
	}

	// The forced path cancels the command's context; its supervision
	// goroutine still closes the stream with a stopped event.
	events := collectEvents(t, pipe, pid)
	if events[len(events)-1].Running {
		t.Error("cancelled command never reported stopped")
	}
}

func TestRunLocal_NoEventsEmitted(t *testing.T) {
	ran := false
	rt := &mockCommander{
		RunFunc: func(ctx context.Context, env *runtime.Env, cmd runtime.Command, io runtime.CommandIO) (int, error) {
			ran = true
			io.Stdout([]byte("local output\n"))
			return 0, nil
		},
	}
	eng, pipe := newTestEngine(t, rt, runtime.ModeServer)

	pid, err := eng.RunLocal(context.Background(), api.RunProcess{Bin: "echo"})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
	if !ran {
		t.Fatal("callback not invoked")
	}
	if pid == 0 {
		t.Error("expected an assigned identifier")
	}
	select {
	case out := <-pipe.Outbound():
		if out.Event != nil {
			t.Fatalf("CLI-invoked command emitted event: %+v", out.Event)
		}
	case <-time.After(100 * time.Millisecond):
	}
	if n := eng.cmds.live(); n != 0 {
		t.Errorf("one-shot command left %d registry entries", n)
	}
}
