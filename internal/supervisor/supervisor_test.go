package supervisor

import (
	"context"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hexadeca/supervisor/internal/config"
	"github.com/hexadeca/supervisor/internal/eventloop"
	"github.com/hexadeca/supervisor/internal/process"
)

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New(zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	return loop
}

func sleeperProgram(name string, priority int) config.ProgramConfig {
	return config.ProgramConfig{
		Name:         name,
		Argv:         []string{"sleep", "5"},
		Priority:     priority,
		StartSeconds: 10 * time.Millisecond,
		Stdout:       config.LogDest{Mode: config.LogDestNone},
	}
}

func newTestSupervisor(t *testing.T, programs ...config.ProgramConfig) *Supervisor {
	t.Helper()
	snap := &config.Snapshot{
		Supervisord: config.SupervisordConfig{ChildLogDir: t.TempDir()},
		Programs:    programs,
	}
	sup := New(zap.NewNop(), newTestLoop(t), snap)
	if err := sup.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return sup
}

func TestSupervisorOrderedByPriorityAscending(t *testing.T) {
	sup := newTestSupervisor(t,
		sleeperProgram("c", 30),
		sleeperProgram("a", 10),
		sleeperProgram("b", 20),
	)
	defer sup.StopAll()

	ordered := sup.orderedByPriority()
	if len(ordered) != 3 {
		t.Fatalf("expected 3 processes, got %d", len(ordered))
	}
	names := []string{ordered[0].Name(), ordered[1].Name(), ordered[2].Name()}
	want := []string{"a", "b", "c"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("orderedByPriority = %v, want %v", names, want)
		}
	}
}

func TestSupervisorGetAndAll(t *testing.T) {
	sup := newTestSupervisor(t, sleeperProgram("only", 0))
	defer sup.StopAll()

	if _, ok := sup.Get("missing"); ok {
		t.Fatal("Get should report false for an unregistered name")
	}
	p, ok := sup.Get("only")
	if !ok || p.Name() != "only" {
		t.Fatal("Get should return the registered process by name")
	}
	if len(sup.All()) != 1 {
		t.Fatalf("expected All() to return 1 process, got %d", len(sup.All()))
	}
}

func TestSupervisorStartAllStopAllAndReap(t *testing.T) {
	sup := newTestSupervisor(t, sleeperProgram("sleeper", 0))

	sup.loop.Post(sup.StartAll)
	waitForState(t, sup, "sleeper", process.StateRunning, time.Second)

	p, _ := sup.Get("sleeper")
	pid := p.Pid()
	if pid <= 0 {
		t.Fatalf("expected a live pid, got %d", pid)
	}

	sup.loop.Post(sup.StopAll)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ws syscall.WaitStatus
		got, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		if err == nil && got == pid {
			sup.loop.Post(sup.Reap)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitForState(t, sup, "sleeper", process.StateStopped, time.Second)
}

func TestSupervisorShutdownWithNoProcesses(t *testing.T) {
	sup := newTestSupervisor(t)

	done := make(chan struct{})
	sup.loop.Post(func() {
		sup.Shutdown(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown with an empty registry should call onDone immediately")
	}
}

func waitForState(t *testing.T, sup *Supervisor, name string, want process.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, ok := sup.Get(name)
		if ok && p.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process %q never reached state %s", name, want)
}
