package eventloop

import (
	"context"
	"testing"
	"time"
)

func TestLoopPostRunsOnLoopGoroutine(t *testing.T) {
	loop := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	done := make(chan struct{})
	loop.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted func never ran")
	}
}

func TestLoopArmTimerFires(t *testing.T) {
	loop := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	fired := make(chan struct{})
	loop.Post(func() {
		loop.ArmTimer("t1", 10*time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoopCancelTimerPreventsFiring(t *testing.T) {
	loop := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	loop.Post(func() {
		loop.ArmTimer("t1", 20*time.Millisecond, func() {
			t.Error("cancelled timer must not fire")
		})
	})

	time.Sleep(5 * time.Millisecond)
	loop.CancelTimer("t1")

	// Give the original deadline a chance to pass, then confirm the loop is
	// still responsive (i.e. the cancelled timer didn't corrupt the heap).
	done := make(chan struct{})
	time.AfterFunc(40*time.Millisecond, func() {
		loop.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stopped responding after CancelTimer")
	}
}

func TestLoopSurvivesHandlerPanic(t *testing.T) {
	loop := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)

	loop.Post(func() { panic("boom") })

	// A panicking handler must not take the loop down; the next posted
	// func should still run.
	done := make(chan struct{})
	loop.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not recover from a panicking handler")
	}
}

func TestLoopRunReturnsOnContextCancel(t *testing.T) {
	loop := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case <-loop.Done():
	default:
		t.Fatal("Done() channel not closed after Run returned")
	}
}
