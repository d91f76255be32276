package runtime

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSpawnAndWaitCompletes(t *testing.T) {
	sup := New(nil, nil, nil, time.Second)
	ctx := context.Background()

	p, err := sup.Spawn(ctx, "echo", "/bin/sh", []string{"-c", "echo hello"}, 4096)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if p.State() != StateCompleted {
		t.Errorf("State() = %s, want %s", p.State(), StateCompleted)
	}
	if !strings.Contains(string(p.ReadStdout()), "hello") {
		t.Errorf("ReadStdout() = %q, want to contain %q", p.ReadStdout(), "hello")
	}
}

func TestWriteStdinEchoedBack(t *testing.T) {
	sup := New(nil, nil, nil, time.Second)
	ctx := context.Background()

	p, err := sup.Spawn(ctx, "cat", "/bin/cat", nil, 4096)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	if err := p.WriteStdin([]byte("ping\n")); err != nil {
		t.Fatalf("WriteStdin() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(p.ReadStdout()), "ping") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(string(p.ReadStdout()), "ping") {
		t.Fatalf("stdout = %q, want to contain ping", p.ReadStdout())
	}

	sup.Terminate(p, "test cleanup")
}

func TestIllegalTransitionRejected(t *testing.T) {
	sup := New(nil, nil, nil, time.Second)
	p := &Process{ID: "x", state: StateCreated, done: make(chan struct{})}

	sup.transition(p, StateCompleted, "skip straight to completed")
	if p.State() != StateCreated {
		t.Fatalf("illegal transition should be rejected, state = %s", p.State())
	}
}

func TestTerminateEscalatesToKillAfterGrace(t *testing.T) {
	sup := New(nil, nil, nil, 100*time.Millisecond)
	ctx := context.Background()

	// A process that ignores SIGTERM (traps it) to force the grace
	// window to elapse and the kill path to run.
	p, err := sup.Spawn(ctx, "stubborn", "/bin/sh", []string{"-c", "trap '' TERM; sleep 30"}, 4096)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}

	start := time.Now()
	if err := sup.Terminate(p, "shutdown"); err != nil {
		t.Fatalf("Terminate() error: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("Terminate() returned before grace window elapsed")
	}
	if p.State() != StateTerminated {
		t.Errorf("State() = %s, want %s", p.State(), StateTerminated)
	}
}
