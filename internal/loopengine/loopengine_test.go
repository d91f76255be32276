package loopengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/descartes-run/descartes/internal/transcript"
)

type memTaskSource struct {
	mu        sync.Mutex
	remaining []*Task
	completed []string
}

func (m *memTaskSource) NextTask(ctx context.Context) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.remaining) == 0 {
		return nil, nil
	}
	t := m.remaining[0]
	m.remaining = m.remaining[1:]
	return t, nil
}

func (m *memTaskSource) CompleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, id)
	return nil
}

func noopWriter(int) (*transcript.Writer, error) { return nil, nil }

func TestBuildIterationCompletesTaskOnValidatorPass(t *testing.T) {
	tasks := &memTaskSource{remaining: []*Task{{ID: "t1", Title: "add lease sweeper"}}}
	spawn := func(ctx context.Context, category SubagentCategory, prompt string) (SubagentResult, error) {
		if category == CategoryValidator {
			return SubagentResult{Output: `{"passed": true, "detail": "ok"}`, Success: true}, nil
		}
		return SubagentResult{Output: "ok", Success: true}, nil
	}
	e := New(nil, nil, tasks, spawn, noopWriter, "plan", "build")

	result, err := e.buildIteration(context.Background(), Config{AutoCommit: false}, nil)
	if err != nil {
		t.Fatalf("buildIteration() error: %v", err)
	}
	if result != ResultCompleted {
		t.Fatalf("result = %v, want %v", result, ResultCompleted)
	}
	if len(tasks.completed) != 1 || tasks.completed[0] != "t1" {
		t.Errorf("completed = %v, want [t1]", tasks.completed)
	}
}

func TestBuildIterationNoTasksReady(t *testing.T) {
	tasks := &memTaskSource{}
	spawn := func(ctx context.Context, category SubagentCategory, prompt string) (SubagentResult, error) {
		t.Fatalf("spawn should not be called when no tasks are ready")
		return SubagentResult{}, nil
	}
	e := New(nil, nil, tasks, spawn, noopWriter, "plan", "build")

	result, err := e.buildIteration(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("buildIteration() error: %v", err)
	}
	if result != ResultNoTasksReady {
		t.Fatalf("result = %v, want %v", result, ResultNoTasksReady)
	}
}

func TestBuildIterationValidationFailureSkipsCompletion(t *testing.T) {
	tasks := &memTaskSource{remaining: []*Task{{ID: "t1", Title: "flaky change"}}}
	spawn := func(ctx context.Context, category SubagentCategory, prompt string) (SubagentResult, error) {
		if category == CategoryValidator {
			return SubagentResult{Output: `{"passed": false}`, Success: true}, nil
		}
		return SubagentResult{Output: "ok", Success: true}, nil
	}
	e := New(nil, nil, tasks, spawn, noopWriter, "plan", "build")

	result, err := e.buildIteration(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("buildIteration() error: %v", err)
	}
	if result != ResultValidationFailed {
		t.Fatalf("result = %v, want %v", result, ResultValidationFailed)
	}
	if len(tasks.completed) != 0 {
		t.Errorf("task should not be marked complete on validation failure")
	}
}

func TestParseValidatorOutputRepairsNearMissJSON(t *testing.T) {
	// Trailing comma and unquoted key: not valid JSON, but recoverable.
	out := `{passed: true, detail: "looks fine",}`
	if !parseValidatorOutput(out) {
		t.Errorf("parseValidatorOutput(%q) = false, want true", out)
	}
}

func TestParseValidatorOutputFallsBackToSubstring(t *testing.T) {
	if !parseValidatorOutput("all tests passed") {
		t.Error("expected substring fallback to detect pass")
	}
	if parseValidatorOutput("2 tests failed") {
		t.Error("expected substring fallback to detect failure")
	}
}

func TestStartStopIsIdempotentAndClean(t *testing.T) {
	tasks := &memTaskSource{}
	spawn := func(ctx context.Context, category SubagentCategory, prompt string) (SubagentResult, error) {
		return SubagentResult{Success: true}, nil
	}
	e := New(nil, nil, tasks, spawn, noopWriter, "plan", "build")

	if err := e.Start(context.Background(), Config{Mode: ModeBuild}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := e.Start(context.Background(), Config{Mode: ModeBuild}); err == nil {
		t.Fatalf("second Start() should fail while already running")
	}

	done := make(chan struct{})
	go func() { e.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return in time")
	}
}
