package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.db"), nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrationHistory()
	if err != nil {
		t.Fatalf("MigrationHistory() error: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("MigrationHistory() = (%d, %v), want (2, false)", version, dirty)
	}
}

func TestAgentLifecycleTransition(t *testing.T) {
	s := openTestStore(t)
	a := &Agent{ID: "a1", Category: "builder", Command: "echo", State: AgentCreated}
	if err := s.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent() error: %v", err)
	}

	if err := s.TransitionAgent("a1", 1, AgentInitializing, "spawned"); err != nil {
		t.Fatalf("TransitionAgent() error: %v", err)
	}

	got, err := s.GetAgent("a1")
	if err != nil {
		t.Fatalf("GetAgent() error: %v", err)
	}
	if got.State != AgentInitializing || got.Version != 2 {
		t.Errorf("GetAgent() = %+v, want state=initializing version=2", got)
	}
}

func TestTransitionAgentVersionConflict(t *testing.T) {
	s := openTestStore(t)
	a := &Agent{ID: "a1", Category: "builder", Command: "echo", State: AgentCreated}
	if err := s.CreateAgent(a); err != nil {
		t.Fatalf("CreateAgent() error: %v", err)
	}

	if err := s.TransitionAgent("a1", 1, AgentInitializing, "first"); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := s.TransitionAgent("a1", 1, AgentRunning, "stale"); err == nil {
		t.Fatal("expected conflict error for stale version")
	}
}

func TestReadyTaskMonotonicity(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(&Task{ID: "t1", SessionID: "s1", Status: TaskTodo}); err != nil {
		t.Fatalf("CreateTask(t1): %v", err)
	}
	if err := s.CreateTask(&Task{ID: "t2", SessionID: "s1", Status: TaskTodo, DependsOn: []string{"t1"}}); err != nil {
		t.Fatalf("CreateTask(t2): %v", err)
	}

	ready, err := s.ListReadyTasks("s1")
	if err != nil {
		t.Fatalf("ListReadyTasks() error: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("ListReadyTasks() = %v, want only t1 ready", ready)
	}

	if err := s.UpdateTaskStatus("t1", 1, TaskDone); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}

	ready, err = s.ListReadyTasks("s1")
	if err != nil {
		t.Fatalf("ListReadyTasks() error: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t2" {
		t.Fatalf("ListReadyTasks() after t1 done = %v, want only t2 ready", ready)
	}
}

func TestListReadyTasksOrdersByPriority(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(&Task{ID: "low", SessionID: "s1", Status: TaskTodo, Priority: PriorityLow}); err != nil {
		t.Fatalf("CreateTask(low): %v", err)
	}
	if err := s.CreateTask(&Task{ID: "critical", SessionID: "s1", Status: TaskTodo, Priority: PriorityCritical}); err != nil {
		t.Fatalf("CreateTask(critical): %v", err)
	}
	if err := s.CreateTask(&Task{ID: "medium", SessionID: "s1", Status: TaskTodo, Priority: PriorityMedium}); err != nil {
		t.Fatalf("CreateTask(medium): %v", err)
	}

	ready, err := s.ListReadyTasks("s1")
	if err != nil {
		t.Fatalf("ListReadyTasks() error: %v", err)
	}
	if len(ready) != 3 || ready[0].ID != "critical" || ready[1].ID != "medium" || ready[2].ID != "low" {
		t.Fatalf("ListReadyTasks() = %v, want [critical medium low]", ready)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	type payload struct {
		Foo string
		N   int
	}
	want := payload{Foo: "bar", N: 7}
	if err := s.CreateSnapshot("snap1", "sess1", want); err != nil {
		t.Fatalf("CreateSnapshot() error: %v", err)
	}

	var got payload
	if err := s.RestoreSnapshot("snap1", &got); err != nil {
		t.Fatalf("RestoreSnapshot() error: %v", err)
	}
	if got != want {
		t.Errorf("RestoreSnapshot() = %+v, want %+v", got, want)
	}
}

func TestPruneSnapshotsKeepsMinimum(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if err := s.CreateSnapshot(id, "sess1", map[string]any{"i": i}); err != nil {
			t.Fatalf("CreateSnapshot(%s): %v", id, err)
		}
	}

	n, err := s.PruneSnapshots("sess1", time.Now().Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("PruneSnapshots() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneSnapshots() deleted %d, want 1 (keeping minKeep=2)", n)
	}
}

func TestSearchEvents(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendEvent(&Event{ID: "e1", Timestamp: time.Now(), Category: "lease", Kind: "acquired", Payload: map[string]any{"path": "/tmp/x"}}); err != nil {
		t.Fatalf("AppendEvent() error: %v", err)
	}

	got, err := s.SearchEvents("acquired", 10)
	if err != nil {
		t.Fatalf("SearchEvents() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("SearchEvents() = %v, want [e1]", got)
	}
}
