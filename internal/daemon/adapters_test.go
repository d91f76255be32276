package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/descartes-run/descartes/internal/runtime"
	"github.com/descartes-run/descartes/internal/store"
	"github.com/descartes-run/descartes/internal/workflow"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "descartes.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTaskSourceNextTaskExtractsTitleAndDescription(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateTask(&store.Task{
		ID:          "task-1",
		SessionID:   "sess-1",
		Status:      store.TaskTodo,
		Title:       "fix the widget",
		Description: "the widget is broken",
		Version:     1,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	src := taskSource{st: st, sessionID: "sess-1"}
	task, err := src.NextTask(context.Background())
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if task == nil {
		t.Fatal("NextTask returned nil, want a ready task")
	}
	if task.Title != "fix the widget" || task.Description != "the widget is broken" {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestTaskSourceNextTaskNoReadyTasksReturnsNil(t *testing.T) {
	st := openTestStore(t)
	src := taskSource{st: st, sessionID: "empty-session"}
	task, err := src.NextTask(context.Background())
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if task != nil {
		t.Errorf("NextTask = %+v, want nil", task)
	}
}

func TestTaskSourceCompleteTaskUsesCurrentVersion(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateTask(&store.Task{
		ID:          "task-2",
		SessionID:   "sess-1",
		Status:      store.TaskTodo,
		Title:       "t",
		Description: "d",
		Version:     1,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	src := taskSource{st: st, sessionID: "sess-1"}
	if err := src.CompleteTask(context.Background(), "task-2"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := st.GetTask("task-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskDone {
		t.Errorf("Status = %v, want %v", got.Status, store.TaskDone)
	}
}

func TestAgentPersistFuncTransitionsUsingCurrentVersion(t *testing.T) {
	st := openTestStore(t)
	if err := st.CreateAgent(&store.Agent{
		ID:       "agent-1",
		Category: "builder",
		Command:  "true",
		State:    store.AgentRunning,
		Version:  1,
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	persist := agentPersistFunc(st)
	persist("agent-1", runtime.StateRunning, runtime.StateCompleted, "finished")

	got, err := st.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.State != store.AgentCompleted {
		t.Errorf("State = %v, want %v", got.State, store.AgentCompleted)
	}
}

func TestWorkflowStoreRoundTripsRunRecord(t *testing.T) {
	st := openTestStore(t)
	ws := workflowStore{st: st}

	run := &workflow.RunRecord{
		ID:           "run-1",
		WorkflowName: "release-train",
		CurrentStage: "plan",
		Status:       "running",
		Context:      map[string]any{"k": "v"},
		Version:      1,
	}
	if err := ws.CreateWorkflowRun(run); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}

	got, err := ws.GetWorkflowRun("run-1")
	if err != nil {
		t.Fatalf("GetWorkflowRun: %v", err)
	}
	if got.WorkflowName != "release-train" || got.CurrentStage != "plan" {
		t.Errorf("unexpected run: %+v", got)
	}

	if err := ws.UpdateWorkflowRun("run-1", got.Version, "build", "running", map[string]any{"k": "v2"}); err != nil {
		t.Fatalf("UpdateWorkflowRun: %v", err)
	}
	got, err = ws.GetWorkflowRun("run-1")
	if err != nil {
		t.Fatalf("GetWorkflowRun after update: %v", err)
	}
	if got.CurrentStage != "build" {
		t.Errorf("CurrentStage = %q, want build", got.CurrentStage)
	}
}
