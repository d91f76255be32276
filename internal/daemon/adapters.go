package daemon

import (
	"context"
	"time"

	"github.com/descartes-run/descartes/internal/lease"
	"github.com/descartes-run/descartes/internal/loopengine"
	"github.com/descartes-run/descartes/internal/runtime"
	"github.com/descartes-run/descartes/internal/store"
	"github.com/descartes-run/descartes/internal/workflow"
)

// leasePersister adapts *store.Store to the internal/lease.Persister
// interface. lease.Manager never imports internal/store directly so it
// stays usable (and unit-testable) with an in-memory stand-in.
type leasePersister struct{ st *store.Store }

func (p leasePersister) PutLeaseRecord(id, pathKey, agentID string, createdAt, expiresAt time.Time, ttlSeconds, maxRenewals, renewalCount int, status string) error {
	return p.st.PutLeaseRecord(id, pathKey, agentID, createdAt, expiresAt, ttlSeconds, maxRenewals, renewalCount, status)
}

func (p leasePersister) DeleteLeaseRecord(id string) error {
	return p.st.DeleteLeaseRecord(id)
}

var _ lease.Persister = leasePersister{}

// workflowStore adapts *store.Store's WorkflowRun CRUD to the
// internal/workflow.Store interface, translating between
// store.WorkflowRun and the engine's store-independent RunRecord.
type workflowStore struct{ st *store.Store }

func (w workflowStore) CreateWorkflowRun(r *workflow.RunRecord) error {
	return w.st.CreateWorkflowRun(&store.WorkflowRun{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		CurrentStage: r.CurrentStage,
		Status:       r.Status,
		Context:      r.Context,
		Version:      r.Version,
	})
}

func (w workflowStore) GetWorkflowRun(id string) (*workflow.RunRecord, error) {
	run, err := w.st.GetWorkflowRun(id)
	if err != nil {
		return nil, err
	}
	return &workflow.RunRecord{
		ID:           run.ID,
		WorkflowName: run.WorkflowName,
		CurrentStage: run.CurrentStage,
		Status:       run.Status,
		Context:      run.Context,
		Version:      run.Version,
	}, nil
}

func (w workflowStore) UpdateWorkflowRun(id string, expectedVersion int, stage, status string, context map[string]any) error {
	return w.st.UpdateWorkflowRun(id, expectedVersion, stage, status, context)
}

func (w workflowStore) ListWorkflowRuns() ([]*workflow.RunRecord, error) {
	runs, err := w.st.ListWorkflowRuns()
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.RunRecord, len(runs))
	for i, r := range runs {
		out[i] = &workflow.RunRecord{
			ID:           r.ID,
			WorkflowName: r.WorkflowName,
			CurrentStage: r.CurrentStage,
			Status:       r.Status,
			Context:      r.Context,
			Version:      r.Version,
		}
	}
	return out, nil
}

var _ workflow.Store = workflowStore{}

// taskSource adapts *store.Store's ready-task queue to the
// internal/loopengine.TaskSource interface.
type taskSource struct {
	st        *store.Store
	sessionID string
}

func (t taskSource) NextTask(ctx context.Context) (*loopengine.Task, error) {
	ready, err := t.st.ListReadyTasks(t.sessionID)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	next := ready[0]
	return &loopengine.Task{ID: next.ID, Title: next.Title, Description: next.Description}, nil
}

func (t taskSource) CompleteTask(ctx context.Context, id string) error {
	current, err := t.st.GetTask(id)
	if err != nil {
		return err
	}
	return t.st.UpdateTaskStatus(id, current.Version, store.TaskDone)
}

var _ loopengine.TaskSource = taskSource{}

// runtimeSubagentRunner adapts a *runtime.Supervisor plus a category to
// command mapping into the internal/loopengine.SubagentRunner the loop
// engine calls to fan out searcher/analyzer/builder/validator work.
func runtimeSubagentRunner(sup *runtime.Supervisor, categoryCommands map[string][]string) loopengine.SubagentRunner {
	return func(ctx context.Context, category loopengine.SubagentCategory, prompt string) (loopengine.SubagentResult, error) {
		cmd, ok := categoryCommands[string(category)]
		if !ok || len(cmd) == 0 {
			return loopengine.SubagentResult{}, errNoCommandForCategory(string(category))
		}
		proc, err := sup.Spawn(ctx, string(category), cmd[0], append(append([]string{}, cmd[1:]...), prompt), 1<<20)
		if err != nil {
			return loopengine.SubagentResult{}, err
		}
		waitErr := proc.Wait(ctx)
		out := string(proc.ReadStdout())
		return loopengine.SubagentResult{
			SessionID: proc.ID,
			Output:    out,
			Success:   waitErr == nil,
		}, nil
	}
}

// workflowStageRunner adapts a *runtime.Supervisor into the
// internal/workflow.StageRunner the workflow engine calls per stage.
func workflowStageRunner(sup *runtime.Supervisor, categoryCommands map[string][]string) workflow.StageRunner {
	return func(ctx context.Context, runID string, stage workflow.StageDef, handoff string) (map[string]any, error) {
		cmd, ok := categoryCommands[stage.Category]
		if !ok || len(cmd) == 0 {
			return nil, errNoCommandForCategory(stage.Category)
		}
		proc, err := sup.Spawn(ctx, stage.Category, cmd[0], append(append([]string{}, cmd[1:]...), handoff), 1<<20)
		if err != nil {
			return nil, err
		}
		if err := proc.Wait(ctx); err != nil {
			return nil, err
		}
		return map[string]any{stage.Name + "_output": string(proc.ReadStdout())}, nil
	}
}

type noCommandForCategoryErr string

func (e noCommandForCategoryErr) Error() string {
	return "no agent category configured for " + string(e)
}

func errNoCommandForCategory(category string) error { return noCommandForCategoryErr(category) }

// agentPersistFunc adapts *store.Store's transition recorder into the
// internal/runtime.PersistFunc the supervisor calls on every lifecycle
// transition.
func agentPersistFunc(st *store.Store) runtime.PersistFunc {
	return func(agentID string, from, to runtime.State, reason string) {
		current, err := st.GetAgent(agentID)
		if err != nil {
			return
		}
		_ = st.TransitionAgent(agentID, current.Version, store.AgentState(to), reason)
	}
}
