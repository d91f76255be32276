package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/descartes-run/descartes/internal/errkind"
	"github.com/descartes-run/descartes/internal/loopengine"
	"github.com/descartes-run/descartes/internal/rpc"
	"github.com/descartes-run/descartes/internal/store"
	"github.com/descartes-run/descartes/internal/transcript"
	"github.com/descartes-run/descartes/internal/workflow"
)

// attachTokenTTL bounds how long an issued attach token stays valid
// before a client must request a fresh one.
const attachTokenTTL = 2 * time.Minute

// registerControlMethods wires the full control-plane RPC surface named
// in the wire protocol: workflow lifecycle, task CRUD and readiness,
// agent spawn/inspect/signal, the iterative loop, lease
// acquire/renew/release, transcript introspection, and daemon shutdown.
// system.health and system.metrics are registered separately by
// rpc.RegisterSystemMethods.
func (d *Daemon) registerControlMethods(mux *rpc.Mux) {
	d.registerWorkflowMethods(mux)
	d.registerTaskMethods(mux)
	d.registerAgentMethods(mux)
	d.registerLoopMethods(mux)
	d.registerLeaseMethods(mux)
	d.registerTranscriptMethods(mux)
	d.registerSystemShutdown(mux)
}

func invalidParams(err error) *rpc.Error {
	return &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
}

// --- workflow.* --------------------------------------------------------

func (d *Daemon) registerWorkflowMethods(mux *rpc.Mux) {
	mux.Handle("workflow.start", func(params json.RawMessage) (any, error) {
		var req struct {
			Definition json.RawMessage `json:"definition"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		def, err := workflow.ParseDefinition(req.Definition)
		if err != nil {
			return nil, invalidParams(err)
		}
		run, err := d.Workflow.StartRun(context.Background(), def)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return run, nil
	})

	mux.Handle("workflow.resolve_gate", func(params json.RawMessage) (any, error) {
		var req struct {
			RunID       string         `json:"run_id"`
			Outcome     string         `json:"outcome"`
			Reason      string         `json:"reason"`
			Replacement map[string]any `json:"replacement,omitempty"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		if err := d.Workflow.ResolveGate(req.RunID, workflow.GateOutcome(req.Outcome), req.Reason, req.Replacement); err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"ok": true}, nil
	})

	mux.Handle("workflow.status", func(params json.RawMessage) (any, error) {
		var req struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		run, err := d.Workflow.GetRun(req.RunID)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return run, nil
	})

	mux.Handle("workflow.list", func(params json.RawMessage) (any, error) {
		runs, err := d.Workflow.ListRuns()
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return runs, nil
	})
}

// --- task.* --------------------------------------------------------------

func (d *Daemon) registerTaskMethods(mux *rpc.Mux) {
	mux.Handle("task.list", func(params json.RawMessage) (any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		tasks, err := d.Store.ListTasks(req.SessionID)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return tasks, nil
	})

	mux.Handle("task.get", func(params json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		task, err := d.Store.GetTask(req.ID)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return task, nil
	})

	mux.Handle("task.save", func(params json.RawMessage) (any, error) {
		var req struct {
			ID               string         `json:"id"`
			SessionID        string         `json:"session_id"`
			Title            string         `json:"title"`
			Description      string         `json:"description"`
			Priority         string         `json:"priority"`
			ComplexityBucket string         `json:"complexity_bucket"`
			AssigneeAgentID  string         `json:"assignee_agent_id"`
			DependsOn        []string       `json:"depends_on"`
			Metadata         map[string]any `json:"metadata"`
			Version          int            `json:"version"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		if req.ID == "" {
			task := &store.Task{
				ID:               uuid.NewString(),
				SessionID:        req.SessionID,
				Title:            req.Title,
				Description:      req.Description,
				Priority:         store.TaskPriority(req.Priority),
				ComplexityBucket: store.ComplexityBucket(req.ComplexityBucket),
				AssigneeAgentID:  req.AssigneeAgentID,
				DependsOn:        req.DependsOn,
				Metadata:         req.Metadata,
			}
			if err := d.Store.CreateTask(task); err != nil {
				return nil, rpc.FromError(err)
			}
			return task, nil
		}
		task := &store.Task{
			ID:               req.ID,
			Title:            req.Title,
			Description:      req.Description,
			Priority:         store.TaskPriority(req.Priority),
			ComplexityBucket: store.ComplexityBucket(req.ComplexityBucket),
			AssigneeAgentID:  req.AssigneeAgentID,
			Metadata:         req.Metadata,
			Version:          req.Version,
		}
		if err := d.Store.SaveTask(task); err != nil {
			return nil, rpc.FromError(err)
		}
		return task, nil
	})

	mux.Handle("task.next_ready", func(params json.RawMessage) (any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		ready, err := d.Store.ListReadyTasks(req.SessionID)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		if len(ready) == 0 {
			return nil, nil
		}
		return ready[0], nil
	})

	mux.Handle("task.complete", func(params json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		current, err := d.Store.GetTask(req.ID)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		if err := d.Store.UpdateTaskStatus(req.ID, current.Version, store.TaskDone); err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"ok": true}, nil
	})
}

// --- agent.* -------------------------------------------------------------

func (d *Daemon) registerAgentMethods(mux *rpc.Mux) {
	mux.Handle("agent.spawn", func(params json.RawMessage) (any, error) {
		var req struct {
			Category string   `json:"category"`
			Command  string   `json:"command"`
			Args     []string `json:"args"`
			RingSize int      `json:"ring_bytes"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		if req.RingSize <= 0 {
			req.RingSize = 1 << 16
		}
		proc, err := d.Runtime.Spawn(context.Background(), req.Category, req.Command, req.Args, req.RingSize)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{
			"id":           proc.ID,
			"state":        string(proc.State()),
			"attach_token": d.Attach.Issue(proc.ID, attachTokenTTL),
		}, nil
	})

	mux.Handle("agent.get", func(params json.RawMessage) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		proc, ok := d.Runtime.Get(req.ID)
		if !ok {
			return nil, rpc.FromError(errkind.New(errkind.NotFound, "daemon.agent.get", fmt.Errorf("unknown agent id %s", req.ID)))
		}
		return map[string]any{
			"id":           proc.ID,
			"category":     proc.Category,
			"state":        string(proc.State()),
			"attach_token": d.Attach.Issue(proc.ID, attachTokenTTL),
		}, nil
	})

	mux.Handle("agent.list", func(params json.RawMessage) (any, error) {
		procs := d.Runtime.List()
		out := make([]map[string]any, 0, len(procs))
		for _, p := range procs {
			out = append(out, map[string]any{"id": p.ID, "category": p.Category, "state": string(p.State())})
		}
		return out, nil
	})

	mux.Handle("agent.signal", func(params json.RawMessage) (any, error) {
		var req struct {
			ID     string `json:"id"`
			Signal string `json:"signal"` // "pause" | "resume"
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		proc, ok := d.Runtime.Get(req.ID)
		if !ok {
			return nil, rpc.FromError(errkind.New(errkind.NotFound, "daemon.agent.signal", fmt.Errorf("unknown agent id %s", req.ID)))
		}
		sig, err := signalFor(req.Signal)
		if err != nil {
			return nil, invalidParams(err)
		}
		if err := d.Runtime.Signal(proc, sig); err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"ok": true}, nil
	})

	mux.Handle("agent.kill", func(params json.RawMessage) (any, error) {
		var req struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		proc, ok := d.Runtime.Get(req.ID)
		if !ok {
			return nil, rpc.FromError(errkind.New(errkind.NotFound, "daemon.agent.kill", fmt.Errorf("unknown agent id %s", req.ID)))
		}
		if req.Reason == "" {
			req.Reason = "killed via agent.kill"
		}
		if err := d.Runtime.Terminate(proc, req.Reason); err != nil {
			return nil, rpc.FromError(err)
		}
		d.Leases.ForceReleaseAgentLeases(req.ID)
		return map[string]any{"ok": true}, nil
	})

	mux.Handle("agent.write_stdin", func(params json.RawMessage) (any, error) {
		var req struct {
			ID   string `json:"id"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		proc, ok := d.Runtime.Get(req.ID)
		if !ok {
			return nil, rpc.FromError(errkind.New(errkind.NotFound, "daemon.agent.write_stdin", fmt.Errorf("unknown agent id %s", req.ID)))
		}
		if err := proc.WriteStdin([]byte(req.Data)); err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"ok": true}, nil
	})
}

func signalFor(name string) (syscall.Signal, error) {
	switch name {
	case "pause":
		return syscall.SIGSTOP, nil
	case "resume":
		return syscall.SIGCONT, nil
	default:
		return 0, fmt.Errorf("unknown agent signal %q", name)
	}
}

// --- loop.* --------------------------------------------------------------

func (d *Daemon) registerLoopMethods(mux *rpc.Mux) {
	mux.Handle("loop.start", func(params json.RawMessage) (any, error) {
		var req struct {
			Mode          string `json:"mode"`
			MaxIterations int    `json:"max_iterations"`
			AutoCommit    bool   `json:"auto_commit"`
			AutoPush      bool   `json:"auto_push"`
			WorkDir       string `json:"work_dir"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		mode := loopengine.ModeBuild
		if req.Mode == string(loopengine.ModePlan) {
			mode = loopengine.ModePlan
		}
		cfg := loopengine.Config{
			Mode:          mode,
			MaxIterations: req.MaxIterations,
			AutoCommit:    req.AutoCommit,
			AutoPush:      req.AutoPush,
			WorkDir:       req.WorkDir,
		}
		if err := d.LoopEngine.Start(context.Background(), cfg); err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"ok": true}, nil
	})

	mux.Handle("loop.stop", func(params json.RawMessage) (any, error) {
		d.LoopEngine.Stop()
		return map[string]any{"ok": true}, nil
	})

	mux.Handle("loop.status", func(params json.RawMessage) (any, error) {
		return d.LoopEngine.Status(), nil
	})
}

// --- lease.* -------------------------------------------------------------

func (d *Daemon) registerLeaseMethods(mux *rpc.Mux) {
	mux.Handle("lease.acquire", func(params json.RawMessage) (any, error) {
		var req struct {
			PathKey     string `json:"path_key"`
			AgentID     string `json:"agent_id"`
			TTLSeconds  int    `json:"ttl_seconds"`
			MaxRenewals int    `json:"max_renewals"`
			Blocking    bool   `json:"blocking"`
			TimeoutSecs int    `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		lse, waited, err := d.Leases.Acquire(
			context.Background(), req.PathKey, req.AgentID,
			time.Duration(req.TTLSeconds)*time.Second, req.MaxRenewals,
			req.Blocking, time.Duration(req.TimeoutSecs)*time.Second,
		)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"lease_id": lse.ID.String(), "waited": waited.String(), "expires_at": lse.ExpiresAt}, nil
	})

	mux.Handle("lease.renew", func(params json.RawMessage) (any, error) {
		var req struct {
			LeaseID       string `json:"lease_id"`
			AgentID       string `json:"agent_id"`
			NewTTLSeconds int    `json:"new_ttl_seconds"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		id, err := uuid.Parse(req.LeaseID)
		if err != nil {
			return nil, invalidParams(fmt.Errorf("malformed lease_id"))
		}
		lse, err := d.Leases.Renew(id, req.AgentID, time.Duration(req.NewTTLSeconds)*time.Second)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"lease_id": lse.ID.String(), "expires_at": lse.ExpiresAt, "renewal_count": lse.RenewalCount}, nil
	})

	mux.Handle("lease.release", func(params json.RawMessage) (any, error) {
		var req struct {
			LeaseID string `json:"lease_id"`
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		id, err := uuid.Parse(req.LeaseID)
		if err != nil {
			return nil, invalidParams(fmt.Errorf("malformed lease_id"))
		}
		if err := d.Leases.Release(id, req.AgentID); err != nil {
			return nil, rpc.FromError(err)
		}
		return map[string]any{"ok": true}, nil
	})

	mux.Handle("lease.list", func(params json.RawMessage) (any, error) {
		leases := d.Leases.AllLeases()
		out := make([]map[string]any, 0, len(leases))
		for _, l := range leases {
			out = append(out, map[string]any{
				"lease_id":   l.ID.String(),
				"path_key":   l.PathKey,
				"agent_id":   l.AgentID,
				"expires_at": l.ExpiresAt,
				"status":     string(l.Status),
			})
		}
		return out, nil
	})
}

// --- transcript.* --------------------------------------------------------

func (d *Daemon) registerTranscriptMethods(mux *rpc.Mux) {
	mux.Handle("transcript.list", func(params json.RawMessage) (any, error) {
		paths, err := transcript.List(d.cfg.Workspace.TranscriptsDir)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return paths, nil
	})

	mux.Handle("transcript.get", func(params json.RawMessage) (any, error) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		tr, err := transcript.Read(req.Path)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		return tr, nil
	})

	mux.Handle("transcript.replay", func(params json.RawMessage) (any, error) {
		var req struct {
			Path        string  `json:"path"`
			SpeedFactor float64 `json:"speed_factor"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
		tr, err := transcript.Read(req.Path)
		if err != nil {
			return nil, rpc.FromError(err)
		}
		var entries []transcript.Entry
		transcript.Replay(tr, req.SpeedFactor, func(e transcript.Entry) { entries = append(entries, e) })
		return entries, nil
	})
}

// --- system.shutdown -------------------------------------------------------

func (d *Daemon) registerSystemShutdown(mux *rpc.Mux) {
	mux.Handle("system.shutdown", func(params json.RawMessage) (any, error) {
		d.RequestShutdown()
		return map[string]any{"ok": true}, nil
	})
}
