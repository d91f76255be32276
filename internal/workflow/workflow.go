// Package workflow implements the Workflow Engine: stage-graph traversal
// with auto/manual/notify gates between stages, handoff document
// generation via placeholder substitution. A stage whose runner returns
// an error fails the run; stages are not retried.
// Concurrency is modelled the way the teacher's scheduler schedules task
// timers (one goroutine per in-flight run, timers for gate timeouts),
// retargeted from cron-style firing to stage advancement; gate dispatch
// follows the original Rust workflow/gate.rs design (GateType enum,
// timeout races between approval and deadline).
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/descartes-run/descartes/internal/errkind"
	"github.com/descartes-run/descartes/internal/eventbus"
)

// GateType selects how a stage's completion is approved.
type GateType string

const (
	// GateAuto advances immediately once the stage's agent completes.
	GateAuto GateType = "auto"
	// GateManual blocks until ResolveGate is called, or the configured
	// timeout elapses (applying TimeoutAction).
	GateManual GateType = "manual"
	// GateNotify hands a message to the engine's Notifier (when one is
	// set and the gate has a NotifyURL) and then behaves like GateManual
	// while awaiting a response.
	GateNotify GateType = "notify"
)

// TimeoutAction names what a manual/notify gate does when its deadline
// elapses with no response.
type TimeoutAction string

const (
	// TimeoutContinue treats the gate as approved once the deadline
	// passes with no response.
	TimeoutContinue TimeoutAction = "continue"
	// TimeoutPause leaves the run in awaiting_gate indefinitely; only an
	// explicit ResolveGate call (or run cancellation) can unblock it.
	TimeoutPause TimeoutAction = "pause"
)

// GateOutcome is the decision an operator (or a timeout) applies to a
// pending manual/notify gate.
type GateOutcome string

const (
	GateApprove GateOutcome = "approve"
	GateReject  GateOutcome = "reject"
	// GateEdit replaces the stage's outcome with an operator-supplied
	// replacement context before the run advances.
	GateEdit GateOutcome = "edit"
	// GateSkip advances to the next transition without merging the
	// stage's outcome into the run context at all.
	GateSkip GateOutcome = "skip"
)

// GateConfig controls one stage's approval policy.
type GateConfig struct {
	Type           GateType      `yaml:"type" json:"type"`
	TimeoutSeconds int           `yaml:"timeout_seconds" json:"timeout_seconds"`
	TimeoutAction  TimeoutAction `yaml:"timeout_action" json:"timeout_action"`
	NotifyURL      string        `yaml:"notify_url" json:"notify_url"`
}

// StageDef is one node of a workflow's stage graph.
type StageDef struct {
	Name     string     `yaml:"name" json:"name"`
	Category string     `yaml:"category" json:"category"`
	Gate     GateConfig `yaml:"gate" json:"gate"`
	Next     string     `yaml:"next" json:"next"` // "" marks a terminal stage
	// HandoffTemplate is rendered with the accumulated run context
	// before the stage's agent is spawned, via {{placeholder}}
	// single-pass literal substitution (gjson path syntax inside the
	// braces, e.g. {{scud_tasks.0.title}}).
	HandoffTemplate string `yaml:"handoff_template" json:"handoff_template"`
}

// Definition is a complete workflow document.
type Definition struct {
	Name   string     `yaml:"name" json:"name"`
	Stages []StageDef `yaml:"stages" json:"stages"`
}

func (d Definition) stageByName(name string) (StageDef, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDef{}, false
}

// RunStatus mirrors a workflow_runs.status column value.
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunAwaitingGate RunStatus = "awaiting_gate"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
	RunCancelled    RunStatus = "cancelled"
)

// StageRunner executes a single stage's work (normally: spawn an agent
// via internal/runtime under the stage's category and wait for it to
// complete) and returns context updates to merge into the run.
type StageRunner func(ctx context.Context, runID string, stage StageDef, handoff string) (map[string]any, error)

// Notifier delivers a notify-gate's outbound message. Kept as an
// interface so the engine never imports net/http directly. daemon.New
// passes a nil Notifier, so notify gates in the daemon send no message.
type Notifier interface {
	Notify(ctx context.Context, url, message string) error
}

// Store is the subset of *store.Store the engine needs.
type Store interface {
	CreateWorkflowRun(r *RunRecord) error
	GetWorkflowRun(id string) (*RunRecord, error)
	UpdateWorkflowRun(id string, expectedVersion int, stage, status string, context map[string]any) error
	ListWorkflowRuns() ([]*RunRecord, error)
}

// RunRecord mirrors store.WorkflowRun without importing the store
// package directly, keeping workflow engine tests store-independent.
type RunRecord struct {
	ID           string
	WorkflowName string
	CurrentStage string
	Status       string
	Context      map[string]any
	Version      int
}

// Engine runs workflow definitions against a Store.
type Engine struct {
	logger   *slog.Logger
	bus      *eventbus.Bus
	store    Store
	runner   StageRunner
	notifier Notifier

	mu      sync.Mutex
	pending map[string]chan gateResponse // runID -> waiter

	ctx    context.Context
	cancel context.CancelFunc
}

type gateResponse struct {
	outcome     GateOutcome
	reason      string
	replacement map[string]any // only meaningful for GateEdit
}

// New creates an Engine. Every run it drives is tied to an internal
// context cancelled by Shutdown, so in-flight runs stop observing new
// gate resolutions (and any agent-wait propagates cancelled) once the
// daemon begins tearing down.
func New(logger *slog.Logger, bus *eventbus.Bus, st Store, runner StageRunner, notifier Notifier) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:   logger,
		bus:      bus,
		store:    st,
		runner:   runner,
		notifier: notifier,
		pending:  make(map[string]chan gateResponse),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Shutdown cancels the context threaded through every in-flight
// driveStage call, so stage runners and pending gate waits observe
// cancellation instead of outliving daemon shutdown.
func (e *Engine) Shutdown() {
	e.cancel()
}

// StartRun begins a new run of def at its first stage.
func (e *Engine) StartRun(ctx context.Context, def Definition) (*RunRecord, error) {
	if len(def.Stages) == 0 {
		return nil, errkind.New(errkind.Validation, "workflow.StartRun", fmt.Errorf("workflow %q has no stages", def.Name))
	}
	run := &RunRecord{
		ID:           uuid.NewString(),
		WorkflowName: def.Name,
		CurrentStage: def.Stages[0].Name,
		Status:       string(RunRunning),
		Context:      map[string]any{},
		Version:      1,
	}
	if err := e.store.CreateWorkflowRun(run); err != nil {
		return nil, err
	}
	e.publish(run.ID, "run-started", map[string]any{"workflow": def.Name})
	go e.driveStage(e.ctx, def, run.ID)
	return run, nil
}

// driveStage executes the run's current stage, applies its gate, and
// recurses into the next stage (or marks the run completed/failed).
func (e *Engine) driveStage(ctx context.Context, def Definition, runID string) {
	run, err := e.store.GetWorkflowRun(runID)
	if err != nil {
		e.logger.Error("workflow: failed to load run", "run", runID, "error", err)
		return
	}
	stage, ok := def.stageByName(run.CurrentStage)
	if !ok {
		e.failRun(run, fmt.Errorf("unknown stage %q", run.CurrentStage))
		return
	}

	handoff := renderTemplate(stage.HandoffTemplate, run.Context)
	update, err := e.runner(ctx, runID, stage, handoff)
	if err != nil {
		e.failRun(run, err)
		return
	}

	resp, err := e.applyGate(ctx, run, stage)
	if err != nil {
		e.failRun(run, err)
		return
	}

	var mergedContext map[string]any
	switch resp.outcome {
	case GateReject:
		e.publish(runID, "stage-rejected", map[string]any{"stage": stage.Name, "reason": resp.reason})
		_ = e.store.UpdateWorkflowRun(runID, run.Version, stage.Name, string(RunCancelled), run.Context)
		return
	case GateEdit:
		mergedContext = mergeContext(run.Context, resp.replacement)
	case GateSkip:
		mergedContext = run.Context
	default: // GateApprove, and auto gates
		mergedContext = mergeContext(run.Context, update)
	}

	if stage.Next == "" {
		_ = e.store.UpdateWorkflowRun(runID, run.Version, stage.Name, string(RunCompleted), mergedContext)
		e.publish(runID, "run-completed", nil)
		return
	}

	if err := e.store.UpdateWorkflowRun(runID, run.Version, stage.Next, string(RunRunning), mergedContext); err != nil {
		e.logger.Error("workflow: stage advance conflict", "run", runID, "error", err)
		return
	}
	e.publish(runID, "stage-advanced", map[string]any{"from": stage.Name, "to": stage.Next})
	e.driveStage(ctx, def, runID)
}

func (e *Engine) failRun(run *RunRecord, cause error) {
	_ = e.store.UpdateWorkflowRun(run.ID, run.Version, run.CurrentStage, string(RunFailed), run.Context)
	e.publish(run.ID, "run-failed", map[string]any{"error": cause.Error()})
	e.logger.Error("workflow run failed", "run", run.ID, "error", cause)
}

// applyGate dispatches on the stage's gate type, racing an approval
// response against the configured timeout for manual/notify gates.
func (e *Engine) applyGate(ctx context.Context, run *RunRecord, stage StageDef) (gateResponse, error) {
	switch stage.Gate.Type {
	case "", GateAuto:
		return gateResponse{outcome: GateApprove}, nil
	case GateNotify:
		if e.notifier != nil && stage.Gate.NotifyURL != "" {
			msg := fmt.Sprintf("workflow run %s awaiting approval at stage %q", run.ID, stage.Name)
			if err := e.notifier.Notify(ctx, stage.Gate.NotifyURL, msg); err != nil {
				e.logger.Warn("workflow: notify gate delivery failed", "run", run.ID, "error", err)
			}
		}
		fallthrough
	case GateManual:
		return e.awaitGateResponse(ctx, run, stage.Gate)
	default:
		return gateResponse{}, errkind.New(errkind.Validation, "workflow.applyGate", fmt.Errorf("unknown gate type %q", stage.Gate.Type))
	}
}

// awaitGateResponse blocks until ResolveGate delivers a decision, the
// configured timeout elapses, or ctx is cancelled. A pause timeout does
// not resolve the gate: it marks the run awaiting_gate and keeps
// waiting indefinitely, since a timer firing once must not re-fire.
func (e *Engine) awaitGateResponse(ctx context.Context, run *RunRecord, cfg GateConfig) (gateResponse, error) {
	ch := make(chan gateResponse, 1)
	e.mu.Lock()
	e.pending[run.ID] = ch
	e.mu.Unlock()
	e.publish(run.ID, "gate-pending", nil)

	var timeoutCh <-chan time.Time
	if cfg.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(cfg.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-timeoutCh:
			action := cfg.TimeoutAction
			if action == "" {
				action = TimeoutPause
			}
			e.publish(run.ID, "gate-timeout", map[string]any{"action": string(action)})
			if action == TimeoutContinue {
				e.mu.Lock()
				delete(e.pending, run.ID)
				e.mu.Unlock()
				return gateResponse{outcome: GateApprove, reason: "timeout default"}, nil
			}
			timeoutCh = nil // pause: never fire again, stay blocked on ch/ctx
			if err := e.store.UpdateWorkflowRun(run.ID, run.Version, run.CurrentStage, string(RunAwaitingGate), run.Context); err == nil {
				run.Version++
				run.Status = string(RunAwaitingGate)
			}
		case <-ctx.Done():
			e.mu.Lock()
			delete(e.pending, run.ID)
			e.mu.Unlock()
			return gateResponse{}, errkind.New(errkind.Cancelled, "workflow.awaitGateResponse", ctx.Err())
		}
	}
}

// ResolveGate delivers a human/notify decision for runID's pending
// gate. First arrival wins: the pending channel is deleted under the
// lock before signalling, so a concurrent late arrival observes no
// pending entry and gets a Conflict error. replacement is only
// consulted for GateEdit.
func (e *Engine) ResolveGate(runID string, outcome GateOutcome, reason string, replacement map[string]any) error {
	switch outcome {
	case GateApprove, GateReject, GateEdit, GateSkip:
	default:
		return errkind.New(errkind.Validation, "workflow.ResolveGate", fmt.Errorf("unknown gate outcome %q", outcome))
	}
	e.mu.Lock()
	ch, ok := e.pending[runID]
	if ok {
		delete(e.pending, runID)
	}
	e.mu.Unlock()
	if !ok {
		return errkind.New(errkind.Conflict, "workflow.ResolveGate", fmt.Errorf("run %s has no pending gate", runID))
	}
	ch <- gateResponse{outcome: outcome, reason: reason, replacement: replacement}
	return nil
}

// GetRun returns a run's current record by id.
func (e *Engine) GetRun(id string) (*RunRecord, error) {
	return e.store.GetWorkflowRun(id)
}

// ListRuns returns every run the store knows about.
func (e *Engine) ListRuns() ([]*RunRecord, error) {
	return e.store.ListWorkflowRuns()
}

func (e *Engine) publish(runID, kind string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Category: eventbus.CategoryWorkflow, Kind: kind, ActorKind: eventbus.ActorSystem, ActorID: runID, Payload: payload})
}

func mergeContext(base, update map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]]+)\s*\}\}`)

// renderTemplate performs a single pass of {{path}} substitution over
// tmpl, resolving each path against context via gjson (marshalled once
// to JSON up front). A path with no match renders as an empty string
// rather than erroring, since handoff templates are authored against an
// evolving context shape.
func renderTemplate(tmpl string, context map[string]any) string {
	if tmpl == "" {
		return ""
	}
	raw, err := json.Marshal(context)
	if err != nil {
		raw = []byte("{}")
	}
	doc := string(raw)
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := strings.TrimSpace(placeholderRE.FindStringSubmatch(m)[1])
		res := gjson.Get(doc, path)
		if !res.Exists() {
			return ""
		}
		return res.String()
	})
}
