// Package loopengine implements the iterative ("Ralph") loop: a
// fresh-context-per-iteration driver that runs either planning or
// building passes (one mode per Start) over a task source; a building
// pass fans out to parallel searcher/analyzer subagents, then runs a
// single builder and a validator gate before committing. Grounded on the original ralph_loop.rs run loop,
// adapted from a single-binary async loop to a goroutine the daemon
// starts and stops, using the teacher scheduler's timer-and-stopCh
// shutdown idiom in place of an async task.
package loopengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"github.com/descartes-run/descartes/internal/errkind"
	"github.com/descartes-run/descartes/internal/eventbus"
	"github.com/descartes-run/descartes/internal/transcript"
)

// Mode selects which iteration body Run executes.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// Config controls one loop run.
type Config struct {
	Mode          Mode
	MaxIterations int // 0 == unlimited
	AutoCommit    bool
	AutoPush      bool
	WorkDir       string // git working directory for commit/push
}

// IterationResult mirrors the Rust IterationResult enum.
type IterationResult string

const (
	ResultCompleted        IterationResult = "completed"
	ResultNoTasksReady      IterationResult = "no_tasks_ready"
	ResultValidationFailed  IterationResult = "validation_failed"
)

// Task is one unit of build work, sourced from the state store's ready
// task list (see internal/store.ListReadyTasks).
type Task struct {
	ID          string
	Title       string
	Description string
}

// TaskSource hands the build iteration its next task and marks
// completion, grounded on the original scud::next/scud::complete pair.
type TaskSource interface {
	NextTask(ctx context.Context) (*Task, error) // nil, nil when none ready
	CompleteTask(ctx context.Context, id string) error
}

// SubagentCategory names the four subagent roles an iteration spawns.
type SubagentCategory string

const (
	CategoryPlanner   SubagentCategory = "planner"
	CategorySearcher  SubagentCategory = "searcher"
	CategoryAnalyzer  SubagentCategory = "analyzer"
	CategoryBuilder   SubagentCategory = "builder"
	CategoryValidator SubagentCategory = "validator"
)

// SubagentResult is what a spawned subagent reports back.
type SubagentResult struct {
	SessionID string
	Output    string
	Success   bool
}

// SubagentRunner spawns one subagent of the given category with prompt
// and blocks for its result. The daemon wires this to internal/runtime,
// spawning an agent process under the matching configured category and
// reading its stdout once the process completes.
type SubagentRunner func(ctx context.Context, category SubagentCategory, prompt string) (SubagentResult, error)

// Engine drives Ralph loop iterations.
type Engine struct {
	logger  *slog.Logger
	bus     *eventbus.Bus
	tasks   TaskSource
	spawn   SubagentRunner
	writer  func(iteration int) (*transcript.Writer, error)

	planPrompt  string
	buildPrompt string

	mu        sync.Mutex
	running   bool
	mode      Mode
	iteration int
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Status is a point-in-time snapshot of the loop's run state, reported
// by loop.status.
type Status struct {
	Running   bool
	Mode      Mode
	Iteration int
}

// Status reports whether the loop is running and, if so, its mode and
// the iteration count completed so far.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{Running: e.running, Mode: e.mode, Iteration: e.iteration}
}

// New creates an Engine. planPrompt/buildPrompt are the system prompts
// loaded from the configured prompts directory; the daemon passes an
// empty prompt when no prompt file exists there.
func New(logger *slog.Logger, bus *eventbus.Bus, tasks TaskSource, spawn SubagentRunner, writer func(int) (*transcript.Writer, error), planPrompt, buildPrompt string) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:      logger,
		bus:         bus,
		tasks:       tasks,
		spawn:       spawn,
		writer:      writer,
		planPrompt:  planPrompt,
		buildPrompt: buildPrompt,
	}
}

// Start runs the loop in a background goroutine until Stop is called or
// MaxIterations is reached.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errkind.New(errkind.Conflict, "loopengine.Start", fmt.Errorf("loop already running"))
	}
	e.running = true
	e.mode = cfg.Mode
	e.iteration = 0
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx, cfg)
	return nil
}

// Stop requests the loop to exit after its current iteration and blocks
// until it has done so.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.mu.Unlock()
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context, cfg Config) {
	defer close(e.doneCh)
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info("ralph loop starting", "mode", cfg.Mode)
	iteration := 0
	for {
		if cfg.MaxIterations > 0 && iteration >= cfg.MaxIterations {
			e.logger.Info("ralph loop reached max iterations", "max", cfg.MaxIterations)
			return
		}
		select {
		case <-e.stopCh:
			e.logger.Info("ralph loop stopped", "iterations", iteration)
			return
		case <-ctx.Done():
			return
		default:
		}

		e.logger.Info("ralph loop iteration", "n", iteration+1)
		w, err := e.writer(iteration)
		if err != nil {
			e.logger.Warn("failed to open iteration transcript", "error", err)
		}

		var result IterationResult
		var iterErr error
		switch cfg.Mode {
		case ModePlan:
			result, iterErr = e.planIteration(ctx, w)
		default:
			result, iterErr = e.buildIteration(ctx, cfg, w)
		}
		if w != nil {
			_ = w.Close()
		}

		switch {
		case iterErr != nil:
			e.logger.Warn("ralph loop iteration failed", "n", iteration+1, "error", iterErr)
			e.publish("iteration-failed", map[string]any{"n": iteration + 1, "error": iterErr.Error()})
		case result == ResultNoTasksReady:
			e.logger.Info("no tasks ready, exiting loop")
			e.publish("loop-drained", nil)
			return
		case result == ResultValidationFailed:
			e.logger.Warn("validation failed, retrying next iteration")
			e.publish("validation-failed", map[string]any{"n": iteration + 1})
		default:
			e.publish("iteration-completed", map[string]any{"n": iteration + 1})
		}

		iteration++
		e.mu.Lock()
		e.iteration = iteration
		e.mu.Unlock()
	}
}

func (e *Engine) planIteration(ctx context.Context, w *transcript.Writer) (IterationResult, error) {
	recordEntry(w, transcript.RoleUser, e.planPrompt, nil)
	result, err := e.spawn(ctx, CategoryPlanner, e.planPrompt)
	if err != nil {
		return "", err
	}
	recordEntry(w, transcript.RoleSubagentSpawn, result.Output, strPtr(string(CategoryPlanner)))
	return ResultCompleted, nil
}

func (e *Engine) buildIteration(ctx context.Context, cfg Config, w *transcript.Writer) (IterationResult, error) {
	task, err := e.tasks.NextTask(ctx)
	if err != nil {
		return "", err
	}
	if task == nil {
		return ResultNoTasksReady, nil
	}
	e.logger.Info("working on task", "id", task.ID, "title", task.Title)

	searchOutputs := e.runParallelSearches(ctx, task, w)

	built, err := e.runBuilder(ctx, task, searchOutputs, w)
	if err != nil {
		return "", err
	}
	if !built {
		return ResultValidationFailed, nil
	}

	passed, err := e.runValidator(ctx, w)
	if err != nil {
		return "", err
	}
	if !passed {
		return ResultValidationFailed, nil
	}

	if err := e.tasks.CompleteTask(ctx, task.ID); err != nil {
		return "", err
	}
	e.logger.Info("task marked complete", "id", task.ID)

	if cfg.AutoCommit {
		if err := gitCommit(cfg.WorkDir, task.Title); err != nil {
			e.logger.Warn("git commit failed", "error", err)
		} else if cfg.AutoPush {
			if err := gitPush(cfg.WorkDir); err != nil {
				e.logger.Warn("git push failed", "error", err)
			}
		}
	}

	return ResultCompleted, nil
}

func (e *Engine) runParallelSearches(ctx context.Context, task *Task, w *transcript.Writer) []string {
	searches := []struct {
		category SubagentCategory
		prompt   string
	}{
		{CategorySearcher, fmt.Sprintf("Find existing implementations related to: %s", task.Title)},
		{CategorySearcher, fmt.Sprintf("Find tests related to: %s", task.Title)},
		{CategoryAnalyzer, fmt.Sprintf("Analyze the codebase structure relevant to: %s", task.Title)},
	}

	type outcome struct {
		idx    int
		result SubagentResult
		err    error
	}
	results := make([]outcome, len(searches))
	var wg sync.WaitGroup
	for i, s := range searches {
		wg.Add(1)
		go func(i int, category SubagentCategory, prompt string) {
			defer wg.Done()
			r, err := e.spawn(ctx, category, prompt)
			results[i] = outcome{idx: i, result: r, err: err}
		}(i, s.category, s.prompt)
	}
	wg.Wait()

	var outputs []string
	for i, o := range results {
		if o.err != nil {
			e.logger.Warn("search subagent failed", "error", o.err)
			continue
		}
		recordEntry(w, transcript.RoleSubagentSpawn, o.result.Output, strPtr(string(searches[i].category)))
		outputs = append(outputs, o.result.Output)
	}
	return outputs
}

func (e *Engine) runBuilder(ctx context.Context, task *Task, searchContext []string, w *transcript.Writer) (bool, error) {
	prompt := fmt.Sprintf("%s\n\n## Current Task\n\n**%s**: %s\n\n## Search Results\n\n%s",
		e.buildPrompt, task.Title, task.Description, strings.Join(searchContext, "\n\n---\n\n"))

	result, err := e.spawn(ctx, CategoryBuilder, prompt)
	if err != nil {
		return false, err
	}
	recordEntry(w, transcript.RoleSubagentSpawn, result.Output, strPtr(string(CategoryBuilder)))
	return result.Success, nil
}

// validatorReport is the structured shape a validator subagent is
// expected to emit; jsonrepair tolerates near-miss JSON (trailing
// commas, unquoted keys) before this unmarshal.
type validatorReport struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

func (e *Engine) runValidator(ctx context.Context, w *transcript.Writer) (bool, error) {
	const prompt = "Run the test suite and report results as JSON: {\"passed\": bool, \"detail\": string}."
	result, err := e.spawn(ctx, CategoryValidator, prompt)
	if err != nil {
		return false, err
	}
	recordEntry(w, transcript.RoleSubagentSpawn, result.Output, strPtr(string(CategoryValidator)))

	if !result.Success {
		return false, nil
	}
	return parseValidatorOutput(result.Output), nil
}

// parseValidatorOutput extracts a pass/fail verdict from an agent's
// free-form output, repairing near-miss JSON before falling back to a
// plain substring check for agents that never emit structured output.
func parseValidatorOutput(output string) bool {
	repaired, err := jsonrepair.JSONRepair(output)
	if err == nil {
		var report validatorReport
		if json.Unmarshal([]byte(repaired), &report) == nil {
			return report.Passed
		}
	}
	lower := strings.ToLower(output)
	return strings.Contains(lower, "passed") && !strings.Contains(lower, "failed")
}

func recordEntry(w *transcript.Writer, role transcript.Role, content string, toolName *string) {
	if w == nil {
		return
	}
	_ = w.Append(transcript.Entry{Role: role, Content: content, ToolName: toolName})
}

func strPtr(s string) *string { return &s }

func (e *Engine) publish(kind string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Category: eventbus.CategoryLoop, Kind: kind, ActorKind: eventbus.ActorSystem, Payload: payload})
}

func gitCommit(dir, message string) error {
	if err := runGit(dir, "add", "-A"); err != nil {
		return err
	}
	// `git diff --cached --quiet` exits 1 when there is staged output;
	// a clean tree (exit 0) means there is nothing to commit.
	if runGit(dir, "diff", "--cached", "--quiet") == nil {
		return nil
	}
	return runGit(dir, "commit", "-m", message)
}

func gitPush(dir string) error {
	if err := runGit(dir, "push"); err == nil {
		return nil
	}
	branch, err := exec.Command("git", "-C", dir, "branch", "--show-current").Output()
	if err != nil {
		return err
	}
	return runGit(dir, "push", "-u", "origin", strings.TrimSpace(string(branch)))
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	return cmd.Run()
}
