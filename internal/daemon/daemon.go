package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/descartes-run/descartes/internal/config"
	"github.com/descartes-run/descartes/internal/eventbus"
	"github.com/descartes-run/descartes/internal/lease"
	"github.com/descartes-run/descartes/internal/loopengine"
	"github.com/descartes-run/descartes/internal/rpc"
	"github.com/descartes-run/descartes/internal/runtime"
	"github.com/descartes-run/descartes/internal/store"
	"github.com/descartes-run/descartes/internal/transcript"
	"github.com/descartes-run/descartes/internal/workflow"
)

// Daemon owns every long-lived Descartes component and the ordered
// startup/shutdown sequence between them. Grounded on the teacher's
// cmd/thane main.go: open stores first, wire engines that depend on
// them next, start listeners last, and reverse the order on shutdown.
type Daemon struct {
	logger *slog.Logger
	cfg    *config.Config
	lock   *Lock

	Store      *store.Store
	Bus        *eventbus.Bus
	Leases     *lease.Manager
	Runtime    *runtime.Supervisor
	Workflow   *workflow.Engine
	LoopEngine *loopengine.Engine
	Attach     *rpc.AttachTokens

	socketServer *rpc.SocketServer
	httpServer   *http.Server
	registry     *prometheus.Registry

	startedAt  time.Time
	shutdownFn context.CancelFunc
}

// New wires all components per cfg but starts nothing yet.
func New(logger *slog.Logger, cfg *config.Config) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Workspace.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	lockPath := filepath.Join(cfg.Workspace.Path, "daemon.lock")
	lk, err := Acquire(lockPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Workspace.StatePath, logger)
	if err != nil {
		lk.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	bus := eventbus.New(1024)
	registry.MustRegister(bus.Collector())

	leases := lease.New(logger, leasePersister{st: st}, time.Duration(cfg.Lease.SweepIntervalSec)*time.Second)

	sup := runtime.New(logger, bus, agentPersistFunc(st), time.Duration(cfg.Runtime.GraceSeconds)*time.Second)

	categoryCommands := make(map[string][]string, len(cfg.Categories))
	categoryPolicies := make(map[string]runtime.CategoryPolicy, len(cfg.Categories))
	for _, c := range cfg.Categories {
		if c.Command != "" {
			categoryCommands[c.Name] = []string{"/bin/sh", "-c", c.Command}
		}
		categoryPolicies[c.Name] = runtime.CategoryPolicy{Parallel: c.Parallel, Backpressure: c.Backpressure}
	}
	sup.SetCategoryPolicies(categoryPolicies)

	wfEngine := workflow.New(logger, bus, workflowStore{st: st}, workflowStageRunner(sup, categoryCommands), nil)

	planPrompt, buildPrompt := loadPrompt(cfg.Workspace.Path, "plan.md"), loadPrompt(cfg.Workspace.Path, "build.md")
	loopEngine := loopengine.New(
		logger, bus, taskSource{st: st, sessionID: "default"},
		runtimeSubagentRunner(sup, categoryCommands),
		iterationTranscriptWriter(cfg.Workspace.TranscriptsDir),
		planPrompt, buildPrompt,
	)

	d := &Daemon{
		logger:     logger,
		cfg:        cfg,
		lock:       lk,
		Store:      st,
		Bus:        bus,
		Leases:     leases,
		Runtime:    sup,
		Workflow:   wfEngine,
		LoopEngine: loopEngine,
		Attach:     rpc.NewAttachTokens(),
		registry:   registry,
		startedAt:  time.Now(),
	}
	return d, nil
}

// reapOrphans looks for agents the store still lists as running after
// an unclean previous shutdown, checks whether their recorded PID is
// actually alive via gopsutil, and marks the dead ones terminated so
// they stop blocking leases and ready-task computation.
func (d *Daemon) reapOrphans(ctx context.Context) error {
	running, err := d.Store.ListAgentsByState(store.AgentRunning)
	if err != nil {
		return err
	}
	for _, a := range running {
		alive, _ := process.PidExistsWithContext(ctx, int32(a.PID))
		if alive {
			continue
		}
		d.logger.Warn("reaping orphaned agent record", "agent", a.ID, "pid", a.PID)
		_ = d.Store.TransitionAgent(a.ID, a.Version, store.AgentTerminated, "orphan reaped on startup")
	}
	return nil
}

// Serve starts the RPC socket and event-stream/attach HTTP listeners
// and blocks until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := d.reapOrphans(ctx); err != nil {
		d.logger.Warn("orphan reap failed", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.shutdownFn = cancel
	defer cancel()

	mux := rpc.NewMux()
	rpc.RegisterSystemMethods(mux, d.registry, func() (string, map[string]string) {
		return time.Since(d.startedAt).String(), nil
	})
	d.registerControlMethods(mux)
	d.socketServer = rpc.NewSocketServer(d.logger, mux, d.cfg.Listen.Socket)

	httpMux := http.NewServeMux()
	httpMux.Handle("GET /events", rpc.NewEventStreamHandler(d.logger, d.Bus))
	httpMux.Handle("GET /attach/{id}", rpc.NewAttachHandler(d.logger, func(id string) (rpc.AgentAttachment, bool) {
		return d.Runtime.Get(id)
	}, d.Attach))
	d.httpServer = &http.Server{Addr: d.cfg.Listen.EventStreamAddress, Handler: httpMux}

	errCh := make(chan error, 2)
	go func() { errCh <- d.socketServer.Serve(ctx) }()
	go func() {
		d.logger.Info("event stream listening", "address", d.cfg.Listen.EventStreamAddress)
		err := d.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	<-ctx.Done()
	return d.shutdown()
}

// RequestShutdown triggers the same ordered shutdown Serve performs on
// SIGINT/SIGTERM, for the system.shutdown RPC method. A no-op before
// Serve has installed its cancel function.
func (d *Daemon) RequestShutdown() {
	if d.shutdownFn != nil {
		d.shutdownFn()
	}
}

func (d *Daemon) shutdown() error {
	d.logger.Info("descartes daemon shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}
	if d.socketServer != nil {
		_ = d.socketServer.Close()
	}
	d.Workflow.Shutdown()
	d.LoopEngine.Stop()
	d.Leases.Close()
	_ = d.Store.Close()
	_ = d.lock.Release()
	return nil
}

// iterationTranscriptWriter opens one transcript file per loop-engine
// iteration under dir, session-identified by iteration number.
func iterationTranscriptWriter(dir string) func(int) (*transcript.Writer, error) {
	return func(iteration int) (*transcript.Writer, error) {
		return transcript.Open(dir, transcript.Metadata{
			SessionID: fmt.Sprintf("loop-iteration-%04d", iteration),
			Backend:   "ralph-loop",
		})
	}
}

// loadPrompt reads <workspaceDir>/prompts/<name>, returning an empty
// string (not an error) when no override file exists, matching the
// original's prompts_dir-with-fallback lookup; the loop engine simply
// sends an empty system prompt to the subagent in that case.
func loadPrompt(workspaceDir, name string) string {
	data, err := os.ReadFile(filepath.Join(workspaceDir, "prompts", name))
	if err != nil {
		return ""
	}
	return string(data)
}
