// Package main is the entry point for the Descartes daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/descartes-run/descartes/internal/buildinfo"
	"github.com/descartes-run/descartes/internal/config"
	"github.com/descartes-run/descartes/internal/daemon"
	"github.com/descartes-run/descartes/internal/errkind"
)

var configPath string

// Exit codes the daemon reports on process exit, per the documented
// process contract: 0 clean shutdown, 1 configuration error, 2 lock
// contention (another daemon already owns the workspace), 3 storage
// error.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitLockContention = 2
	exitStorageError   = 3
)

// exitCodeForServeErr maps a daemon startup/serve failure to one of the
// documented exit codes via its errkind.Kind, defaulting to a
// configuration-error exit for anything not already tagged.
func exitCodeForServeErr(err error) int {
	switch errkind.KindOf(err) {
	case errkind.Conflict:
		return exitLockContention
	case errkind.IO:
		return exitStorageError
	default:
		return exitConfigError
	}
}

type exitCodeErr struct {
	code int
	err  error
}

func (e *exitCodeErr) Error() string { return e.err.Error() }
func (e *exitCodeErr) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := exitConfigError
		var ce *exitCodeErr
		if errors.As(err, &ce) {
			code = ce.code
		}
		os.Exit(code)
	}
}

var rootCmd = &cobra.Command{
	Use:   "descartesd",
	Short: "Descartes orchestrates long-running LLM-agent workloads over a durable state store.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd, versionCmd, lockStatusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the descartes daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

		cfgPath, err := config.FindConfig(configPath)
		if err != nil {
			return &exitCodeErr{code: exitConfigError, err: err}
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return &exitCodeErr{code: exitConfigError, err: fmt.Errorf("load config %s: %w", cfgPath, err)}
		}

		if cfg.LogLevel != "" {
			level, err := config.ParseLogLevel(cfg.LogLevel)
			if err != nil {
				return &exitCodeErr{code: exitConfigError, err: fmt.Errorf("invalid log_level: %w", err)}
			}
			logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level:       level,
				ReplaceAttr: config.ReplaceLogLevelNames,
			}))
		}

		logger.Info("starting descartesd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

		d, err := daemon.New(logger, cfg)
		if err != nil {
			wrapped := fmt.Errorf("initialize daemon: %w", err)
			return &exitCodeErr{code: exitCodeForServeErr(err), err: wrapped}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info("shutdown signal received")
			cancel()
		}()

		if err := d.Serve(ctx); err != nil {
			wrapped := fmt.Errorf("daemon serve: %w", err)
			return &exitCodeErr{code: exitCodeForServeErr(err), err: wrapped}
		}
		logger.Info("descartesd stopped")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return nil
	},
}

var lockStatusCmd = &cobra.Command{
	Use:   "lock-status",
	Short: "Report whether a daemon currently holds this workspace's lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, err := config.FindConfig(configPath)
		if err != nil {
			return err
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		lockPath := cfg.Workspace.Path + "/daemon.lock"
		lk, err := daemon.Acquire(lockPath)
		if err != nil {
			fmt.Printf("locked: %s is held by another daemon\n", lockPath)
			return nil
		}
		defer lk.Release()
		fmt.Printf("free: %s is not currently held\n", lockPath)
		return nil
	},
}
