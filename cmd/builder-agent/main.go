// builder-agent bridges a conversational copilot client to a local
// code-generation CLI: it accepts query payloads over HTTP, drives builds
// through the CLI subprocess, and streams progress back as SSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/api"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/bus"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/config"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/orchestrator"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/prompt"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/runner"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/session"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/storage"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/telemetry"
)

// Version information - set via ldflags during build
var version = "0.1.0-dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "builder-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("builder-agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (overrides default locations)")
	bind := fs.String("bind", "", "address to bind the HTTP server")
	outputRoot := fs.String("output-root", "", "directory for generated app bundles")
	targetRepo := fs.String("target-repo", "", "workspace repository the build tool runs inside")
	logLevel := fs.String("log-level", "", "minimum log level (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("builder-agent %s\n", version)
		return nil
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *outputRoot != "" {
		cfg.Output.Root = *outputRoot
	}
	if *targetRepo != "" {
		cfg.Output.TargetRepo = *targetRepo
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Config problems are the only fatal startup errors. A missing CLI or
	// target repo degrades the service; the health endpoint reports it.
	resolvedRoot, err := cfg.EnsureOutputRoot()
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("open log dir: %w", err)
	}
	defer log.Close()
	log.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))

	if ok, msg := cfg.CheckTool(); ok {
		log.Info(logging.CategoryConfig, "tool_check", "", msg, nil)
	} else {
		log.Warn(logging.CategoryConfig, "tool_check", "", msg, nil)
	}
	if ok, msg, _ := cfg.CheckTargetRepo(); ok {
		log.Info(logging.CategoryConfig, "repo_check", "", msg, nil)
	} else {
		log.Warn(logging.CategoryConfig, "repo_check", "", msg, nil)
	}

	tracer, err := telemetry.NewTracerProvider("builder-agent")
	if err != nil {
		log.Warn(logging.CategoryConfig, "tracing_init_failed", "", err.Error(), nil)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	eventBus, err := bus.New(bus.Config{URL: cfg.Bus.NATSURL, Name: "builder-agent"})
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer eventBus.Close()

	var history *storage.Store
	if cfg.History.Path != "" {
		history, err = storage.New(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open build history: %w", err)
		}
		defer history.Close()
	}

	sessions := session.NewStore(filepath.Join(resolvedRoot, ".sessions"))
	runr := runner.New(runner.Options{
		Binary:          cfg.FindToolBinary(),
		WorkingDir:      cfg.ResolvedTargetRepo(),
		Timeout:         cfg.Tool.Timeout,
		GracePeriod:     cfg.Tool.GracePeriod,
		SkipPermissions: cfg.Tool.SkipPermissions,
	}, log)

	orch := orchestrator.New(orchestrator.Options{
		Sessions:   sessions,
		Runner:     runr,
		Prompts:    &prompt.Builder{TargetRepo: cfg.ResolvedTargetRepo()},
		History:    history,
		Bus:        eventBus,
		Log:        log,
		OutputRoot: resolvedRoot,
		WorkDir:    cfg.ResolvedTargetRepo(),
	})

	hub := api.NewHub()
	if err := hub.AttachBus(eventBus); err != nil {
		log.Warn(logging.CategoryServer, "hub_attach_failed", "", err.Error(), nil)
	}
	defer hub.Close()

	server := api.New(api.Options{
		Config:       cfg,
		Orchestrator: orch,
		Sessions:     sessions,
		History:      history,
		Hub:          hub,
		Log:          log,
		Version:      version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		if n := orch.TerminateAll(); n > 0 {
			log.Info(logging.CategoryServer, "shutdown_terminated_builds", "", fmt.Sprintf("%d builds stopped", n), nil)
		}
		return nil
	})

	return g.Wait()
}
