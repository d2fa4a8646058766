// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/control"
	"github.com/lazyaf/lazyaf/internal/engine/database"
	"github.com/lazyaf/lazyaf/internal/engine/debug"
	"github.com/lazyaf/lazyaf/internal/engine/events"
	"github.com/lazyaf/lazyaf/internal/engine/executor"
	"github.com/lazyaf/lazyaf/internal/engine/remote"
	"github.com/lazyaf/lazyaf/internal/engine/scheduler"
	"github.com/lazyaf/lazyaf/internal/engine/workspace"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/server"
	"github.com/lazyaf/lazyaf/internal/telemetry"
	"github.com/lazyaf/lazyaf/pkg/containers/service"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.NewConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting lazyaf engine")

	providers, err := telemetry.Init(&cfg.Telemetry)
	if err != nil {
		mainLog.Warn().Err(err).Msg("Telemetry init failed, continuing without export")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = providers.Shutdown(shutdownCtx)
		}()
	}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating database")
		os.Exit(1)
	}

	clk := clock.Real{}
	bus := events.NewBus()

	containers, err := service.NewServiceWithDockerHost(events.NewContainerPublisher(bus), cfg.Container.DockerHost)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to container runtime")
		os.Exit(1)
	}
	defer containers.Close()

	tokens, err := control.NewTokenManager(cfg.Engine.StepTokenSecret, cfg.Engine.StepTokenTTL, clk)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating step token manager")
		os.Exit(1)
	}

	workspaces := workspace.NewManager(db, containers, cfg, clk)
	ctl := control.NewService(db, bus, clk)
	registry := remote.NewRegistry(db, ctl, bus, &cfg.Engine, clk)
	router := executor.NewRouter(&cfg.Engine, registry)
	local := executor.NewLocalExecutor(db, containers, ctl, tokens, cfg, clk)
	remoteExec := remote.NewRemoteExecutor(db, registry, ctl, tokens, cfg, clk)
	sched := scheduler.New(db, bus, workspaces, router, local, remoteExec, ctl, cfg, clk)

	dbg := debug.NewService(db, bus, containers, cfg, clk)
	dbg.SetCanceller(sched)
	sched.SetBreakpointGate(dbg)

	socket := remote.NewSocketServer(registry, cfg.Server.AllowedOrigins)
	srv := server.New(&cfg.Server, db, bus, sched, ctl, tokens, dbg, socket)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Settle executions the previous process left in flight, then restart
	// their runs from persisted progress.
	resume, err := sched.RecoverOrphans(ctx)
	if err != nil {
		mainLog.Error().Err(err).Msg("Orphan recovery failed")
		os.Exit(1)
	}
	for _, runID := range resume {
		runID := runID
		go func() {
			if err := sched.RunPipeline(context.Background(), runID); err != nil {
				mainLog.Error().Err(err).Str("run_id", runID).Msg("Resumed run failed to settle")
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.RunSweepers(ctx)
		return nil
	})
	g.Go(func() error {
		registry.RunLivenessSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		dbg.RunExpirySweeper(ctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		// Stop accepting requests once the context is cancelled.
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		mainLog.Error().Err(err).Msg("Engine stopped with error")
		os.Exit(1)
	}
	mainLog.Info().Msg("Engine shut down")
}
