package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"msgline/internal/infra/config"
	"msgline/internal/infra/logger"
	"msgline/internal/infra/tracer"
)

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	// 1. Config
	cfg, err := config.Load(opts.configFile())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Runtime (cache, store, pipeline, channel, scheduler, feed)
	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 4. Start
	if err := rt.Start(ctx); err != nil {
		return err
	}

	log.Info("msgline starting",
		"version", version,
		"channels", len(rt.channels),
		"media_cache", cfg.MediaCache.Backend,
		"store", rt.store != nil,
		"scheduler", rt.scheduler != nil,
		"feed", rt.feed != nil,
	)

	<-ctx.Done()
	log.Info("msgline shutting down")
	return nil
}
