package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/mirrorfs/internal/logger"
	"github.com/marmos91/mirrorfs/pkg/config"
	"github.com/marmos91/mirrorfs/pkg/healer"
	"github.com/marmos91/mirrorfs/pkg/volume"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var readyTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build the volume and run it until interrupted",
	Long: `serve builds the translator graph, brings it up, and keeps it running
with the self-heal daemon and the metrics endpoint until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 30*time.Second,
		"how long to wait for the first subvolume to come up")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("mirrorfs - stackable replicated file system")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// ========================================================================
	// Step 1: Build and start the volume
	// ========================================================================

	m := config.InitializeMetrics(cfg)

	vol, err := config.BuildVolume(ctx, cfg, m.Heal)
	if err != nil {
		return err
	}
	defer func() {
		if err := vol.Stop(); err != nil {
			logger.Error("Volume shutdown error: %v", err)
		}
	}()

	vol.Mount().Subscribe(func(up bool) {
		if up {
			logger.Info("Volume %s is up", vol.Top().Name())
		} else {
			logger.Warn("Volume %s is down", vol.Top().Name())
		}
	})
	vol.Start()

	if err := waitReady(ctx, vol); err != nil {
		return err
	}

	// ========================================================================
	// Step 2: Start the background services
	// ========================================================================

	var daemon *healer.Daemon
	if cfg.Heal.Enabled {
		targets, err := config.HealTargets(cfg, vol)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			logger.Warn("Self-heal enabled but the volume has no %s node", replicate.Type)
		} else {
			daemon = healer.New(targets, healer.Options{
				Interval:    cfg.Heal.Interval,
				Concurrency: cfg.Heal.Concurrency,
				OnChildUp:   cfg.Heal.OnChildUp,
			}, m.Crawl)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// The group lives until shutdown even with no service enabled
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if m.Server != nil {
		g.Go(func() error {
			return m.Server.Start(gctx)
		})
	}

	if daemon != nil {
		g.Go(func() error {
			return daemon.Run(gctx)
		})
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- g.Wait()
	}()

	// ========================================================================
	// Step 3: Wait for a signal
	// ========================================================================

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Volume %s is running. Press Ctrl+C to stop.", vol.Top().Name())

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		select {
		case err := <-serverDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
		case <-time.After(cfg.Server.ShutdownTimeout):
			logger.Warn("Background services did not stop within %s", cfg.Server.ShutdownTimeout)
		}
		logger.Info("Stopped gracefully")
		return nil

	case err := <-serverDone:
		if err != nil {
			return err
		}
		logger.Info("Stopped")
		return nil
	}
}

func waitReady(ctx context.Context, vol *volume.Volume) error {
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	if err := vol.WaitReady(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no subvolume came up within %s: %w", readyTimeout, err)
		}
		return err
	}
	return nil
}
