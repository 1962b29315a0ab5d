// chainhookd ingests Stacks node event payloads, tracks canonical and
// orphaned chain segments across base-layer reorgs, and republishes
// normalized chain events over REST status and WebSocket streams.
//
// Provides REST/WebSocket ingress, a checkpointed resume cursor, rate
// limiting, and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hirosystems/chainhook-indexer/internal/logger"
	"github.com/hirosystems/chainhook-indexer/pkg/api"
	"github.com/hirosystems/chainhook-indexer/pkg/checkpoint"
	"github.com/hirosystems/chainhook-indexer/pkg/config"
	"github.com/hirosystems/chainhook-indexer/pkg/limiter"
	"github.com/hirosystems/chainhook-indexer/pkg/metrics"
	"github.com/hirosystems/chainhook-indexer/pkg/pool"

	"github.com/spf13/cobra"
)

var (
	// Version info (set by build)
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chainhookd",
	Short: "Stacks chain event indexer",
	Long: `chainhookd tracks canonical and orphaned Stacks chain segments
across base-layer reorgs and republishes normalized chain events over
REST and WebSocket.`,
	Run: runDaemon,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) {
	log := logger.NewLogger(logLevel)
	log.WithFields(logger.Fields{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
	}).Info("starting chainhookd")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	log.WithFields(logger.Fields{
		"api_port":            cfg.API.Port,
		"metrics_port":        cfg.Metrics.Port,
		"checkpoint_dsn":      cfg.Checkpoint.DSN,
		"rate_limit_enabled":  cfg.RateLimiter.Enabled,
		"seed_from_checkpoint": cfg.Pool.SeedFromCheckpointOnStart,
	}).Info("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Metrics exporter
	metricsExporter := metrics.NewExporter(cfg.Metrics.Port)
	if cfg.Metrics.Enabled {
		go func() {
			log.WithField("port", cfg.Metrics.Port).Info("starting metrics server")
			if err := metricsExporter.Start(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("metrics server failed")
			}
		}()
	}

	// 2. Rate limiter
	rateLimiter := limiter.NewRateLimiter(cfg.RateLimiter, log)
	log.Info("rate limiter initialized")

	// 3. Checkpoint store (sqlite resume cursor + confirmed-block ledger)
	cp, err := checkpoint.Open(cfg.Checkpoint.DSN, cfg.Checkpoint.RetainCheckpoints, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open checkpoint store")
	}
	defer cp.Close()
	log.Info("checkpoint store initialized")

	// 4. Fork-tracking pool
	blockPool := pool.New(log, cfg.Pool)

	if cfg.Pool.SeedFromCheckpointOnStart {
		latest, found, err := cp.LatestCheckpoint()
		if err != nil {
			log.WithError(err).Fatal("failed to read latest checkpoint")
		}
		if found {
			seedBlocks, err := cp.ConfirmedBlocksSince(0)
			if err != nil {
				log.WithError(err).Fatal("failed to read confirmed blocks for seeding")
			}
			if err := blockPool.Seed(seedBlocks); err != nil {
				log.WithError(err).Fatal("failed to seed pool from checkpoint")
			}
			log.WithFields(logger.Fields{
				"base_anchor_height": latest.BaseAnchor.Index,
				"stacks_tip_height":  latest.StacksTip.Index,
				"seeded_blocks":      len(seedBlocks),
			}).Info("pool seeded from checkpoint")
		} else {
			log.Info("no checkpoint found, starting from genesis")
		}
	}

	// 5. Ingress API server
	apiServer := api.NewServer(cfg.API, rateLimiter, blockPool, cp, log)
	go func() {
		log.WithField("port", cfg.API.Port).Info("starting ingress API server")
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("ingress API server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("chainhookd is running. Press Ctrl+C to stop.")

	<-sigCh
	log.Info("received shutdown signal, stopping daemon...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown error")
	}
	if err := metricsExporter.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics server shutdown error")
	}

	log.Info("daemon stopped gracefully")
}
