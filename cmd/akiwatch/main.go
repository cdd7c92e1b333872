// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command akiwatch is the AKI alerting service: it consumes HL7 v2
// messages over a persistent MLLP connection, maintains a durable
// per-patient medical record, classifies every new lab result and pages
// on every AKI-positive prediction.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhsaki/akiwatch/internal/supervisor"
	"github.com/nhsaki/akiwatch/pkg/logging"
	"github.com/nhsaki/akiwatch/pkg/metrics"
	"github.com/nhsaki/akiwatch/pkg/mllp"
	"github.com/nhsaki/akiwatch/pkg/netaddr"
	"github.com/nhsaki/akiwatch/pkg/pager"
	"github.com/nhsaki/akiwatch/pkg/predictor"
	"github.com/nhsaki/akiwatch/pkg/store"
)

// config holds every flag/env-resolved setting, assembled once at
// startup rather than read from globals at each call site.
type config struct {
	historyPath    string
	debug          bool
	mllpAddress    string
	pagerAddress   string
	dbPath         string
	pagerQueuePath string
	modelPath      string
	metricsPort    string
}

var cfg config

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("akiwatch: %v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "akiwatch",
	Short: "Real-time AKI alerting service",
	Long: `akiwatch consumes HL7 v2 messages framed in MLLP, maintains a
durable per-patient medical record, computes derived creatinine features
per lab result, classifies AKI risk with a pre-trained model, and pages
on every positive prediction.`,
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.historyPath, "history", envOr("HISTORY_PATH", "data/history.csv"), "CSV bootstrap history path")
	flags.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flags.StringVar(&cfg.mllpAddress, "mllp-address", envOr("MLLP_ADDRESS", "0.0.0.0:8440"), "MLLP upstream address")
	flags.StringVar(&cfg.pagerAddress, "pager-address", envOr("PAGER_ADDRESS", "0.0.0.0:8441"), "pager service address")
	flags.StringVar(&cfg.dbPath, "db-path", envOr("AKIWATCH_DB_PATH", "/state/database.db"), "Badger snapshot directory")
	flags.StringVar(&cfg.pagerQueuePath, "pager-queue-path", envOr("AKIWATCH_PAGER_QUEUE_PATH", "/state/pager.pkl"), "pager queue file path")
	flags.StringVar(&cfg.modelPath, "model-path", envOr("AKIWATCH_MODEL_PATH", "/state/model.json"), "predictor artifact path")
	flags.StringVar(&cfg.metricsPort, "metrics-port", envOr("METRICS_PORT", "8000"), "metrics HTTP port")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(cfg.debug)
	slog.Info("akiwatch: starting", "mllp", cfg.mllpAddress, "pager", cfg.pagerAddress)

	model, err := predictor.Load(cfg.modelPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	patientStore, err := store.Open(cfg.dbPath, cfg.historyPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	defer patientStore.Close()
	slog.Info("akiwatch: store ready", "loaded_from_disk_or_csv", patientStore.Loaded())

	pagerHost, pagerPort, err := netaddr.SplitHostPort(cfg.pagerAddress)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	dispatcher, err := pager.Open(pagerHost, pagerPort, cfg.pagerQueuePath, nil)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	defer dispatcher.Close()

	mllpHost, mllpPort, err := netaddr.SplitHostPort(cfg.mllpAddress)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	transport := mllp.New(mllpHost, mllpPort)

	registry := metrics.New()
	sup := supervisor.New(transport, patientStore, model, dispatcher, registry)
	if cfg.debug {
		sup.EnableDebugCapture()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{
		Addr:    ":" + cfg.metricsPort,
		Handler: registry.NewServer(cfg.debug),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("akiwatch: metrics server listening", "port", cfg.metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := sup.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-gctx.Done()
		return shutdown(sup, transport, patientStore, dispatcher, metricsServer)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	slog.Info("akiwatch: clean shutdown")
	return nil
}

// shutdown implements the SIGINT/SIGTERM handler contract: persist the
// store, close the MLLP socket (releasing any in-flight read_frame) and
// flush the pager queue, then let the HTTP server drain.
func shutdown(sup *supervisor.Supervisor, transport *mllp.Transport, patientStore *store.Store, dispatcher *pager.Dispatcher, metricsServer *http.Server) error {
	slog.Info("akiwatch: shutting down")
	sup.LogDebugSummary()

	if err := patientStore.Persist(); err != nil {
		slog.Error("akiwatch: persist on shutdown failed", "error", err)
	}
	if err := transport.Close(); err != nil {
		slog.Error("akiwatch: closing mllp transport failed", "error", err)
	}
	if err := dispatcher.Close(); err != nil {
		slog.Error("akiwatch: flushing pager queue failed", "error", err)
	}
	return metricsServer.Shutdown(context.Background())
}
