package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"library-lending/library"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Scan once for overdue loans and report them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sweeper := a.mgr.Sweeper()
			sweeper.Subscribe(library.LogSink{Logger: a.logger})
			if a.out.json {
				sweeper.Subscribe(library.NewJSONSink(a.out.out))
			}
			res := sweeper.ScanOnce(cmd.Context())
			if res.Err != nil {
				return res.Err
			}
			if a.out.json {
				return nil
			}
			return a.out.value(res, "Scan %s: %d overdue, %d notices delivered, %d failed.",
				res.ScanID, res.Matched, res.Notified, res.Failed)
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the overdue sweeper and expose metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.handleServe(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.DurationVar(&a.cfg.SweepInterval, "interval", a.cfg.SweepInterval, "time between sweeps (LIBRARY_SWEEP_INTERVAL)")
	f.StringVar(&a.cfg.MetricsAddr, "metrics-addr", a.cfg.MetricsAddr, "listen address for /metrics; empty disables (LIBRARY_METRICS_ADDR)")
	f.StringSliceVar(&a.cfg.KafkaBrokers, "kafka-brokers", a.cfg.KafkaBrokers, "publish notices to these brokers (LIBRARY_KAFKA_BROKERS)")
	f.StringVar(&a.cfg.KafkaTopic, "kafka-topic", a.cfg.KafkaTopic, "topic for overdue notices (LIBRARY_KAFKA_TOPIC)")
	return cmd
}

func (a *app) handleServe(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := a.logger
	sweeper := a.mgr.Sweeper()
	sweeper.Subscribe(library.LogSink{Logger: logger})

	if len(a.cfg.KafkaBrokers) > 0 {
		kafka := library.NewKafkaSink(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Error("closing kafka writer", "error", err)
			}
		}()
		sweeper.Subscribe(kafka)
		logger.Info("publishing overdue notices", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaTopic)
	}

	errCh := make(chan error, 1)

	var server *http.Server
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "ok",
				"sweep":  sweeper.State().String(),
			})
		})
		server = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server starting", "addr", a.cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	sweepDone := make(chan error, 1)
	go func() {
		sweepDone <- sweeper.Run(ctx)
	}()

	logger.Info("lending service running", "db", a.cfg.DBPath, "sweep_interval", a.cfg.SweepInterval)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("service error", "error", runErr)
	}
	cancel()
	if err := <-sweepDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweeper stopped", "error", err)
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
	}

	logger.Info("lending service stopped")
	return runErr
}
