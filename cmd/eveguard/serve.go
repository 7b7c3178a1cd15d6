package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xoelrdgz/eveguard/internal/adapters/firewall"
	"github.com/xoelrdgz/eveguard/internal/adapters/input"
	"github.com/xoelrdgz/eveguard/internal/adapters/output"
	"github.com/xoelrdgz/eveguard/internal/adapters/toolserver"
	"github.com/xoelrdgz/eveguard/internal/domain"
)

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool server on stdin/stdout",
	Long: `Follow eve.json into an in-memory history and answer newline-delimited
JSON-RPC requests on stdin/stdout. Normally spawned by "eveguard agent".

Examples:
  eveguard serve --eve /var/log/suricata/eve.json
  eveguard serve --metrics-addr 127.0.0.1:9091`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve /metrics and /ready on this address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history := domain.NewAlertRingBuffer(cfg.Eve.History)

	followerConfig := input.DefaultFollowerConfig(cfg.Eve.Path)
	followerConfig.Backfill = cfg.Eve.Backfill
	follower := input.NewFollower(followerConfig, input.NewEveParser(), history)

	if serveMetricsAddr != "" {
		metrics := output.NewPrometheusMetrics("eveguard_serve")
		metrics.GaugeFunc("alerts_retained", "Alerts held in memory", func() float64 { return float64(history.Len()) })
		metrics.GaugeFunc("alerts_seen", "Alerts appended since start", func() float64 { return float64(history.Total()) })
		follower.SetObserver(metrics)

		health := output.NewHealthChecker(follower.IsRunning, nil, output.HealthCheckerConfig{CheckInterval: time.Second})
		server := output.NewStatusServer(serveMetricsAddr, &output.API{Health: health, Metrics: metrics})
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Stop(shutdownCtx)
		}()
	}

	if err := follower.Start(ctx); err != nil {
		return err
	}
	defer follower.Stop()

	fw := firewall.NewIPTables(firewall.IPTablesConfig{
		Sudo:   cfg.Firewall.Sudo,
		DryRun: cfg.Firewall.DryRun,
		Chain:  firewall.DefaultIPTablesConfig().Chain,
	})

	log.Info().
		Str("eve", cfg.Eve.Path).
		Int("backfill", cfg.Eve.Backfill).
		Int("history", cfg.Eve.History).
		Bool("dry_run", cfg.Firewall.DryRun).
		Msg("EveGuard tool server started")

	srv := toolserver.New(history, fw, Version)
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
