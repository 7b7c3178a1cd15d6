package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/eveguard/internal/adapters/output"
	"github.com/xoelrdgz/eveguard/internal/adapters/rpc"
	"github.com/xoelrdgz/eveguard/internal/app"
	"github.com/xoelrdgz/eveguard/internal/ports"
)

var agentOnce bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Score recent alerts periodically and block threats",
	Long: `Spawn the tool server, fetch recent alerts every check interval, score
them per source address and block addresses that cross a threshold.

Examples:
  eveguard agent
  eveguard agent --config ./configs/eveguard.yaml
  eveguard agent --once`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().BoolVar(&agentOnce, "once", false, "run a single pass, print the report and exit")
}

// processConfig derives the child command; an empty command means this binary.
func processConfig(cfg app.Config) rpc.ProcessConfig {
	pc := rpc.DefaultProcessConfig()
	if cfg.Transport.Command != "" {
		pc.Command = cfg.Transport.Command
	}
	pc.Args = cfg.Transport.Args
	pc.Timeout = cfg.Transport.Timeout
	pc.ClientVersion = Version
	if cfgFile != "" {
		pc.Args = append(pc.Args, "--config", cfgFile)
	}
	pc.Env = append(pc.Env, app.EnvPrefix+"_EVE_PATH="+cfg.Eve.Path)
	return pc
}

func openRecorders(cfg app.Config) ([]ports.ActionRecorder, *output.ActionStore, error) {
	var recorders []ports.ActionRecorder

	actionLog, err := output.NewActionLog(cfg.Actions.LogPath)
	if err != nil {
		return nil, nil, err
	}
	recorders = append(recorders, actionLog)

	var store *output.ActionStore
	if cfg.Actions.DBPath != "" {
		storeConfig := output.DefaultActionStoreConfig()
		storeConfig.DBPath = cfg.Actions.DBPath
		store, err = output.NewActionStore(storeConfig)
		if err != nil {
			actionLog.Close()
			return nil, nil, err
		}
		recorders = append(recorders, store)
	}

	if cfg.Actions.WebhookURL != "" {
		webhook, err := output.NewWebhook(output.DefaultWebhookConfig(cfg.Actions.WebhookURL))
		if err != nil {
			log.Warn().Err(err).Msg("Webhook disabled")
		} else {
			recorders = append(recorders, webhook)
		}
	}
	return recorders, store, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := rpc.Spawn(ctx, processConfig(cfg))
	if err != nil {
		return errors.Wrap(err, "start tool server")
	}
	defer client.Close()
	tools := rpc.NewTools(client)

	recorders, store, err := openRecorders(cfg)
	if err != nil {
		return err
	}

	coordinator := app.NewCoordinator(tools, app.CoordinatorConfig{
		AutoBlock: cfg.Agent.AutoBlock,
		BlockRate: cfg.Agent.BlockRate,
	}, recorders...)
	defer func() {
		if err := coordinator.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing action recorders")
		}
	}()

	agent := app.NewAgent(tools, coordinator, cfg.Rules(), app.AgentConfig{
		CheckInterval: cfg.Agent.CheckInterval,
		FetchCount:    cfg.Agent.FetchCount,
	})

	if agentOnce {
		report := agent.RunPass(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	metrics := output.NewPrometheusMetrics("eveguard")
	metrics.GaugeFunc("blocked_addresses", "Addresses blocked by this process", func() float64 {
		return float64(coordinator.Blocked().Len())
	})
	coordinator.SetObserver(metrics)
	agent.SetObserver(metrics)

	hot := app.NewHotReloadConfig(viper.GetViper(), cfg, func(c app.Config) {
		agent.SetRules(c.Rules())
		coordinator.SetAutoBlock(c.Agent.AutoBlock)
	})
	hot.StartWatching()
	defer hot.Stop()

	if cfg.HTTP.Enabled {
		api := &output.API{
			History: agent.History(),
			Blocked: coordinator.Blocked(),
			Health:  output.NewHealthChecker(agent.IsRunning, agent.History(), output.DefaultHealthCheckerConfig(cfg.Agent.CheckInterval)),
			Metrics: metrics,
		}
		if store != nil {
			api.Actions = store
		}
		server := output.NewStatusServer(cfg.HTTP.Addr, api)
		if err := server.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start status server")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Stop(shutdownCtx)
			}()
		}
	}

	if err := agent.Start(ctx); err != nil {
		return err
	}

	go func() {
		select {
		case <-client.Done():
			log.Error().Msg("Tool server exited, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	agent.WaitForSignal(ctx)
	log.Info().Msg("Shutting down...")
	return nil
}
