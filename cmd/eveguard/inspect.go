package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xoelrdgz/eveguard/internal/adapters/output"
	"github.com/xoelrdgz/eveguard/internal/adapters/rpc"
	"github.com/xoelrdgz/eveguard/internal/domain"
)

var (
	actionsLimit int
	actionsJSON  bool
)

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List recorded block actions",
	Long: `List block actions, newest first. Reads the action store when it is
available and falls back to the action log file.`,
	RunE: runActions,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Call the tool server directly",
	Long: `Spawn the tool server and call one of its tools. Useful to check what the
agent sees.

Examples:
  eveguard tools list
  eveguard tools stats
  eveguard tools search 10.0.0.5
  eveguard tools inject --ip 203.0.113.9
  eveguard tools resource suricata://blocked_ips`,
}

var injectArgs rpc.InjectArgs

func init() {
	actionsCmd.Flags().IntVarP(&actionsLimit, "limit", "n", 20, "number of actions to show")
	actionsCmd.Flags().BoolVar(&actionsJSON, "json", false, "print JSON lines")

	toolsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available tools",
		Args:  cobra.NoArgs,
		RunE: withTools(func(ctx context.Context, tools *rpc.Tools, args []string) (any, error) {
			return tools.ListTools(ctx)
		}),
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Alert statistics",
		Args:  cobra.NoArgs,
		RunE: withTools(func(ctx context.Context, tools *rpc.Tools, args []string) (any, error) {
			return tools.GetAlertStats(ctx)
		}),
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "search <query>",
		Short: "Search alerts by address or signature",
		Args:  cobra.ExactArgs(1),
		RunE: withTools(func(ctx context.Context, tools *rpc.Tools, args []string) (any, error) {
			return tools.SearchAlerts(ctx, args[0])
		}),
	})
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "resource <uri>",
		Short: "Read a resource",
		Args:  cobra.ExactArgs(1),
		RunE: withTools(func(ctx context.Context, tools *rpc.Tools, args []string) (any, error) {
			text, err := tools.ReadResource(ctx, args[0])
			if err != nil || text == "" {
				return nil, err
			}
			return json.RawMessage(text), nil
		}),
	})

	injectCmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject a synthetic alert, then print the recent alerts",
		Args:  cobra.NoArgs,
		RunE: withTools(func(ctx context.Context, tools *rpc.Tools, args []string) (any, error) {
			if _, err := tools.InjectTestAlert(ctx, injectArgs); err != nil {
				return nil, err
			}
			return tools.GetRecentAlerts(ctx, 10)
		}),
	}
	injectCmd.Flags().StringVar(&injectArgs.IP, "ip", "", "source address")
	injectCmd.Flags().StringVar(&injectArgs.Signature, "signature", "", "signature text")
	injectCmd.Flags().IntVar(&injectArgs.Severity, "severity", 0, "severity 1-3")
	toolsCmd.AddCommand(injectCmd)
}

type toolCall func(ctx context.Context, tools *rpc.Tools, args []string) (any, error)

// withTools spawns the tool server for one call and prints the result as JSON.
func withTools(call toolCall) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		pc := processConfig(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 4*pc.Timeout)
		defer cancel()

		client, err := rpc.Spawn(ctx, pc)
		if err != nil {
			return err
		}
		defer client.Close()

		// Give the follower a moment to backfill before reading history.
		time.Sleep(200 * time.Millisecond)

		result, err := call(ctx, rpc.NewTools(client), args)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
}

func runActions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	actions, err := readActions(cfg.Actions.DBPath, cfg.Actions.LogPath, actionsLimit)
	if err != nil {
		return err
	}

	if actionsJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, a := range actions {
			if err := enc.Encode(a); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tADDRESS\tRULE\tSCORE\tREASON")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			a.Timestamp.Local().Format(time.DateTime), a.Address, a.Details.Rule, a.Details.Score, a.Details.Reason)
	}
	return w.Flush()
}

func readActions(dbPath, logPath string, limit int) ([]domain.Action, error) {
	if dbPath != "" {
		if _, err := os.Stat(dbPath); err == nil {
			store, err := output.NewActionStore(output.ActionStoreConfig{DBPath: dbPath, ReadOnly: true, Timeout: 500 * time.Millisecond})
			if err == nil {
				defer store.Close()
				return store.List(limit)
			}
			log.Debug().Err(err).Msg("Action store unavailable, reading action log")
		}
	}
	return output.ReadActionLog(logPath, limit)
}
