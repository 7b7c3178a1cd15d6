package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/eveguard/internal/app"
)

var (
	cfgFile  string
	logLevel string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "eveguard",
	Short: "Suricata alert follower and automated blocking agent",
	Long: `EveGuard follows a Suricata eve.json log, keeps recent alerts in memory
and blocks source addresses whose recent activity crosses a threshold.

Roles:
  serve   tool server: follows eve.json, answers JSON-RPC on stdin/stdout
  agent   spawns the tool server, scores alerts every interval, blocks threats

Scoring rules (first match wins per source address):
  - Alert count within the window
  - Weighted severity score
  - Distinct attack signatures`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.InitViper(viper.GetViper(), cfgFile)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EveGuard %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/eveguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringP("eve", "e", "", "path to Suricata eve.json")

	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("eve.path", rootCmd.PersistentFlags().Lookup("eve"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupLogging configures the global logger. The tool server logs JSON on
// stderr because stdout carries the protocol.
func setupLogging(level string, console bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func loadConfig(console bool) (app.Config, error) {
	cfg, err := app.LoadConfig(viper.GetViper())
	if err != nil {
		setupLogging("info", console)
		return app.Config{}, err
	}
	setupLogging(cfg.LogLevel, console)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
