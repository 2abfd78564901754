package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/ozmonitor/orchestrator/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oz-monitor",
	Short: "OZ Monitor - multi-tenant blockchain monitoring orchestrator",
	Long: `OZ Monitor watches blockchain networks on behalf of many tenants,
shares one block feed per network across the whole fleet, and balances
tenant monitoring load across a pool of worker processes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"OZ Monitor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", envOr("RUST_LOG", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (overrides the default search path)")
	rootCmd.PersistentFlags().String("worker-id", envOr("WORKER_ID", ""), "Worker id (generated if unset)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(blockWatcherCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(allCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func resolveWorkerID(cmd *cobra.Command) string {
	id, _ := cmd.Flags().GetString("worker-id")
	if id == "" {
		id = uuid.NewString()
	}
	return id
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process: claims assigned tenants and processes blocks for them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeWorker)
	},
}

func init() {
	workerCmd.Flags().String("coordinator", "", "Coordinator API base URL (e.g. https://coordinator:8443); registers over pkg/client when set")
	workerCmd.Flags().String("join-token", "", "Join token issued by the coordinator's token manager")
}

var blockWatcherCmd = &cobra.Command{
	Use:   "block-watcher",
	Short: "Run the shared block watcher standalone (no worker pool, no API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeBlockWatcher)
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the worker registration/heartbeat API surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeAPI)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run block-watcher, worker pool and API in a single process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeAll)
	},
}
