// Package main provides the entry point for the MedGuard operator service:
// security telemetry monitoring and the secure record-linkage workflow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/medguard/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "medguard",
		Short: "Security telemetry and secure record-linkage console",
		Long: `MedGuard watches the anomaly-detection logs of the inference service and
drives the secure record-linkage workflow: load both custodians' record sets,
compute their private set intersection, then run a secure prediction on one
shared record.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (defaults are used when empty)")

	rootCmd.AddCommand(
		newServeCmd(),
		newLogsCmd(),
		newWorkflowCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "MedGuard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(configPath)
}
