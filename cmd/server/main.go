package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "drmaatic",
	Short: "DRMAAtic - submit and track cluster jobs over HTTP",
	Long: `DRMAAtic exposes a catalog of cluster scripts as tasks. Tasks are
submitted to the resource manager, tracked, and their outputs served back.

Examples:
  # start the HTTP API with the maintenance scheduler
  drmaatic serve --config config/config.yaml

  # load the script catalog
  drmaatic scripts load catalog.yaml

  # remove tasks deleted more than 30 days ago
  drmaatic purge --older-than 720h`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (default $"+"DRMAATIC_CONFIG_PATH or config/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(scriptsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
