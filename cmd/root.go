package cmd

import (
	"github.com/spf13/cobra"
)

var cfgPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fulfillment",
	Short: "Order fulfillment and dispatch engine",
	Long: `Fulfillment service for the marketplace: order lifecycle, inventory
reservation, agent dispatch, payment ingestion and live tracking.`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config-path", ".", "directory containing config.yaml")
}
