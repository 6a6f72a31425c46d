package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vpsforge",
	Short: "VPS instance lifecycle orchestrator",
	Long: `VPSForge provisions and manages virtual server instances for billing
accounts: compute creation, DNS binding, bootstrap handshake, suspension,
resizing and termination.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
