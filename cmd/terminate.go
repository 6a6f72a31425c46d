package cmd

import (
	"context"
	"fmt"
	"time"

	"vpsforge/internal/config"
	"vpsforge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var terminateInstanceID string

// terminateCmd represents the terminate command
var terminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Terminate an instance",
	Long: `Destroy an instance's server and DNS record and mark it terminated.
Cleanup is best-effort: provider failures are recorded but the instance
still ends terminated.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		orch, cleanup, err := buildOrchestrator(cfg, false)
		if err != nil {
			logging.Logger().Fatal("Failed to build orchestrator", zap.Error(err))
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := orch.Terminate(ctx, terminateInstanceID); err != nil {
			logging.Logger().Fatal("Termination failed", zap.Error(err))
		}
		fmt.Printf("Instance %s terminated\n", terminateInstanceID)
	},
}

func init() {
	rootCmd.AddCommand(terminateCmd)

	terminateCmd.Flags().StringVar(&terminateInstanceID, "id", "", "Instance ID (required)")
	if err := terminateCmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}
