package cmd

import (
	"context"
	"fmt"
	"time"

	"vpsforge/internal/config"
	"vpsforge/internal/logging"
	"vpsforge/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusInstanceID string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance status",
	Long:  `Print the lifecycle status of one instance, or of all instances when no ID is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		cli, err := store.DialEtcd(cfg.Etcd.Endpoints)
		if err != nil {
			logging.Logger().Fatal("Failed to connect to storage", zap.Error(err))
		}
		defer cli.Close()
		st := store.NewEtcdStore(cli)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if statusInstanceID != "" {
			rec, err := st.FindByID(ctx, statusInstanceID)
			if err != nil {
				logging.Logger().Fatal("Could not load instance", zap.Error(err))
			}
			fmt.Printf("Instance ID: %s\n", rec.ID)
			fmt.Printf("Service: %s\n", rec.ExternalServiceID)
			fmt.Printf("Plan: %s (%s)\n", rec.Plan, rec.ServerType)
			fmt.Printf("Region: %s (%s)\n", rec.Region, rec.Location)
			fmt.Printf("Hostname: %s.%s\n", rec.Subdomain, cfg.DNS.ZoneName)
			fmt.Printf("Status: %s\n", rec.Status)
			fmt.Printf("Health: %s\n", rec.Health)
			if rec.PublicIP != "" {
				fmt.Printf("Public IP: %s\n", rec.PublicIP)
			}
			if rec.LastError != "" {
				fmt.Printf("Last error: %s\n", rec.LastError)
			}
			return
		}

		records, err := st.List(ctx)
		if err != nil {
			logging.Logger().Fatal("Could not list instances", zap.Error(err))
		}
		if len(records) == 0 {
			fmt.Println("No instances")
			return
		}
		for _, rec := range records {
			fmt.Printf("- [%s] %s.%s (%s, %s): %s\n",
				rec.ID, rec.Subdomain, cfg.DNS.ZoneName, rec.Plan, rec.Region, rec.Status)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusInstanceID, "id", "", "Instance ID (omit to list all)")
}
