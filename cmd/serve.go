package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vpsforge/internal/audit"
	"vpsforge/internal/compute"
	"vpsforge/internal/config"
	"vpsforge/internal/dns"
	"vpsforge/internal/logging"
	"vpsforge/internal/orchestrator"
	"vpsforge/internal/server"
	"vpsforge/internal/sshkeys"
	"vpsforge/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveMemory bool

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the VPSForge API server",
	Long: `Start the VPSForge HTTP server handling instance provisioning requests,
ready callbacks and billing events. All settings are read from the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Starting VPSForge server")

		// Load configuration (all settings from config file)
		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		logging.Logger().Info("Configuration loaded",
			zap.String("listen_addr", cfg.Server.ListenAddr),
			zap.Strings("etcd_endpoints", cfg.Etcd.Endpoints),
			zap.String("dns_zone", cfg.DNS.ZoneName),
			zap.Int("provision_workers", cfg.Server.ProvisionWorkers),
		)

		orch, cleanup, err := buildOrchestrator(cfg, serveMemory)
		if err != nil {
			logging.Logger().Fatal("Failed to build orchestrator", zap.Error(err))
		}
		defer cleanup()

		// Pick up provisioning runs interrupted by a previous process
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if err := orch.RecoverStuck(ctx); err != nil {
				logging.Logger().Error("Recovery scan failed", zap.Error(err))
			}
		}()

		srv := server.New(cfg, orch)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logging.Logger().Info("Received signal, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				logging.Logger().Fatal("Server failed", zap.Error(err))
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logging.Logger().Error("Shutdown did not complete cleanly", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "Use in-memory storage instead of etcd (development only)")
}

// buildOrchestrator wires the store, provider clients, audit sink and key
// provider behind the orchestrator. The etcd-backed components share one
// client connection; the returned cleanup closes it.
func buildOrchestrator(cfg *config.Config, memory bool) (*orchestrator.Orchestrator, func(), error) {
	var (
		st      store.Store
		sink    audit.Sink
		keys    sshkeys.KeyProvider
		cleanup = func() {}
	)

	if memory {
		st = store.NewMemoryStore()
		sink = &audit.LogSink{}
		keys = &sshkeys.StaticKeyProvider{}
	} else {
		cli, err := store.DialEtcd(cfg.Etcd.Endpoints)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			if err := cli.Close(); err != nil {
				logging.Logger().Error("Failed to close etcd connection", zap.Error(err))
			}
		}

		st = store.NewEtcdStore(cli)
		sink = audit.NewEtcdSink(cli)
		keys = sshkeys.NewEtcdKeyProvider(cli)
	}

	cc := compute.NewDOClient(cfg.Compute.Token)
	dc := dns.NewRESTClient(cfg.DNS.Endpoint, cfg.DNS.Token, cfg.DNS.ZoneID)

	return orchestrator.New(cfg, st, cc, dc, sink, keys), cleanup, nil
}
