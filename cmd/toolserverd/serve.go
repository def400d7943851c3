package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/internal/server"
	"github.com/osakka/toolserver/pkg/config"
	"github.com/osakka/toolserver/pkg/keystore"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/plugin"
	"github.com/osakka/toolserver/pkg/schema"
	"github.com/osakka/toolserver/pkg/validation"
)

func serveCmd() *cobra.Command {
	var keystoreDB, trustedKeysFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run discovery, batch load, the management server, and hot reload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags := cmd.Flags()
			if flags.Changed("address") {
				cfg.Server.Address, _ = flags.GetString("address")
			}
			if flags.Changed("port") {
				cfg.Server.Port, _ = flags.GetInt("port")
			}
			if flags.Changed("install-root") {
				cfg.Plugins.InstallRoot, _ = flags.GetString("install-root")
			}
			extraRoots, _ := flags.GetStringSlice("discovery-root")
			return runServe(cfg, extraRoots, keystoreDB, trustedKeysFile)
		},
	}

	cmd.Flags().String("address", "", "management server bind address (overrides config)")
	cmd.Flags().Int("port", 0, "management server port (overrides config)")
	cmd.Flags().String("install-root", "", "plugin install root (overrides config)")
	cmd.Flags().StringSlice("discovery-root", nil, "additional plugin discovery roots")
	cmd.Flags().StringVar(&keystoreDB, "keystore-db", "./toolserverd-keystore.db", "path to the trusted-signer-key bbolt database")
	cmd.Flags().StringVar(&trustedKeysFile, "trusted-keys-file", "", "path to a trusted_keys.json seed file")

	return cmd
}

func runServe(cfg *config.Config, extraRoots []string, keystoreDB, trustedKeysFile string) error {
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewRegistry(reg).Root()

	host := hosting.NewMemoryHost()
	registry := capability.New(host, logger, m)
	vm := validation.NewManager(validation.DefaultConfig(), logger, m)
	adapter := schema.New(logger)

	policy := cfg.ToPolicy()

	sv, err := plugin.NewSchemaValidator(policy.SchemaPath)
	if err != nil {
		return fmt.Errorf("build schema validator: %w", err)
	}

	ks, err := keystore.Open(keystoreDB, trustedKeysFile)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer ks.Close()
	sigVerifier := plugin.NewSignatureVerifier(ks)

	loader := plugin.NewLoader(sv, policy, vm, adapter, registry, logger)
	manager := plugin.NewManager(cfg.Plugins.InstallRoot, loader, policy, sigVerifier, registry, vm, logger, m)
	manager.SetInterpreter(cfg.Plugins.Interpreter)

	if cfg.Plugins.HotReload {
		hr, err := plugin.NewHotReloadManager(manager, host, logger, m)
		if err != nil {
			return fmt.Errorf("start hot-reload manager: %w", err)
		}
		defer hr.Close()
		manager.SetHotReloadManager(hr)
	}

	roots := append([]string{cfg.Plugins.DiscoveryRoot}, extraRoots...)
	discoverer := plugin.NewDiscoverer(roots, logger)
	catalog, err := discoverer.Discover()
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}

	ids := plugin.SortedIDs(catalog)
	for _, id := range ids {
		manager.AddDiscovered(catalog[id])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := manager.BatchLoad(ctx, host, ids)
	for id, loadErr := range results {
		if loadErr != nil {
			logger.Warn("plugin_batch_load_failed", "plugin", id, "error", loadErr.Error())
		}
	}

	srv := server.NewServer(server.Config{
		Address:               cfg.Server.Address,
		Port:                  cfg.Server.Port,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		ManagementTokenSecret: cfg.Server.ManagementTokenSecret,
		RateLimit:             rate.Limit(5),
		RateBurst:             10,
	}, manager, registry, host, reg, logger, m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal_received", "signal", sig.String())
		cancel()
	}()

	logger.Info("toolserverd_starting", "address", cfg.Server.Address, "port", cfg.Server.Port, "plugins_discovered", len(ids))
	return srv.ListenAndServe(ctx)
}
