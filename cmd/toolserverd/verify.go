package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/config"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/plugin"
	"github.com/osakka/toolserver/pkg/schema"
	"github.com/osakka/toolserver/pkg/validation"
)

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <manifest-dir>",
		Short: "Dry-run load a plugin directory and print its verification report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runVerify(cfg, args[0])
		},
	}
	return cmd
}

func runVerify(cfg *config.Config, pluginDir string) error {
	logger := logging.NewNop()

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

	manifestRaw, err := os.ReadFile(filepath.Join(pluginDir, "mcp-plugin.json"))
	if err != nil {
		return fmt.Errorf("read mcp-plugin.json: %w", err)
	}

	loader := plugin.NewLoader(sv, policy, vm, adapter, registry, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := loader.Load(ctx, host, pluginDir, manifestRaw, plugin.LoadOptions{
		DryRun:        true,
		Interpreter:   cfg.Plugins.Interpreter,
		ImportTimeout: 10 * time.Second,
	})
	if err != nil {
		fmt.Printf("verification FAILED: %v\n", err)
		return err
	}

	fmt.Printf("verification OK: %s@%s\n", result.Manifest.Name, result.Manifest.Version)
	fmt.Printf("  dist hash:  %s\n", result.Manifest.Dist.Hash)
	fmt.Printf("  tools:      %v\n", result.Snapshot.Tools)
	fmt.Printf("  resources:  %v\n", result.Snapshot.Resources)
	fmt.Printf("  prompts:    %v\n", result.Snapshot.Prompts)
	return nil
}
