package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/config"
	"github.com/osakka/toolserver/pkg/keystore"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/plugin"
	"github.com/osakka/toolserver/pkg/schema"
	"github.com/osakka/toolserver/pkg/validation"
)

func installCmd() *cobra.Command {
	var checksum, keystoreDB, trustedKeysFile string
	var requireChecksumFlag, requireSignatureFlag bool

	cmd := &cobra.Command{
		Use:   "install <source>",
		Short: "Fetch, verify, and stage a plugin into the install root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			opts := plugin.InstallOptions{
				RequireChecksum:  requireChecksumFlag,
				RequireSignature: requireSignatureFlag,
				FetchTimeout:     30 * time.Second,
				LoadTimeout:      10 * time.Second,
				Interpreter:      cfg.Plugins.Interpreter,
			}
			if checksum != "" {
				opts.Checksum = &plugin.Integrity{Value: checksum}
			}

			return runInstall(cfg, args[0], opts, keystoreDB, trustedKeysFile)
		},
	}

	cmd.Flags().StringVar(&checksum, "checksum", "", "expected sha256 hex checksum of the fetched payload")
	cmd.Flags().BoolVar(&requireChecksumFlag, "require-checksum", false, "fail if --checksum isn't provided")
	cmd.Flags().BoolVar(&requireSignatureFlag, "require-signature", false, "fail unless a detached signature is supplied (this command has no option to supply one)")
	cmd.Flags().StringVar(&keystoreDB, "keystore-db", "./toolserverd-keystore.db", "path to the trusted-signer-key bbolt database")
	cmd.Flags().StringVar(&trustedKeysFile, "trusted-keys-file", "", "path to a trusted_keys.json seed file")

	return cmd
}

// classifySource guesses the install source kind from source's shape: an
// http(s) URL, or a local path, classified as InstallFromZip when it ends in
// .zip and InstallFromFile otherwise. Install reads either kind of local
// path as a single file and extracts it as a zip archive; a directory is
// not accepted.
func classifySource(source string) plugin.InstallSource {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return plugin.InstallSource{Kind: plugin.InstallFromURL, Location: source}
	}
	if strings.HasSuffix(source, ".zip") {
		return plugin.InstallSource{Kind: plugin.InstallFromZip, Location: source}
	}
	return plugin.InstallSource{Kind: plugin.InstallFromFile, Location: source}
}

func runInstall(cfg *config.Config, source string, opts plugin.InstallOptions, keystoreDB, trustedKeysFile string) error {
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

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	record, err := manager.Install(ctx, host, classifySource(source), opts)
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	fmt.Printf("installed %s@%s to %s\n", record.ID, record.Manifest.Version, record.Path)
	return nil
}
