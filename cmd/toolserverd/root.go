package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/osakka/toolserver/pkg/config"
)

var configFile string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "toolserverd",
		Short:   "Dynamic capability registry and plugin lifecycle server",
		Version: Version,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML configuration file")

	root.AddCommand(serveCmd())
	root.AddCommand(installCmd())
	root.AddCommand(verifyCmd())

	return root
}

// loadConfig binds fs (the subcommand's own flags) and layers it over
// TOOLSERVER_-prefixed environment variables, the config file, then
// defaults. Flags are bound under their own names, which are not the nested
// config keys, so a subcommand that offers override flags applies them to
// the returned Config itself.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	return config.Load(configFile, fs)
}
