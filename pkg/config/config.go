// Package config loads toolserverd's configuration from flags, environment
// variables, and an optional YAML file, in that order of precedence
// (SPEC_FULL.md §6 expansion), mirroring the layered-override shape of
// osakka-mcpeg's pkg/config/config.go but sourced through viper rather than
// hand-rolled reflection.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/osakka/toolserver/pkg/plugin"
)

// ServerConfig configures the management HTTP surface (SPEC_FULL.md §4.8).
type ServerConfig struct {
	Address               string        `yaml:"address" mapstructure:"address"`
	Port                  int           `yaml:"port" mapstructure:"port"`
	ReadTimeout           time.Duration `yaml:"readTimeout" mapstructure:"readTimeout"`
	WriteTimeout          time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout"`
	ManagementTokenSecret string        `yaml:"managementTokenSecret" mapstructure:"managementTokenSecret"`
}

// PluginsConfig configures plugin discovery, install, and runtime behavior.
type PluginsConfig struct {
	InstallRoot   string        `yaml:"installRoot" mapstructure:"installRoot"`
	DiscoveryRoot string        `yaml:"discoveryRoot" mapstructure:"discoveryRoot"`
	Interpreter   string        `yaml:"interpreter" mapstructure:"interpreter"`
	HotReload     bool          `yaml:"hotReload" mapstructure:"hotReload"`
	FetchTimeout  time.Duration `yaml:"fetchTimeout" mapstructure:"fetchTimeout"`
	LoadTimeout   time.Duration `yaml:"loadTimeout" mapstructure:"loadTimeout"`
}

// PolicyConfig layers configuration-sourced policy on top of the
// environment-variable policy spec.md §6 names. GlobalAllowlist has no
// dedicated env var or flag, so the config file is its only source.
type PolicyConfig struct {
	GlobalAllowlist []string `yaml:"globalAllowlist" mapstructure:"globalAllowlist"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Config is the complete toolserverd configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Plugins PluginsConfig `yaml:"plugins" mapstructure:"plugins"`
	Policy  PolicyConfig  `yaml:"policy" mapstructure:"policy"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// Validate checks invariants GetDefaults alone doesn't guarantee once flags
// or a config file have overridden them.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Plugins.InstallRoot == "" {
		return fmt.Errorf("plugins.installRoot must be set")
	}
	return nil
}

// ToPolicy merges this config's policy section with the environment-flag
// policy spec.md §6 names. Environment variables remain authoritative for
// every flag they name; GlobalAllowlist, which has no named env var, comes
// from configuration alone.
func (c *Config) ToPolicy() plugin.Policy {
	p := plugin.PolicyFromEnv()
	if len(c.Policy.GlobalAllowlist) > 0 {
		p.GlobalAllowlist = make(map[string]bool, len(c.Policy.GlobalAllowlist))
		for _, name := range c.Policy.GlobalAllowlist {
			p.GlobalAllowlist[name] = true
		}
	}
	return p
}

// GetDefaults returns a Config populated with the system's documented
// defaults (SPEC_FULL.md §5 suggested timeouts: 30s fetch, 10s import).
func GetDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Plugins: PluginsConfig{
			InstallRoot:   "./plugins",
			DiscoveryRoot: "./plugins",
			Interpreter:   "node",
			HotReload:     true,
			FetchTimeout:  30 * time.Second,
			LoadTimeout:   10 * time.Second,
		},
		Policy: PolicyConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from, in ascending precedence: GetDefaults(), an
// optional YAML file at configPath, TOOLSERVER_-prefixed environment
// variables, then flags already bound to fs. Flags take precedence over
// environment variables, which take precedence over the file, which takes
// precedence over defaults — the ordering SPEC_FULL.md §6 calls for.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := GetDefaults()
	v.SetDefault("server", defaults.Server)
	v.SetDefault("plugins", defaults.Plugins)
	v.SetDefault("policy", defaults.Policy)
	v.SetDefault("logging", defaults.Logging)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("TOOLSERVER")
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
