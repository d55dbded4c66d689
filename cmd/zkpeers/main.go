package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/internal/config"
	"github.com/thinker0/go.zkdiscovery/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	hosts      []string
	path       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "zkpeers",
		Short:         "zookeeper based peer discovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&opts.hosts, "hosts", nil, "zookeeper ensemble (host:port), overrides discovery.hosts")
	root.PersistentFlags().StringVar(&opts.path, "path", "", "group path, overrides discovery.path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides log.level")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newPeersCmd(opts))
	root.AddCommand(newInitCmd(opts))
	return root
}

// load reads the configuration, applies the flags and builds the logger.
// The zookeeper tools always need discovery enabled.
func (o *options) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Read(o.configPath)
	if err != nil {
		return cfg, nil, err
	}

	if len(o.hosts) > 0 {
		cfg.Discovery.Hosts = o.hosts
	}
	if o.path != "" {
		cfg.Discovery.Path = o.path
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	cfg.Discovery.Enabled = true

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
