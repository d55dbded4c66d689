package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/pkg/discovery"
	"github.com/thinker0/go.zkdiscovery/pkg/serversets"
	"github.com/thinker0/go.zkdiscovery/pkg/zkconn"
)

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the group path and its parents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return initGroup(cmd.OutOrStdout(), cfg.Discovery, nil, logger)
		},
	}
}

func initGroup(out io.Writer, cfg discovery.Config, dial zkconn.Dialer, logger *zap.Logger) error {
	c := zkconn.New(logger)
	c.SessionTimeout = cfg.SessionTimeout
	c.ConnectTimeout = cfg.ConnectTimeout
	c.Dial = dial
	if err := c.Connect(cfg.Servers()); err != nil {
		return err
	}
	defer c.Close()

	conn, err := c.Conn()
	if err != nil {
		return err
	}
	if err := serversets.CreateFullPath(conn, cfg.Path); err != nil {
		return err
	}
	fmt.Fprintf(out, "created %s\n", cfg.Path)
	return nil
}
