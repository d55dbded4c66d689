package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thinker0/go.zkdiscovery/pkg/discovery"
)

func newPeersCmd(opts *options) *cobra.Command {
	var exclude string
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the endpoints registered under the group path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := discovery.NewService(cfg.Discovery, nil, nil, logger)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			return printPeers(cmd.OutOrStdout(), svc, exclude, logger)
		},
	}
	cmd.Flags().StringVar(&exclude, "exclude", "", "skip members advertising this address")
	return cmd
}

// printPeers lists the endpoints of every member without registering.
func printPeers(out io.Writer, svc *discovery.Service, exclude string, logger *zap.Logger) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENDPOINT")

	for _, e := range svc.Nodes().Snapshot() {
		if !e.OK() {
			logger.Warn("skipping member without a usable value", zap.String("id", e.ID), zap.Error(e.Err))
			continue
		}
		if exclude != "" && e.Value == exclude {
			continue
		}
		endpoints, err := discovery.ParseEndpoints(e.Value)
		if err != nil {
			logger.Warn("skipping member", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		for _, ep := range endpoints {
			fmt.Fprintf(tw, "%s\t%s\n", e.ID, ep)
		}
	}
	return tw.Flush()
}
