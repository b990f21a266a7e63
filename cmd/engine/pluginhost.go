package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"pipelined.dev/engine/plugin"
)

func newPluginHostCommand(root *rootOptions) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:    "pluginhost",
		Short:  "Run plugin host, started by the engine",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			var s plugin.Spec
			if err := json.Unmarshal([]byte(spec), &s); err != nil {
				return fmt.Errorf("plugin spec: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := pluginLoader(cfg.Plugins.VST2Paths, logger)(s.Node)
			if err != nil {
				return err
			}
			h := plugin.NewHost(s.ID, s.Node, p, plugin.WithHostLogger(logger))
			return multierr.Append(h.Run(ctx, s.Pipe), h.Close())
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "plugin spec in JSON")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}
