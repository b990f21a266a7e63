package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pipelined.dev/engine/plugin"
	"pipelined.dev/engine/plugin/vst2"
)

func newPluginsCommand(root *rootOptions) *cobra.Command {
	var scan []string
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Show the list of available plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Builtin plugins:\n\t%s\n", plugin.PassthroughURI)
			cache := vst2.NewCache(logger, append(cfg.Plugins.VST2Paths, scan...)...)
			fmt.Fprint(w, cache)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scan, "scan", nil, "paths to scan for vst2 plugins")
	return cmd
}
