package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipelined.dev/engine/config"
	"pipelined.dev/engine/log"
)

// rootOptions holds global flags of all commands.
type rootOptions struct {
	config   string
	logLevel string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "engine",
		Short:         "Real-time audio engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level, overrides configuration")

	cmd.AddCommand(newRenderCommand(opts))
	cmd.AddCommand(newPlayCommand(opts))
	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newPluginHostCommand(opts))
	cmd.AddCommand(newPluginsCommand(opts))
	return cmd
}

// load reads configuration and creates logger. Defaults are used without
// configuration file.
func (o *rootOptions) load() (config.Config, *logrus.Logger, error) {
	c := config.Default()
	if o.config != "" {
		var err error
		if c, err = config.Load(o.config); err != nil {
			return config.Config{}, nil, err
		}
	}
	logger := log.GetLogger()
	level := c.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	if err := log.SetLevel(logger, level); err != nil {
		return config.Config{}, nil, err
	}
	return c, logger, nil
}
