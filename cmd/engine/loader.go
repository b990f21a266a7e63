//go:build !vst2

package main

import (
	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/plugin"
)

// pluginLoader returns builtin loader. VST2 plugins need vst2 build tag.
func pluginLoader(_ []string, logger logrus.FieldLogger) plugin.Loader {
	logger.Debug("built without vst2 support")
	return plugin.BuiltinLoader
}
