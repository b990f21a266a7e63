//go:build vst2

package main

import (
	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/plugin"
	"pipelined.dev/engine/plugin/vst2"
)

// pluginLoader returns loader of VST2 and builtin plugins.
func pluginLoader(paths []string, logger logrus.FieldLogger) plugin.Loader {
	return vst2.Loader(vst2.NewCache(logger, paths...), plugin.BuiltinLoader)
}
