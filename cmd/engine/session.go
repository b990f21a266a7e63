package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/engine"
	"pipelined.dev/engine/config"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/plugin"
	"pipelined.dev/engine/pluginstate"
)

// session is a root realm built from configuration together with its
// plugin hosting.
type session struct {
	cfg      config.Config
	logger   logrus.FieldLogger
	registry *prometheus.Registry
	metrics  *metric.Metrics
	realm    *engine.Realm
	ctrl     plugin.Controller
	store    pluginstate.Store
	watcher  *plugin.StateWatcher
}

func newSession(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (s *session, err error) {
	s = &session{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if s.metrics, err = metric.New(s.registry); err != nil {
		return nil, err
	}
	if s.ctrl, err = newController(cfg.Plugins, logger, s.metrics); err != nil {
		return nil, err
	}
	if cfg.Plugins.StateDir != "" {
		if s.store, err = pluginstate.OpenPebble(cfg.Plugins.StateDir); err != nil {
			return nil, err
		}
	} else {
		s.store = pluginstate.NewMemoryStore()
	}
	s.watcher = plugin.NewStateWatcher(s.ctrl, s.store, plugin.WithStateLogger(logger))

	factory := plugin.Factory(s.ctrl,
		plugin.WithConfig(cfg.Plugins.Config),
		plugin.WithLogger(logger),
		plugin.WithMetrics(s.metrics),
		plugin.WithStateWatcher(s.watcher),
	)
	options := append(cfg.RealmOptions(),
		engine.WithID("root"),
		engine.WithLogger(logger),
		engine.WithMetrics(s.metrics),
		engine.WithPlugins(engine.PluginFactory(factory)),
	)
	s.realm = engine.New(options...)
	if err := s.realm.Setup(ctx); err != nil {
		return nil, multierr.Append(err, s.store.Close())
	}
	if err := cfg.Graph.Build(ctx, s.realm); err != nil {
		return nil, multierr.Append(err, s.Close(ctx))
	}
	return s, nil
}

func newController(cfg config.Plugins, logger logrus.FieldLogger, m *metric.Metrics) (plugin.Controller, error) {
	options := []plugin.ControllerOption{
		plugin.WithControllerLogger(logger),
		plugin.WithControllerMetrics(m),
	}
	switch cfg.Isolation {
	case config.IsolationProcess:
		binary, err := os.Executable()
		if err != nil {
			return nil, err
		}
		return plugin.NewProcessController(binary, options...), nil
	case config.IsolationLocal:
		return plugin.NewLocalController(pluginLoader(cfg.VST2Paths, logger), options...), nil
	}
	return nil, fmt.Errorf("isolation %q: %w", cfg.Isolation, config.ErrInvalid)
}

// Close removes all nodes of the realm and closes state store.
func (s *session) Close(ctx context.Context) error {
	return multierr.Combine(s.realm.Cleanup(ctx), s.store.Close())
}
