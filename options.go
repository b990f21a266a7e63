package engine

import (
	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

// Option configures realm.
type Option func(*Realm)

// PluginFactory creates kernel that bridges plugin node to the plugin host.
type PluginFactory func(id string, desc nodedesc.Node) (processor.Kernel, error)

// WithID sets realm id. Random id is used by default.
func WithID(id string) Option {
	return func(r *Realm) {
		r.id = id
	}
}

// WithHost sets sample rate and initial block size.
func WithHost(sampleRate, blockSize int) Option {
	return func(r *Realm) {
		r.sampleRate = sampleRate
		r.blockSize = blockSize
	}
}

// WithTempo sets tempo and duration of compiled programs.
func WithTempo(bpm float64, duration block.MusicalDuration) Option {
	return func(r *Realm) {
		r.tempo = bpm
		r.duration = duration
	}
}

// WithLogger sets realm logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Realm) {
		r.logger = l
	}
}

// WithMetrics enables realm metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Realm) {
		r.metrics = m
	}
}

// WithProcessors sets registry of processor kernels.
func WithProcessors(reg *processor.Registry) Option {
	return func(r *Realm) {
		r.kernels = reg
	}
}

// WithPlugins enables plugin nodes.
func WithPlugins(f PluginFactory) Option {
	return func(r *Realm) {
		r.plugins = f
	}
}

// WithNoiseSeed sets seed of NOISE op generator.
func WithNoiseSeed(seed int64) Option {
	return func(r *Realm) {
		r.noiseSeed = seed
	}
}
