// Package metric provides prometheus collectors of the engine. All methods
// are safe to call on nil values, so components can run without metrics.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "engine"

// Metrics holds engine collectors.
type Metrics struct {
	blocks            *prometheus.CounterVec
	blockDuration     *prometheus.HistogramVec
	opFailures        *prometheus.CounterVec
	brokenProcessors  *prometheus.CounterVec
	programSwaps      *prometheus.CounterVec
	handshakeTimeouts *prometheus.CounterVec
	pluginBlocks      *prometheus.CounterVec
}

// New creates collectors and registers them. Nil is returned if registerer
// is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Total number of processed blocks",
		}, []string{"realm"}),
		blockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_duration_seconds",
			Help:      "Duration of block processing in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"realm"}),
		opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "op_failures_total",
			Help:      "Total number of failed opcodes",
		}, []string{"realm", "op"}),
		brokenProcessors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broken_processors_total",
			Help:      "Total number of processors transitioned to broken state",
		}, []string{"realm"}),
		programSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "program_swaps_total",
			Help:      "Total number of installed programs",
		}, []string{"realm"}),
		handshakeTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_handshake_timeouts_total",
			Help:      "Total number of plugin handshake timeouts",
		}, []string{"plugin"}),
		pluginBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_blocks_total",
			Help:      "Total number of blocks processed by plugin hosts",
		}, []string{"plugin"}),
	}
	for _, c := range []prometheus.Collector{
		m.blocks,
		m.blockDuration,
		m.opFailures,
		m.brokenProcessors,
		m.programSwaps,
		m.handshakeTimeouts,
		m.pluginBlocks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Realm returns collectors bound to the realm. Curried collectors are
// resolved once, so the audio thread doesn't hash labels every block.
func (m *Metrics) Realm(id string) *Realm {
	if m == nil {
		return nil
	}
	return &Realm{
		metrics:       m,
		id:            id,
		blocks:        m.blocks.WithLabelValues(id),
		blockDuration: m.blockDuration.WithLabelValues(id),
		broken:        m.brokenProcessors.WithLabelValues(id),
		swaps:         m.programSwaps.WithLabelValues(id),
	}
}

// Plugin returns collectors bound to the plugin.
func (m *Metrics) Plugin(id string) *Plugin {
	if m == nil {
		return nil
	}
	return &Plugin{
		timeouts: m.handshakeTimeouts.WithLabelValues(id),
		blocks:   m.pluginBlocks.WithLabelValues(id),
	}
}

// Realm collectors.
type Realm struct {
	metrics       *Metrics
	id            string
	blocks        prometheus.Counter
	blockDuration prometheus.Observer
	broken        prometheus.Counter
	swaps         prometheus.Counter
}

// Block captures processed block.
func (r *Realm) Block(d time.Duration) {
	if r == nil {
		return
	}
	r.blocks.Inc()
	r.blockDuration.Observe(d.Seconds())
}

// OpFailed captures failed opcode.
func (r *Realm) OpFailed(op string) {
	if r == nil {
		return
	}
	r.metrics.opFailures.WithLabelValues(r.id, op).Inc()
}

// Broken captures processor that became broken.
func (r *Realm) Broken() {
	if r == nil {
		return
	}
	r.broken.Inc()
}

// Swapped captures installed program.
func (r *Realm) Swapped() {
	if r == nil {
		return
	}
	r.swaps.Inc()
}

// Plugin collectors.
type Plugin struct {
	timeouts prometheus.Counter
	blocks   prometheus.Counter
}

// Timeout captures handshake timeout.
func (p *Plugin) Timeout() {
	if p == nil {
		return
	}
	p.timeouts.Inc()
}

// Block captures block processed by plugin host.
func (p *Plugin) Block() {
	if p == nil {
		return
	}
	p.blocks.Inc()
}
