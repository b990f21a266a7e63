package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/config"
	"pipelined.dev/engine/internal/mock"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
	"pipelined.dev/engine/processor/builtin"
)

const graphConfig = `
log_level: debug
host:
  sample_rate: 48000
  block_size: 128
plugins:
  dir: /tmp
  handshake_timeout: 20ms
  delete_timeout: 500ms
  isolation: process
graph:
  nodes:
    - id: src
      processor: const
      ports:
        - {name: out, direction: output, type: audio}
    - id: gain
      processor: gain
      controls: {gain: 2}
      drywet: {out: 0}
    - id: cv
      processor: cv_generator
      control_points:
        - {id: a, time: 0, value: 0.2}
        - {id: b, time: 1, value: 0.8}
  connections:
    - {from: "src:out", to: "gain:in"}
    - {from: "gain:out", to: "sink:in:left"}
    - {from: "gain:out", to: "sink:in:right"}
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(graphConfig), 0o644))
	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 48000, c.Host.SampleRate)
	assert.Equal(t, 128, c.Host.BlockSize)
	assert.Equal(t, float64(engine.DefaultTempo), c.Host.Tempo)
	assert.Equal(t, "/tmp", c.Plugins.Dir)
	assert.Equal(t, 20*time.Millisecond, c.Plugins.HandshakeTimeout)
	assert.Equal(t, 500*time.Millisecond, c.Plugins.DeleteTimeout)
	assert.Equal(t, config.IsolationProcess, c.Plugins.Isolation)
	require.Len(t, c.Graph.Nodes, 3)
	assert.Equal(t, nodedesc.Output, c.Graph.Nodes[0].Ports[0].Direction)
	assert.Equal(t, float32(2), c.Graph.Nodes[1].Controls["gain"])
	assert.Len(t, c.Graph.Connections, 3)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	c, err := config.Parse([]byte(graphConfig))
	require.NoError(t, err)

	kernels := processor.NewRegistry()
	builtin.Register(kernels)
	src := mock.NewKernel(nodedesc.Node{})
	src.Value = 0.5
	kernels.Register("const", src.Constructor())
	r := engine.New(append(c.RealmOptions(), engine.WithProcessors(kernels))...)
	require.NoError(t, r.Setup(ctx))
	defer func() { require.NoError(t, r.Cleanup(ctx)) }()
	require.NoError(t, c.Graph.Build(ctx, r))

	gain, err := r.Node("gain")
	require.NoError(t, err)
	out, err := gain.Port("out")
	require.NoError(t, err)
	assert.Equal(t, float64(0), out.DryWet())

	bctx := block.NewContext(c.Host.SampleRate, c.Host.BlockSize)
	bctx.Begin(0, block.ConstantTempo{SampleRate: c.Host.SampleRate, BPM: c.Host.Tempo})
	require.NoError(t, r.ProcessBlock(bctx))
	l, rr, err := r.SinkBuffers()
	require.NoError(t, err)
	for i := range l.Floats() {
		require.InDelta(t, 0.75, l.Floats()[i], 1e-6)
		require.InDelta(t, 0.75, rr.Floats()[i], 1e-6)
	}

	p, ok := r.Registry().Processor("cv")
	require.True(t, ok)
	g, ok := p.Kernel().(*builtin.CVGenerator)
	require.True(t, ok)
	assert.Equal(t, []builtin.ControlPoint{
		{ID: "a", Time: 0, Value: 0.2},
		{ID: "b", Time: 1, Value: 0.8},
	}, g.Points())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		description string
		input       string
	}{
		{
			description: "bad yaml",
			input:       "host: [",
		},
		{
			description: "bad block size",
			input:       "host: {block_size: -1}",
		},
		{
			description: "bad isolation",
			input:       "plugins: {isolation: remote}",
		},
		{
			description: "duplicate node",
			input:       "graph: {nodes: [{id: a, processor: gain}, {id: a, processor: gain}]}",
		},
		{
			description: "sink id",
			input:       "graph: {nodes: [{id: sink, processor: gain}]}",
		},
		{
			description: "processor and plugin",
			input:       "graph: {nodes: [{id: a, processor: gain, plugin: x}]}",
		},
		{
			description: "unknown processor without ports",
			input:       "graph: {nodes: [{id: a, processor: delay}]}",
		},
		{
			description: "plugin without ports",
			input:       "graph: {nodes: [{id: a, plugin: 'builtin:passthrough'}]}",
		},
		{
			description: "dry/wet out of range",
			input:       "graph: {nodes: [{id: a, processor: gain, drywet: {out: 150}}]}",
		},
		{
			description: "unknown node in connection",
			input:       "graph: {nodes: [{id: a, processor: gain}], connections: [{from: 'b:out', to: 'a:in'}]}",
		},
		{
			description: "bad port reference",
			input:       "graph: {nodes: [{id: a, processor: gain}], connections: [{from: a, to: 'a:in'}]}",
		},
		{
			description: "bad port type",
			input:       "graph: {nodes: [{id: a, plugin: x, ports: [{name: in, type: midi}]}]}",
		},
	}
	for _, test := range tests {
		_, err := config.Parse([]byte(test.input))
		assert.Error(t, err, test.description)
	}
	_, err := config.Parse([]byte("host: {block_size: -1}"))
	assert.ErrorIs(t, err, config.ErrInvalid)
}
