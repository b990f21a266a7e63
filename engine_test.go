package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/internal/mock"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
	"pipelined.dev/engine/processor/builtin"
)

const (
	sampleRate = 44100
	blockSize  = 64
)

var (
	errTest = errors.New("test error")
	tm      = block.ConstantTempo{SampleRate: sampleRate, BPM: 120}
)

// fixture is a realm with mock kernels registered by node id.
type fixture struct {
	*engine.Realm
	kernels *processor.Registry
	mocks   map[string]*mock.Kernel
	bctx    *block.Context
	pos     int64
}

func newFixture(t *testing.T, options ...engine.Option) *fixture {
	t.Helper()
	f := &fixture{
		kernels: processor.NewRegistry(),
		mocks:   map[string]*mock.Kernel{},
		bctx:    block.NewContext(sampleRate, blockSize),
	}
	builtin.Register(f.kernels)
	options = append([]engine.Option{
		engine.WithHost(sampleRate, blockSize),
		engine.WithProcessors(f.kernels),
	}, options...)
	f.Realm = engine.New(options...)
	require.NoError(t, f.Setup(context.Background()))
	return f
}

func mockDesc(typ string) nodedesc.Node {
	return nodedesc.Node{
		URI:       "test://" + typ,
		Type:      nodedesc.Processor,
		Processor: typ,
		Ports: []nodedesc.Port{
			{Name: "in", Direction: nodedesc.Input, Type: nodedesc.Audio},
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
		},
	}
}

// mockNode creates node backed by mock kernel which outputs value plus
// its input.
func (f *fixture) mockNode(t *testing.T, id string, value float32) (*engine.Node, *mock.Kernel) {
	t.Helper()
	typ := "mock-" + id
	desc := mockDesc(typ)
	k := mock.NewKernel(desc)
	k.Value = value
	f.kernels.Register(typ, k.Constructor())
	f.mocks[id] = k
	n, err := engine.NewNode(id, desc)
	require.NoError(t, err)
	return n, k
}

// addSource adds mock node and connects its output to both sink inputs.
func (f *fixture) addSource(t *testing.T, id string, value float32) (*engine.Node, *mock.Kernel) {
	t.Helper()
	n, k := f.mockNode(t, id, value)
	require.NoError(t, f.AddNode(context.Background(), n))
	f.toSink(t, n, "out")
	return n, k
}

func (f *fixture) builtinNode(t *testing.T, id, typ string) *engine.Node {
	t.Helper()
	desc, ok := builtin.Description(typ)
	require.True(t, ok)
	n, err := engine.NewNode(id, desc)
	require.NoError(t, err)
	require.NoError(t, f.AddNode(context.Background(), n))
	return n
}

func port(t *testing.T, n *engine.Node, name string) *engine.Port {
	t.Helper()
	p, err := n.Port(name)
	require.NoError(t, err)
	return p
}

func (f *fixture) connect(t *testing.T, up *engine.Node, out string, down *engine.Node, in string) {
	t.Helper()
	require.NoError(t, f.Connect(port(t, up, out), port(t, down, in)))
}

func (f *fixture) toSink(t *testing.T, n *engine.Node, out string) {
	t.Helper()
	f.connect(t, n, out, f.Sink(), nodedesc.SinkLeft)
	f.connect(t, n, out, f.Sink(), nodedesc.SinkRight)
}

func (f *fixture) process(t *testing.T) {
	t.Helper()
	f.bctx.Begin(f.pos, tm)
	require.NoError(t, f.ProcessBlock(f.bctx))
	f.pos += int64(f.bctx.BlockSize)
}

func (f *fixture) sink(t *testing.T) ([]float32, []float32) {
	t.Helper()
	l, r, err := f.SinkBuffers()
	require.NoError(t, err)
	return l.Floats(), r.Floats()
}

func (f *fixture) cleanup(t *testing.T) {
	t.Helper()
	require.NoError(t, f.Cleanup(context.Background()))
}

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}
