package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/internal/mock"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/plugin"
	"pipelined.dev/engine/pluginstate"
	"pipelined.dev/engine/processor"
)

const (
	sampleRate = 44100
	blockSize  = 64
)

var (
	errTest = errors.New("test error")
	tm      = block.ConstantTempo{SampleRate: sampleRate, BPM: 120}
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fxDesc(uri string) nodedesc.Node {
	return nodedesc.Node{
		URI:    "test://fx",
		Type:   nodedesc.Plugin,
		Plugin: uri,
		Ports: []nodedesc.Port{
			{Name: "in", Direction: nodedesc.Input, Type: nodedesc.Audio},
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
		},
	}
}

// eventsDesc has an events input next to the audio ports.
func eventsDesc(uri string) nodedesc.Node {
	d := fxDesc(uri)
	d.Ports = append([]nodedesc.Port{
		{Name: "events", Direction: nodedesc.Input, Type: nodedesc.Events},
	}, d.Ports...)
	return d
}

func testConfig(t *testing.T) plugin.Config {
	return plugin.Config{
		Dir:              t.TempDir(),
		HandshakeTimeout: 50 * time.Millisecond,
		Attempts:         50,
		PipeTimeout:      time.Second,
	}
}

// hanging blocks in Process until released.
type hanging struct {
	entered chan struct{}
	release chan struct{}
}

func newHanging() *hanging {
	return &hanging{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (h *hanging) Configure(int, int) error { return nil }

func (h *hanging) Process([]*buffer.Buffer) error {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	<-h.release
	return nil
}

func (h *hanging) Close() error { return nil }

// recorder counts events of the first port and copies audio input to
// output.
type recorder struct {
	mu     sync.Mutex
	events []int
}

func (r *recorder) Configure(int, int) error { return nil }

func (r *recorder) Process(ports []*buffer.Buffer) error {
	r.mu.Lock()
	r.events = append(r.events, ports[0].Atoms().Len())
	r.mu.Unlock()
	return ports[2].Copy(ports[1])
}

func (r *recorder) Close() error { return nil }

func (r *recorder) Events() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.events...)
}

// failing returns error from Process.
type failing struct{}

func (failing) Configure(int, int) error       { return nil }
func (failing) Process([]*buffer.Buffer) error { return errTest }
func (failing) Close() error                   { return nil }

// realm is a realm with mock source connected to the plugin node.
type realm struct {
	*engine.Realm
	bctx *block.Context
	pos  int64
}

func newRealm(t *testing.T, factory engine.PluginFactory, desc nodedesc.Node) *realm {
	t.Helper()
	kernels := processor.NewRegistry()
	src := mock.NewKernel(nodedesc.Node{})
	src.Value = 0.5
	kernels.Register("src", src.Constructor())
	r := &realm{
		Realm: engine.New(
			engine.WithHost(sampleRate, blockSize),
			engine.WithProcessors(kernels),
			engine.WithPlugins(factory),
		),
		bctx: block.NewContext(sampleRate, blockSize),
	}
	require.NoError(t, r.Setup(context.Background()))

	srcDesc := nodedesc.Node{
		URI:       "test://src",
		Type:      nodedesc.Processor,
		Processor: "src",
		Ports: []nodedesc.Port{
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
		},
	}
	srcNode, err := engine.NewNode("src", srcDesc)
	require.NoError(t, err)
	fx, err := engine.NewNode("fx", desc)
	require.NoError(t, err)
	require.NoError(t, r.AddNodes(context.Background(), srcNode, fx))
	connect := func(up *engine.Node, out string, down *engine.Node, in string) {
		u, err := up.Port(out)
		require.NoError(t, err)
		d, err := down.Port(in)
		require.NoError(t, err)
		require.NoError(t, r.Connect(u, d))
	}
	connect(srcNode, "out", fx, "in")
	connect(fx, "out", r.Sink(), nodedesc.SinkLeft)
	connect(fx, "out", r.Sink(), nodedesc.SinkRight)
	return r
}

func (r *realm) process(t *testing.T) {
	t.Helper()
	r.bctx.Begin(r.pos, tm)
	require.NoError(t, r.ProcessBlock(r.bctx))
	r.pos += int64(r.bctx.BlockSize)
}

func (r *realm) left(t *testing.T) []float32 {
	t.Helper()
	l, _, err := r.SinkBuffers()
	require.NoError(t, err)
	return l.Floats()
}

func (r *realm) fxState(t *testing.T) processor.State {
	t.Helper()
	p, ok := r.Registry().Processor("fx")
	require.True(t, ok)
	return p.State()
}

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestBridgePassthrough(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(plugin.BuiltinLoader)
	store := pluginstate.NewMemoryStore()
	watcher := plugin.NewStateWatcher(ctrl, store)
	r := newRealm(t, plugin.Factory(ctrl, plugin.WithConfig(testConfig(t)), plugin.WithStateWatcher(watcher)), fxDesc(plugin.PassthroughURI))
	assert.Equal(t, []string{"fx"}, watcher.Watched())

	for i := 0; i < 3; i++ {
		r.process(t)
		assert.Equal(t, constant(blockSize, 0.5), r.left(t))
	}
	assert.Equal(t, processor.Running, r.fxState(t))

	// state is applied by the host between blocks.
	h, err := ctrl.Host("fx")
	require.NoError(t, err)
	state, err := h.State()
	require.NoError(t, err)
	require.NoError(t, ctrl.SetState(ctx, "fx", []byte{0, 0, 0, 64}))
	r.process(t)
	assert.Equal(t, constant(blockSize, 1), r.left(t))

	require.NoError(t, watcher.Poll(ctx))
	stored, err := store.Get("fx")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 64}, stored)
	assert.NotEqual(t, state, stored)

	// block size change remaps shared memory.
	require.NoError(t, r.SetBlockSize(ctx, 128))
	r.bctx.Resize(128)
	r.process(t)
	assert.Equal(t, constant(128, 1), r.left(t))

	require.NoError(t, r.RemoveNode(ctx, "fx"))
	assert.Empty(t, watcher.Watched())
	_, err = ctrl.Host("fx")
	assert.ErrorIs(t, err, plugin.ErrNotFound)
	require.NoError(t, r.Cleanup(ctx))
}

func TestBridgeRestoresState(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(plugin.BuiltinLoader)
	store := pluginstate.NewMemoryStore()
	require.NoError(t, store.Put("fx", []byte{0, 0, 0, 63})) // 0.5
	watcher := plugin.NewStateWatcher(ctrl, store)
	r := newRealm(t, plugin.Factory(ctrl, plugin.WithConfig(testConfig(t)), plugin.WithStateWatcher(watcher)), fxDesc(plugin.PassthroughURI))

	r.process(t)
	assert.Equal(t, constant(blockSize, 0.25), r.left(t))
	require.NoError(t, r.Cleanup(ctx))
}

func TestBridgeHangingPlugin(t *testing.T) {
	ctx := context.Background()
	p := newHanging()
	ctrl := plugin.NewLocalController(func(nodedesc.Node) (plugin.Plugin, error) {
		return p, nil
	})
	r := newRealm(t, plugin.Factory(ctrl, plugin.WithConfig(testConfig(t))), fxDesc("hanging"))

	var blocks int
	for blocks < 10 && r.fxState(t) == processor.Running {
		start := time.Now()
		r.process(t)
		assert.Less(t, time.Since(start), time.Second)
		blocks++
	}
	assert.Equal(t, processor.Broken, r.fxState(t))
	assert.LessOrEqual(t, blocks, 10)

	// broken plugin contributes silence.
	r.process(t)
	assert.Equal(t, constant(blockSize, 0), r.left(t))

	<-p.entered
	close(p.release)
	require.NoError(t, r.Cleanup(ctx))
}

func TestBridgeFailingPlugin(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(func(nodedesc.Node) (plugin.Plugin, error) {
		return failing{}, nil
	})
	r := newRealm(t, plugin.Factory(ctrl, plugin.WithConfig(testConfig(t))), fxDesc("failing"))

	r.process(t)
	assert.Equal(t, processor.Broken, r.fxState(t))
	var failed int
	for _, n := range r.bctx.Out {
		if n.Type == block.Failure {
			failed++
			assert.Equal(t, "fx", n.Source)
			assert.ErrorIs(t, n.Err, plugin.ErrTimeout)
		}
	}
	assert.Equal(t, 1, failed)
	require.NoError(t, r.Cleanup(ctx))
}

func TestBridgeHostGone(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(plugin.BuiltinLoader)
	b := plugin.NewBridge("fx", fxDesc(plugin.PassthroughURI), ctrl, plugin.WithConfig(testConfig(t)))
	require.NoError(t, b.Setup(ctx))
	require.NoError(t, b.Resize(ctx, sampleRate, blockSize))

	bctx := block.NewContext(sampleRate, blockSize)
	in := buffer.New("in", buffer.AudioBlock{}, blockSize)
	out := buffer.New("out", buffer.AudioBlock{}, blockSize)
	in.Fill(0.25)
	require.NoError(t, b.ConnectPort(bctx, 0, in))
	require.NoError(t, b.ConnectPort(bctx, 1, out))
	assert.ErrorIs(t, b.ConnectPort(bctx, 2, out), processor.ErrPortIndex)

	bctx.Begin(0, tm)
	require.NoError(t, b.Process(bctx, tm))
	assert.Equal(t, constant(blockSize, 0.25), out.Floats())

	require.NoError(t, ctrl.DeletePlugin(ctx, "fx"))
	bctx.Begin(blockSize, tm)
	assert.ErrorIs(t, b.Process(bctx, tm), plugin.ErrPipeClosed)
	require.NoError(t, b.Cleanup(ctx))
}

func TestBridgeSetupErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		description string
		loader      plugin.Loader
		config      func(*testing.T) plugin.Config
		expected    error
	}{
		{
			description: "unknown plugin",
			loader:      plugin.BuiltinLoader,
			config:      testConfig,
			expected:    plugin.ErrNotFound,
		},
		{
			description: "missing dir",
			loader:      plugin.BuiltinLoader,
			config: func(t *testing.T) plugin.Config {
				c := testConfig(t)
				c.Dir += "/missing"
				return c
			},
		},
	}
	for _, test := range tests {
		ctrl := plugin.NewLocalController(test.loader)
		b := plugin.NewBridge("fx", fxDesc("unknown"), ctrl, plugin.WithConfig(test.config(t)))
		err := b.Setup(ctx)
		assert.Error(t, err, test.description)
		if test.expected != nil {
			assert.ErrorIs(t, err, test.expected, test.description)
		}
	}
}

func TestBridgeProcessUnmapped(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(plugin.BuiltinLoader)
	b := plugin.NewBridge("fx", fxDesc(plugin.PassthroughURI), ctrl, plugin.WithConfig(testConfig(t)))
	require.NoError(t, b.Setup(ctx))
	assert.ErrorIs(t, b.Process(block.NewContext(sampleRate, blockSize), tm), plugin.ErrProtocol)

	// block of other size than mapped.
	require.NoError(t, b.Resize(ctx, sampleRate, blockSize))
	assert.ErrorIs(t, b.Process(block.NewContext(sampleRate, 2*blockSize), tm), plugin.ErrProtocol)
	require.NoError(t, b.Cleanup(ctx))
}

func TestBridgeEventsPort(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(plugin.BuiltinLoader)
	r := newRealm(t, plugin.Factory(ctrl, plugin.WithConfig(testConfig(t))), eventsDesc(plugin.PassthroughURI))

	for i := 0; i < 3; i++ {
		r.process(t)
		assert.Equal(t, constant(blockSize, 0.5), r.left(t))
	}
	assert.Equal(t, processor.Running, r.fxState(t))
	for _, n := range r.bctx.Out {
		assert.NotEqual(t, block.Failure, n.Type)
	}
	require.NoError(t, r.Cleanup(ctx))
}

func TestBridgeEvents(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	ctrl := plugin.NewLocalController(func(nodedesc.Node) (plugin.Plugin, error) {
		return rec, nil
	})
	b := plugin.NewBridge("fx", eventsDesc("recorder"), ctrl, plugin.WithConfig(testConfig(t)))
	require.NoError(t, b.Setup(ctx))
	require.NoError(t, b.Resize(ctx, sampleRate, blockSize))

	bctx := block.NewContext(sampleRate, blockSize)
	events := buffer.New("events", buffer.Atom{}, blockSize)
	in := buffer.New("in", buffer.AudioBlock{}, blockSize)
	out := buffer.New("out", buffer.AudioBlock{}, blockSize)
	in.Fill(0.25)
	require.NoError(t, events.Atoms().Append(3, []byte{0x90, 60, 100}))
	require.NoError(t, events.Atoms().Append(10, []byte{0x80, 60, 0}))
	require.NoError(t, b.ConnectPort(bctx, 0, events))
	require.NoError(t, b.ConnectPort(bctx, 1, in))
	require.NoError(t, b.ConnectPort(bctx, 2, out))

	bctx.Begin(0, tm)
	require.NoError(t, b.Process(bctx, tm))
	events.Clear()
	bctx.Begin(blockSize, tm)
	require.NoError(t, b.Process(bctx, tm))
	assert.Equal(t, []int{2, 0}, rec.Events())
	assert.Equal(t, constant(blockSize, 0.25), out.Floats())
	require.NoError(t, b.Cleanup(ctx))
}

func TestBridgeRemoveHangingPlugin(t *testing.T) {
	ctx := context.Background()
	p := newHanging()
	ctrl := plugin.NewLocalController(func(nodedesc.Node) (plugin.Plugin, error) {
		return p, nil
	})
	cfg := testConfig(t)
	cfg.DeleteTimeout = 100 * time.Millisecond
	r := newRealm(t, plugin.Factory(ctrl, plugin.WithConfig(cfg)), fxDesc("hanging"))
	for i := 0; i < 10 && r.fxState(t) == processor.Running; i++ {
		r.process(t)
	}
	require.Equal(t, processor.Broken, r.fxState(t))
	<-p.entered

	// plugin is still stuck when the node is removed.
	done := make(chan error, 1)
	go func() {
		done <- r.RemoveNode(ctx, "fx")
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remove of hanging plugin isn't bounded")
	}
	_, err := ctrl.Host("fx")
	assert.ErrorIs(t, err, plugin.ErrNotFound)
	r.process(t)
	assert.Equal(t, constant(blockSize, 0), r.left(t))
	require.NoError(t, r.Cleanup(ctx))

	// abandoned host is closed once plugin returns.
	close(p.release)
}

func TestLocalController(t *testing.T) {
	ctx := context.Background()
	ctrl := plugin.NewLocalController(func(nodedesc.Node) (plugin.Plugin, error) {
		return failing{}, nil
	})
	spec := plugin.Spec{ID: "fx", Node: fxDesc("failing"), Pipe: t.TempDir() + "/missing.pipe"}
	require.NoError(t, ctrl.CreatePlugin(ctx, spec))
	assert.ErrorIs(t, ctrl.CreatePlugin(ctx, spec), plugin.ErrExists)

	_, err := ctrl.GetState(ctx, "fx")
	assert.ErrorIs(t, err, plugin.ErrStateUnsupported)
	assert.ErrorIs(t, ctrl.SetState(ctx, "fx", nil), plugin.ErrStateUnsupported)
	_, err = ctrl.GetState(ctx, "other")
	assert.ErrorIs(t, err, plugin.ErrNotFound)

	// host fails to open missing pipe, failure is logged.
	require.NoError(t, ctrl.DeletePlugin(ctx, "fx"))
	assert.ErrorIs(t, ctrl.DeletePlugin(ctx, "fx"), plugin.ErrNotFound)
}

func TestProcessControllerKillsHost(t *testing.T) {
	// host binary that never exits.
	binary := filepath.Join(t.TempDir(), "stuck")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))
	ctrl := plugin.NewProcessController(binary)
	spec := plugin.Spec{ID: "fx", Node: fxDesc("stuck"), Pipe: filepath.Join(t.TempDir(), "fx.pipe")}
	require.NoError(t, ctrl.CreatePlugin(context.Background(), spec))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ctrl.DeletePlugin(ctx, "fx")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, ctrl.DeletePlugin(context.Background(), "fx"), plugin.ErrNotFound)
}
