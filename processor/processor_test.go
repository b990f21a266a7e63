package processor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine/block"
	"pipelined.dev/engine/buffer"
	"pipelined.dev/engine/internal/mock"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
)

var errTest = errors.New("test error")

const blockSize = 16

var desc = nodedesc.Node{
	URI:       "test://source",
	Type:      nodedesc.Processor,
	Processor: "mock",
	Ports: []nodedesc.Port{
		{Name: "in", Direction: nodedesc.Input, Type: nodedesc.Audio},
		{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
	},
}

var tm = block.ConstantTempo{SampleRate: 44100, BPM: 120}

func setup(t *testing.T, k *mock.Kernel, options ...processor.Option) (*processor.Processor, *block.Context, *buffer.Buffer) {
	t.Helper()
	p := processor.New("node", desc, k, options...)
	require.NoError(t, p.Setup(context.Background()))
	bctx := block.NewContext(44100, blockSize)
	in := buffer.New("in", buffer.AudioBlock{}, blockSize)
	out := buffer.New("out", buffer.AudioBlock{}, blockSize)
	require.NoError(t, p.ConnectPort(bctx, 0, in))
	require.NoError(t, p.ConnectPort(bctx, 1, out))
	return p, bctx, out
}

func TestLifecycle(t *testing.T) {
	k := mock.NewKernel(desc)
	var states []processor.State
	p := processor.New("node", desc, k, processor.WithStateListener(func(s processor.State) {
		states = append(states, s)
	}))
	assert.Equal(t, processor.Inactive, p.State())
	assert.ErrorIs(t, p.Cleanup(context.Background()), processor.ErrInvalidState)

	require.NoError(t, p.Setup(context.Background()))
	assert.True(t, k.SetUp)
	assert.ErrorIs(t, p.Setup(context.Background()), processor.ErrInvalidState)

	require.NoError(t, p.Cleanup(context.Background()))
	assert.True(t, k.CleanedUp)
	assert.Equal(t, processor.CleanedUp, p.State())
	assert.Equal(t, []processor.State{processor.Running, processor.CleanedUp}, states)

	assert.ErrorIs(t, p.ConnectPort(nil, 5, nil), processor.ErrPortIndex)
}

func TestSetupError(t *testing.T) {
	k := mock.NewKernel(desc)
	k.ErrorOnSetup = errTest
	p := processor.New("node", desc, k)
	assert.ErrorIs(t, p.Setup(context.Background()), errTest)
	assert.Equal(t, processor.Inactive, p.State())
}

func TestBroken(t *testing.T) {
	tests := []struct {
		description string
		kernel      *mock.Kernel
	}{
		{
			description: "error",
			kernel:      &mock.Kernel{Value: 1, ErrorOnCall: errTest},
		},
		{
			description: "panic",
			kernel:      &mock.Kernel{Value: 1, PanicOnCall: true},
		},
		{
			description: "error after blocks",
			kernel:      &mock.Kernel{Value: 1, FailAfter: 2},
		},
	}
	for _, test := range tests {
		k := test.kernel
		_, err := k.Constructor()(desc)
		require.NoError(t, err)
		p, bctx, out := setup(t, k)

		var errs []error
		for i := 0; i < 5; i++ {
			bctx.Begin(int64(i*blockSize), tm)
			if err := p.ProcessBlock(bctx, tm); err != nil {
				errs = append(errs, err)
			}
		}
		assert.Len(t, errs, 1, test.description)
		assert.ErrorIs(t, errs[0], processor.ErrBroken, test.description)
		var perr *processor.Error
		assert.ErrorAs(t, errs[0], &perr, test.description)
		assert.Equal(t, "node", perr.Processor, test.description)
		assert.Equal(t, processor.Broken, p.State(), test.description)
		assert.Equal(t, make([]float32, blockSize), out.Floats(), test.description)
		require.NoError(t, p.Cleanup(context.Background()), test.description)
	}
}

func TestBrokenNotifications(t *testing.T) {
	k := &mock.Kernel{ErrorOnCall: errTest}
	_, _ = k.Constructor()(desc)
	p, bctx, _ := setup(t, k)
	bctx.Begin(0, tm)
	assert.Error(t, p.ProcessBlock(bctx, tm))
	require.Len(t, bctx.Out, 2)
	assert.Equal(t, block.StateChanged, bctx.Out[0].Type)
	assert.Equal(t, "broken", bctx.Out[0].State)
	assert.ErrorIs(t, bctx.Out[1].Err, errTest)
}

func TestMessages(t *testing.T) {
	k := &mock.Kernel{}
	_, _ = k.Constructor()(desc)
	p, bctx, out := setup(t, k, processor.WithQueueSize(2))

	require.NoError(t, p.HandleMessage("a"))
	require.NoError(t, p.HandleMessage("b"))
	assert.ErrorIs(t, p.HandleMessage("c"), processor.ErrQueueFull)
	require.NoError(t, p.SetParameters(processor.Parameters{"value": 0.5}))
	assert.Empty(t, k.Messages())

	bctx.Begin(0, tm)
	require.NoError(t, p.ProcessBlock(bctx, tm))
	assert.Equal(t, []processor.Message{"a", "b"}, k.Messages())
	assert.Equal(t, float32(0.5), out.Floats()[0])
	blocks, samples := k.Count()
	assert.Equal(t, 1, blocks)
	assert.Equal(t, blockSize, samples)
}

// silent kernel doesn't handle messages.
type silent struct{}

func (silent) Setup(context.Context) error                           { return nil }
func (silent) Cleanup(context.Context) error                         { return nil }
func (silent) ConnectPort(*block.Context, int, *buffer.Buffer) error { return nil }
func (silent) Process(*block.Context, block.TimeMapper) error        { return nil }

func TestUnsupportedMessage(t *testing.T) {
	p := processor.New("node", desc, silent{}, processor.WithQueueSize(1))
	require.NoError(t, p.Setup(context.Background()))
	bctx := block.NewContext(44100, blockSize)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, p.HandleMessage("mute"), processor.ErrUnsupportedMessage)
	}
	bctx.Begin(0, tm)
	require.NoError(t, p.ProcessBlock(bctx, tm))
	assert.Empty(t, bctx.Out)
	assert.Equal(t, processor.Running, p.State())
	require.NoError(t, p.Cleanup(context.Background()))
}

func TestResize(t *testing.T) {
	tests := []struct {
		description string
		err         error
		expected    processor.State
	}{
		{
			description: "ok",
			expected:    processor.Running,
		},
		{
			description: "error",
			err:         errTest,
			expected:    processor.Broken,
		},
	}
	for _, test := range tests {
		k := &mock.Kernel{}
		k.ErrorOnResize = test.err
		_, _ = k.Constructor()(desc)
		p, _, _ := setup(t, k)

		err := p.Resize(context.Background(), 44100, 32)
		if test.err != nil {
			assert.ErrorIs(t, err, processor.ErrBroken, test.description)
			assert.ErrorIs(t, err, test.err, test.description)
		} else {
			assert.NoError(t, err, test.description)
		}
		assert.Equal(t, test.expected, p.State(), test.description)
		assert.Equal(t, []int{32}, k.Resizes(), test.description)

		// broken processor isn't resized again.
		_ = p.Resize(context.Background(), 44100, 64)
		if test.err != nil {
			assert.Equal(t, []int{32}, k.Resizes(), test.description)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := processor.NewRegistry()
	k := mock.NewKernel(desc)
	r.Register("mock", k.Constructor())
	got, err := r.Kernel(desc)
	require.NoError(t, err)
	assert.Same(t, k, got)
	assert.Equal(t, []string{"mock"}, r.Types())

	_, err = r.Kernel(nodedesc.Node{Processor: "other"})
	assert.ErrorIs(t, err, processor.ErrUnknownType)
}
