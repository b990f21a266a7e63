package render_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/internal/mock"
	"pipelined.dev/engine/nodedesc"
	"pipelined.dev/engine/processor"
	"pipelined.dev/engine/render"
)

const (
	sampleRate = 44100
	blockSize  = 64
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newRealm returns realm with a constant source connected to the sink.
func newRealm(t *testing.T, value float32) *engine.Realm {
	t.Helper()
	ctx := context.Background()
	kernels := processor.NewRegistry()
	src := mock.NewKernel(nodedesc.Node{})
	src.Value = value
	kernels.Register("src", src.Constructor())
	r := engine.New(engine.WithHost(sampleRate, blockSize), engine.WithProcessors(kernels))
	require.NoError(t, r.Setup(ctx))
	n, err := engine.NewNode("src", nodedesc.Node{
		URI:       "test://src",
		Type:      nodedesc.Processor,
		Processor: "src",
		Ports: []nodedesc.Port{
			{Name: "out", Direction: nodedesc.Output, Type: nodedesc.Audio},
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.AddNode(ctx, n))
	out, err := n.Port("out")
	require.NoError(t, err)
	for _, name := range []string{nodedesc.SinkLeft, nodedesc.SinkRight} {
		in, err := r.Sink().Port(name)
		require.NoError(t, err)
		require.NoError(t, r.Connect(out, in))
	}
	return r
}

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestInterleave(t *testing.T) {
	tests := []struct {
		description string
		bitDepth    render.BitDepth
		left, right []float32
		expected    []int
	}{
		{
			description: "16 bit",
			bitDepth:    render.BitDepth16,
			left:        []float32{0, 1, -1},
			right:       []float32{0.5, 2, -2},
			expected:    []int{0, 16384, 32767, 32767, -32767, -32767},
		},
		{
			description: "24 bit",
			bitDepth:    render.BitDepth24,
			left:        []float32{1},
			right:       []float32{-0.5},
			expected:    []int{8388607, -4194304},
		},
	}
	for _, test := range tests {
		ints := render.Interleave(nil, test.left, test.right, test.bitDepth)
		assert.Equal(t, test.expected, ints, test.description)
		l, r := render.Deinterleave(ints, test.bitDepth)
		assert.Len(t, l, len(test.left), test.description)
		assert.Len(t, r, len(test.right), test.description)
	}
}

func TestFileSinks(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		description string
		create      func(path string) (render.Backend, error)
		decode      func(f *os.File) (*audio.IntBuffer, error)
	}{
		{
			description: "wav",
			create: func(path string) (render.Backend, error) {
				return render.NewWavSink(path, render.BitDepth16)
			},
			decode: func(f *os.File) (*audio.IntBuffer, error) {
				d := wav.NewDecoder(f)
				if !d.IsValidFile() {
					return nil, assert.AnError
				}
				return d.FullPCMBuffer()
			},
		},
		{
			description: "aiff",
			create: func(path string) (render.Backend, error) {
				return render.NewAiffSink(path, render.BitDepth16)
			},
			decode: func(f *os.File) (*audio.IntBuffer, error) {
				d := aiff.NewDecoder(f)
				if !d.IsValidFile() {
					return nil, assert.AnError
				}
				return d.FullPCMBuffer()
			},
		},
	}
	for _, test := range tests {
		path := filepath.Join(dir, test.description)
		r := newRealm(t, 0.5)
		b, err := test.create(path)
		require.NoError(t, err, test.description)
		d := render.NewDriver(r, b)
		require.NoError(t, d.Run(context.Background(), 200), test.description)
		require.NoError(t, r.Cleanup(context.Background()), test.description)

		f, err := os.Open(path)
		require.NoError(t, err, test.description)
		buf, err := test.decode(f)
		require.NoError(t, err, test.description)
		require.NoError(t, f.Close())
		assert.Equal(t, 2, buf.Format.NumChannels, test.description)
		assert.Equal(t, sampleRate, buf.Format.SampleRate, test.description)
		require.Len(t, buf.Data, 400, test.description)
		l, rr := render.Deinterleave(buf.Data, render.BitDepth16)
		for i := range l {
			assert.InDelta(t, 0.5, l[i], 0.001, test.description)
			assert.InDelta(t, 0.5, rr[i], 0.001, test.description)
		}
	}

	_, err := render.NewWavSink(filepath.Join(dir, "bad"), 8)
	assert.ErrorIs(t, err, render.ErrUnsupportedBitDepth)
	_, err = render.NewAiffSink(filepath.Join(dir, "bad"), 12)
	assert.ErrorIs(t, err, render.ErrUnsupportedBitDepth)
}

func TestDriverFrames(t *testing.T) {
	r := newRealm(t, 0.25)
	defer func() { require.NoError(t, r.Cleanup(context.Background())) }()
	var levels int
	m := &render.Memory{}
	d := render.NewDriver(r, m, render.WithNotifications(func(n block.Notification) {
		if n.Type == block.Level {
			levels++
		}
	}))
	require.NoError(t, d.Run(context.Background(), 200))

	l, rr := m.Channels()
	assert.Equal(t, constant(200, 0.25), l)
	assert.Equal(t, constant(200, 0.25), rr)
	assert.Equal(t, 4, m.Writes())
	assert.True(t, m.Closed())
	assert.Equal(t, sampleRate, m.SampleRate())
	assert.Positive(t, levels)
}

// throttled slows down writes and records their lengths.
type throttled struct {
	render.Memory
	lengths chan int
}

func (b *throttled) Write(left, right []float32) error {
	select {
	case b.lengths <- len(left):
	default:
	}
	time.Sleep(time.Millisecond)
	return b.Memory.Write(left, right)
}

func TestDriverBlockSize(t *testing.T) {
	r := newRealm(t, 0.25)
	defer func() { require.NoError(t, r.Cleanup(context.Background())) }()
	b := &throttled{lengths: make(chan int, 1)}
	d := render.NewDriver(r, b)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- d.Run(ctx, 0)
	}()
	assert.Equal(t, blockSize, <-b.lengths)
	assert.ErrorIs(t, d.Run(ctx, 0), render.ErrRunning)

	require.NoError(t, d.SetBlockSize(ctx, 128))
	assert.Equal(t, 128, r.BlockSize())
	// drop length that might be sent before resize.
	select {
	case <-b.lengths:
	default:
	}
	assert.Equal(t, 128, <-b.lengths)
	cancel()
	require.NoError(t, <-errc)
	assert.True(t, b.Closed())

	// stopped driver resizes realm directly.
	require.NoError(t, d.SetBlockSize(context.Background(), 32))
	assert.Equal(t, 32, r.BlockSize())
}
