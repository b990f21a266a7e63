package buffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine/buffer"
)

func TestArena(t *testing.T) {
	a, err := buffer.NewArena(16,
		buffer.Decl{Name: "gain", Type: buffer.Float{}},
		buffer.Decl{Name: "left", Type: buffer.AudioBlock{}},
		buffer.Decl{Name: "events", Type: buffer.Atom{Capacity: 64}},
		buffer.Decl{Name: "left", Type: buffer.AudioBlock{}},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, []string{"gain", "left", "events"}, a.Names())

	left, err := a.Get("left")
	require.NoError(t, err)
	assert.Len(t, left.Floats(), 16)

	_, err = a.Lookup("left", buffer.Float{})
	assert.ErrorIs(t, err, buffer.ErrTypeMismatch)
	_, err = a.Get("right")
	assert.ErrorIs(t, err, buffer.ErrUnknownBuffer)

	for _, e := range a.Layout().Entries {
		assert.Zero(t, e.Offset%8, e.Name)
	}

	resized, err := a.Resized(32)
	require.NoError(t, err)
	left, err = resized.Get("left")
	require.NoError(t, err)
	assert.Len(t, left.Floats(), 32)
	assert.Equal(t, a.Names(), resized.Names())
}

func TestLayoutRedeclare(t *testing.T) {
	_, err := buffer.NewLayout(16,
		buffer.Decl{Name: "x", Type: buffer.Float{}},
		buffer.Decl{Name: "x", Type: buffer.AudioBlock{}},
	)
	assert.ErrorIs(t, err, buffer.ErrTypeMismatch)
}

func TestArenaOnSharedMemory(t *testing.T) {
	l, err := buffer.NewLayout(4,
		buffer.Decl{Name: "in", Type: buffer.AudioBlock{}},
		buffer.Decl{Name: "cond", Type: buffer.PluginCond{}},
	)
	require.NoError(t, err)

	_, err = buffer.NewArenaOn(make([]byte, l.Size-1), l)
	assert.ErrorIs(t, err, buffer.ErrShortMemory)

	mem := make([]byte, l.Size)
	writer, err := buffer.NewArenaOn(mem, l)
	require.NoError(t, err)
	reader, err := buffer.NewArenaOn(mem, l)
	require.NoError(t, err)

	in, _ := writer.Get("in")
	in.Fill(0.25)
	out, _ := reader.Get("in")
	assert.Equal(t, []float32{0.25, 0.25, 0.25, 0.25}, out.Floats())

	wc, _ := writer.Get("cond")
	rc, _ := reader.Get("cond")
	wcell, err := wc.Cell()
	require.NoError(t, err)
	rcell, err := rc.Cell()
	require.NoError(t, err)
	wcell.Signal()
	assert.True(t, rcell.IsSet())
}
