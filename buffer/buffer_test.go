package buffer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine/buffer"
)

const blockSize = 8

func filled(t *testing.T, name string, typ buffer.Type, values ...float32) *buffer.Buffer {
	t.Helper()
	b := buffer.New(name, typ, blockSize)
	f := b.Floats()
	for i := range f {
		f[i] = values[i%len(values)]
	}
	return b
}

func TestMixCommutative(t *testing.T) {
	tests := []struct {
		description string
		typ         buffer.Type
		a, b        []float32
	}{
		{
			description: "audio block",
			typ:         buffer.AudioBlock{},
			a:           []float32{0.1, -0.25, 0.3},
			b:           []float32{0.7, 0.2},
		},
		{
			description: "float",
			typ:         buffer.Float{},
			a:           []float32{0.33},
			b:           []float32{-1.5},
		},
		{
			description: "zero values",
			typ:         buffer.AudioBlock{},
			a:           []float32{0},
			b:           []float32{0},
		},
	}
	for _, test := range tests {
		a := filled(t, "a", test.typ, test.a...)
		b := filled(t, "b", test.typ, test.b...)

		ab := buffer.New("ab", test.typ, blockSize)
		ab.Clear()
		require.NoError(t, ab.Mix(a), test.description)
		require.NoError(t, ab.Mix(b), test.description)

		ba := buffer.New("ba", test.typ, blockSize)
		ba.Clear()
		require.NoError(t, ba.Mix(b), test.description)
		require.NoError(t, ba.Mix(a), test.description)

		assert.InDeltaSlice(t, ab.Floats(), ba.Floats(), 1e-7, test.description)
	}
}

func TestClearThenZeroMix(t *testing.T) {
	dst := filled(t, "dst", buffer.AudioBlock{}, 0.5, 1)
	zero := buffer.New("zero", buffer.AudioBlock{}, blockSize)
	dst.Clear()
	for i := 0; i < 5; i++ {
		require.NoError(t, dst.Mix(zero))
	}
	assert.Equal(t, make([]float32, blockSize), dst.Floats())
}

func TestMixTypeMismatch(t *testing.T) {
	dst := buffer.New("dst", buffer.AudioBlock{}, blockSize)
	src := buffer.New("src", buffer.Float{}, blockSize)
	assert.ErrorIs(t, dst.Mix(src), buffer.ErrTypeMismatch)
}

func TestMul(t *testing.T) {
	b := filled(t, "b", buffer.AudioBlock{}, 0.5)
	require.NoError(t, b.Mul(0.5))
	for _, v := range b.Floats() {
		assert.Equal(t, float32(0.25), v)
	}

	atoms := buffer.New("atoms", buffer.Atom{}, blockSize)
	assert.ErrorIs(t, atoms.Mul(2), buffer.ErrUnsupported)
}

func TestAtomMix(t *testing.T) {
	typ := buffer.Atom{Capacity: 256}
	dst := buffer.New("dst", typ, blockSize)
	src := buffer.New("src", typ, blockSize)
	dst.Clear()
	src.Clear()
	require.NoError(t, dst.Atoms().Append(1, []byte("a")))
	require.NoError(t, dst.Atoms().Append(5, []byte("c")))
	require.NoError(t, src.Atoms().Append(3, []byte("b")))
	require.NoError(t, src.Atoms().Append(5, []byte("d")))

	require.NoError(t, dst.Mix(src))

	var got []string
	var frames []uint32
	dst.Atoms().Events(func(e buffer.Event) bool {
		got = append(got, string(e.Data))
		frames = append(frames, e.Frame)
		return true
	})
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Equal(t, []uint32{1, 3, 5, 5}, frames)

	dst.Clear()
	assert.Equal(t, 0, dst.Atoms().Len())
}

func TestAtomMixOrder(t *testing.T) {
	type event struct {
		frame uint32
		data  string
	}
	tests := []struct {
		description string
		dst, src    []event
		expected    []event
	}{
		{
			description: "src before dst",
			dst:         []event{{5, "cc"}},
			src:         []event{{1, "a"}, {2, "bbb"}},
			expected:    []event{{1, "a"}, {2, "bbb"}, {5, "cc"}},
		},
		{
			description: "src after dst",
			dst:         []event{{0, "a"}, {1, "bb"}},
			src:         []event{{1, "c"}, {7, "dddd"}},
			expected:    []event{{0, "a"}, {1, "bb"}, {1, "c"}, {7, "dddd"}},
		},
		{
			description: "empty dst",
			src:         []event{{3, "x"}},
			expected:    []event{{3, "x"}},
		},
	}
	for _, test := range tests {
		dst := buffer.New("dst", buffer.Atom{Capacity: 64}, blockSize)
		src := buffer.New("src", buffer.Atom{Capacity: 64}, blockSize)
		dst.Clear()
		src.Clear()
		for _, e := range test.dst {
			require.NoError(t, dst.Atoms().Append(e.frame, []byte(e.data)), test.description)
		}
		for _, e := range test.src {
			require.NoError(t, src.Atoms().Append(e.frame, []byte(e.data)), test.description)
		}
		require.NoError(t, dst.Mix(src), test.description)

		var got []event
		dst.Atoms().Events(func(e buffer.Event) bool {
			got = append(got, event{e.Frame, string(e.Data)})
			return true
		})
		assert.Equal(t, test.expected, got, test.description)
	}
}

func TestAtomMixAllocs(t *testing.T) {
	dst := buffer.New("dst", buffer.Atom{}, blockSize)
	src := buffer.New("src", buffer.Atom{}, blockSize)
	src.Clear()
	data := []byte{0x90, 60, 100}
	require.NoError(t, src.Atoms().Append(4, data))

	allocs := testing.AllocsPerRun(100, func() {
		dst.Clear()
		if err := dst.Atoms().Append(2, data); err != nil {
			t.Fatal(err)
		}
		if err := dst.Mix(src); err != nil {
			t.Fatal(err)
		}
	})
	assert.Zero(t, allocs)
	assert.Equal(t, 2, dst.Atoms().Len())
}

func TestAtomOverflow(t *testing.T) {
	b := buffer.New("events", buffer.Atom{Capacity: 16}, blockSize)
	require.NoError(t, b.Atoms().Append(0, []byte("12345678")))
	assert.ErrorIs(t, b.Atoms().Append(1, []byte("x")), buffer.ErrAtomOverflow)
}

func TestCell(t *testing.T) {
	b := buffer.New("cond", buffer.PluginCond{}, blockSize)
	c, err := b.Cell()
	require.NoError(t, err)

	c.Clear()
	start := time.Now()
	assert.Equal(t, buffer.TimedOut, c.Wait(10*time.Millisecond, 5))
	assert.Less(t, time.Since(start), time.Second)

	c.Signal()
	assert.Equal(t, buffer.Signaled, c.Wait(10*time.Millisecond, 5))

	b.Clear()
	assert.False(t, c.IsSet())

	_, err = buffer.New("f", buffer.Float{}, blockSize).Cell()
	assert.ErrorIs(t, err, buffer.ErrTypeMismatch)
}

func TestRMS(t *testing.T) {
	b := filled(t, "b", buffer.AudioBlock{}, 0.5, -0.5)
	assert.InDelta(t, 0.5, b.RMS(), 1e-6)
}

func TestParseType(t *testing.T) {
	for _, typ := range []buffer.Type{
		buffer.Float{},
		buffer.AudioBlock{},
		buffer.PluginCond{},
		buffer.Atom{Capacity: 512},
	} {
		parsed, err := buffer.ParseType(typ.String())
		require.NoError(t, err, typ.String())
		assert.True(t, buffer.Equal(typ, parsed), typ.String())
	}
	// ports declare atoms with default capacity.
	parsed, err := buffer.ParseType(buffer.Atom{}.String())
	require.NoError(t, err)
	assert.True(t, buffer.Equal(buffer.Atom{}, parsed))
	assert.False(t, buffer.Equal(buffer.Atom{Capacity: 16}, parsed))
	assert.False(t, buffer.Equal(buffer.Atom{}, buffer.Float{}))

	_, err = buffer.ParseType("midi")
	assert.ErrorIs(t, err, buffer.ErrUnsupported)
}
