package pluginstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine/pluginstate"
)

func TestStore(t *testing.T) {
	tests := []struct {
		description string
		open        func(*testing.T) pluginstate.Store
	}{
		{
			description: "memory",
			open: func(*testing.T) pluginstate.Store {
				return pluginstate.NewMemoryStore()
			},
		},
		{
			description: "pebble",
			open: func(t *testing.T) pluginstate.Store {
				s, err := pluginstate.OpenPebble(t.TempDir())
				require.NoError(t, err)
				return s
			},
		},
	}
	for _, test := range tests {
		s := test.open(t)

		_, err := s.Get("delay")
		assert.ErrorIs(t, err, pluginstate.ErrNotFound, test.description)

		state := []byte{1, 2, 3}
		require.NoError(t, s.Put("reverb", []byte("room")), test.description)
		require.NoError(t, s.Put("delay", state), test.description)
		state[0] = 42
		v, err := s.Get("delay")
		require.NoError(t, err, test.description)
		assert.Equal(t, []byte{1, 2, 3}, v, test.description)

		keys, err := s.Keys()
		require.NoError(t, err, test.description)
		assert.Equal(t, []string{"delay", "reverb"}, keys, test.description)

		require.NoError(t, s.Delete("delay"), test.description)
		_, err = s.Get("delay")
		assert.ErrorIs(t, err, pluginstate.ErrNotFound, test.description)
		require.NoError(t, s.Close(), test.description)
	}
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := pluginstate.OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("delay", []byte("state")))
	require.NoError(t, s.Close())

	s, err = pluginstate.OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get("delay")
	require.NoError(t, err)
	assert.Equal(t, []byte("state"), v)
}
