package vst2_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine/plugin/vst2"
)

func TestCache(t *testing.T) {
	t.Setenv("VST_PATH", "")
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(nested, 0o755))
	for _, name := range []string{
		filepath.Join(dir, "delay"+vst2.FileExtension()),
		filepath.Join(nested, "reverb"+vst2.FileExtension()),
		filepath.Join(dir, "readme.txt"),
	} {
		require.NoError(t, os.WriteFile(name, nil, 0o644))
	}

	c := vst2.NewCache(nil, dir, dir, filepath.Join(dir, "missing"))
	assert.Contains(t, c.Paths, dir)
	assert.Len(t, c.Libs, 2)
	assert.Len(t, c.Libs[dir], 1)

	tests := []struct {
		description string
		id          string
		expected    string
		fails       bool
	}{
		{
			description: "name",
			id:          "vst2:delay",
			expected:    filepath.Join(dir, "delay"+vst2.FileExtension()),
		},
		{
			description: "nested name",
			id:          "reverb",
			expected:    filepath.Join(nested, "reverb"+vst2.FileExtension()),
		},
		{
			description: "path",
			id:          vst2.URIPrefix + filepath.Join(nested, "reverb"+vst2.FileExtension()),
			expected:    filepath.Join(nested, "reverb"+vst2.FileExtension()),
		},
		{
			description: "unknown name",
			id:          "vst2:readme",
			fails:       true,
		},
		{
			description: "missing path",
			id:          filepath.Join(dir, "chorus"+vst2.FileExtension()),
			fails:       true,
		},
	}
	for _, test := range tests {
		path, err := c.Path(test.id)
		if test.fails {
			assert.Error(t, err, test.description)
			continue
		}
		require.NoError(t, err, test.description)
		assert.Equal(t, test.expected, path, test.description)
	}
	assert.Contains(t, c.String(), "reverb")
}
