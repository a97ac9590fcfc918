package loader

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOMLLoader_Load(t *testing.T) {
	fsys := fstest.MapFS{
		"plugload.toml": {Data: []byte(`
[log]
level = "debug"

[paths]
plugin_dirs = ["data/plugins", "/opt/plugins"]

[fetch]
cache_entries = 128
cache_ttl = "5m"
`)},
	}

	config, err := NewTOMLLoaderWithFS(fsys, "plugload.toml").Load()
	require.NoError(t, err)

	v, ok := GetByPath(config, "log.level")
	require.True(t, ok)
	assert.Equal(t, "debug", v)

	v, _ = GetByPath(config, "fetch.cache_entries")
	assert.Equal(t, int64(128), v)

	v, _ = GetByPath(config, "paths.plugin_dirs")
	assert.Equal(t, []any{"data/plugins", "/opt/plugins"}, v)
}

func TestTOMLLoader_MissingFile(t *testing.T) {
	config, err := NewTOMLLoaderWithFS(fstest.MapFS{}, "nope.toml").Load()
	require.NoError(t, err)
	assert.Nil(t, config)
}

func TestTOMLLoader_ParseError(t *testing.T) {
	fsys := fstest.MapFS{
		"bad.toml": {Data: []byte("[log]\nlevel = \n")},
	}

	_, err := NewTOMLLoaderWithFS(fsys, "bad.toml").Load()

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad.toml", perr.Path)
	assert.Greater(t, perr.Line, 0)
	assert.Contains(t, err.Error(), "bad.toml at line")
}

func TestTOMLLoader_LoadFromReader(t *testing.T) {
	config, err := NewTOMLLoader("").LoadFromReader(strings.NewReader(`[cdn]
base_url = "https://cdn.example.com"`))
	require.NoError(t, err)

	v, ok := GetByPath(config, "cdn.base_url")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com", v)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"log":   map[string]any{"level": "info", "format": "text"},
		"build": map[string]any{"env": "production"},
	}
	src := map[string]any{
		"log":     map[string]any{"level": "debug"},
		"build":   "replaced",
		"metrics": map[string]any{"addr": ":9090"},
	}

	got := DeepMerge(dst, src)
	assert.Equal(t, map[string]any{
		"log":     map[string]any{"level": "debug", "format": "text"},
		"build":   "replaced",
		"metrics": map[string]any{"addr": ":9090"},
	}, got)
}

func TestDeepMergeNil(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1}, DeepMerge(nil, map[string]any{"a": 1}))
	assert.Equal(t, map[string]any{"a": 1}, DeepMerge(map[string]any{"a": 1}, nil))
}

func TestClone(t *testing.T) {
	src := map[string]any{
		"paths": map[string]any{"plugin_dirs": []any{"a", map[string]any{"b": 1}}},
	}
	dst := Clone(src)
	dst["paths"].(map[string]any)["plugin_dirs"].([]any)[0] = "changed"

	v, _ := GetByPath(src, "paths.plugin_dirs")
	assert.Equal(t, "a", v.([]any)[0])
	assert.Nil(t, Clone(nil))
}
