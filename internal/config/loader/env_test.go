package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvLoader(env ...string) *EnvLoader {
	l := NewEnvLoader("PLUGLOAD_")
	l.environ = func() []string { return env }
	return l
}

func TestEnvLoader_Load(t *testing.T) {
	l := newTestEnvLoader(
		"PLUGLOAD_LOG_LEVEL=debug",
		"PLUGLOAD_SANDBOX=true",
		"PLUGLOAD_PLUGIN_DIRS=[\"a\",\"b\"]",
		"PLUGLOAD_FETCH_CACHE_TTL=90s",
		"PLUGLOAD_FETCH_CACHE_ENTRIES=64",
		"HOME=/root",
	)

	config, err := l.Load()
	require.NoError(t, err)

	tests := []struct {
		path string
		want any
	}{
		{"log.level", "debug"},
		{"features.plugins_frontend_sandbox", true},
		{"paths.plugin_dirs", []any{"a", "b"}},
		{"fetch.cache_ttl", 90 * time.Second},
		{"fetch.cache_entries", int64(64)},
	}
	for _, tt := range tests {
		v, ok := GetByPath(config, tt.path)
		if assert.True(t, ok, tt.path) {
			assert.Equal(t, tt.want, v, tt.path)
		}
	}

	_, ok := GetByPath(config, "home")
	assert.False(t, ok)
}

func TestEnvLoader_CustomMapping(t *testing.T) {
	l := newTestEnvLoader("PLUGLOAD_APP_URL=http://localhost:3000")
	l.AddMapping("PLUGLOAD_APP_URL", "runtime.settings.appUrl")

	config, err := l.Load()
	require.NoError(t, err)

	v, ok := GetByPath(config, "runtime.settings.appUrl")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:3000", v)
}

func TestEnvLoader_envToPath(t *testing.T) {
	l := NewEnvLoader("PLUGLOAD_")

	assert.Equal(t, "fetch.cache_ttl", l.envToPath("PLUGLOAD_FETCH_CACHE_TTL"))
	assert.Equal(t, "cdn.base", l.envToPath("PLUGLOAD_CDN_BASE"))
	assert.Equal(t, "", l.envToPath("PLUGLOAD_VERBOSE"))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"yes", true},
		{"OFF", false},
		{"1", int64(1)},
		{"0", int64(0)},
		{"1.5", 1.5},
		{"30s", 30 * time.Second},
		{`{"a":1}`, map[string]any{"a": float64(1)}},
		{"[broken", "[broken"},
		{"production", "production"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseValue(tt.in))
		})
	}
}
