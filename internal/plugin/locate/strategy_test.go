package locate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dshills/plugload/internal/plugin/cache"
)

func TestFileStrategyLocate(t *testing.T) {
	c := cache.New(cache.WithDefaultBust("1700000000000"))
	s := NewFileStrategy(c)

	tests := []struct {
		name string
		path string
		want string
	}{
		{"default bust", "plugins/foo/module", "plugins/foo/module.lua?_cache=1700000000000"},
		{"host prefix", "public/plugins/foo/module", "plugins/foo/module.lua?_cache=1700000000000"},
		{"explicit extension", "plugins/foo/module.lua", "plugins/foo/module.lua?_cache=1700000000000"},
		{"existing query", "plugins/foo/module?x=1", "plugins/foo/module.lua?_cache=1700000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, s.Match(tt.path))
			assert.Equal(t, tt.want, s.Locate(tt.path))
		})
	}
}

func TestFileStrategyUsesRegisteredVersion(t *testing.T) {
	c := cache.New(cache.WithDefaultBust("0"))
	s := NewFileStrategy(c)

	c.RegisterVersion("plugins/foo/module", "1.0.0")
	assert.Equal(t, "plugins/foo/module.lua?_cache=1.0.0", s.Locate("plugins/foo/module"))

	c.RegisterVersion("plugins/foo/module", "2.0.0")
	assert.Equal(t, "plugins/foo/module.lua?_cache=2.0.0", s.Locate("public/plugins/foo/module"))
}

func TestCSSStrategy(t *testing.T) {
	c := cache.New(cache.WithDefaultBust("5"))
	s := NewCSSStrategy(c)

	assert.Equal(t, StrategyCSS, s.Name())
	assert.True(t, s.Match("plugins/foo/styles/dark.css"))
	assert.True(t, s.Match("plugins/foo/styles/dark.css?v=1"))
	assert.False(t, s.Match("plugins/foo/module"))
	assert.Equal(t, "plugins/foo/styles/dark.css?_cache=5", s.Locate("public/plugins/foo/styles/dark.css"))
}

func TestCDNStrategy(t *testing.T) {
	s := NewCDNStrategy("https://cdn.example.com/")
	p := "plugin-cdn/foo-panel/1.2.0/public/plugins/foo-panel/module"

	assert.Equal(t, StrategyCDN, s.Name())
	assert.True(t, s.Match(p))
	assert.True(t, s.Match("public/"+p))
	assert.False(t, s.Match("plugins/foo-panel/module"))
	assert.Equal(t, "https://cdn.example.com/foo-panel/1.2.0/public/plugins/foo-panel/module.lua", s.Locate(p))
}

func TestCDNStrategyTranslate(t *testing.T) {
	s := NewCDNStrategy("https://cdn.example.com")
	p := "plugin-cdn/foo-panel/1.2.0/public/plugins/foo-panel/module"

	src := []byte(`return { logo = "public/plugins/foo-panel/img/logo.svg", other = "public/plugins/bar/x.svg" }`)
	got := string(s.Translate(src, p))

	assert.Contains(t, got, `"https://cdn.example.com/foo-panel/1.2.0/public/plugins/foo-panel/img/logo.svg"`)
	assert.Contains(t, got, `"public/plugins/bar/x.svg"`)
}

func TestCDNStrategyTranslateMalformedPath(t *testing.T) {
	s := NewCDNStrategy("https://cdn.example.com")
	src := []byte(`return {}`)

	assert.Equal(t, src, s.Translate(src, "plugin-cdn/only-id"))
}

func TestWithExtension(t *testing.T) {
	assert.Equal(t, "a/b.lua", withExtension("a/b"))
	assert.Equal(t, "a/b.lua?x=1", withExtension("a/b?x=1"))
	assert.Equal(t, "a/b.css", withExtension("a/b.css"))
	assert.Equal(t, "a.d/b.lua", withExtension("a.d/b"))
}
