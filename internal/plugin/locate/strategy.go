// Package locate turns plugin module paths into fetchable locators and
// fetches their source.
//
// Three strategies exist, chosen by path: stylesheets (".css"), CDN-hosted
// plugins ("plugin-cdn/" prefix) and everything else, which is loaded from the
// host with a cache-busting query taken from the version cache.
package locate

import (
	"bytes"
	"strings"

	"github.com/dshills/plugload/internal/plugin/cache"
)

// Strategy names.
const (
	StrategyPluginLoader = "plugin-loader"
	StrategyCSS          = "css"
	StrategyCDN          = "cdn"
)

// CDNPrefix marks module paths served from the plugin CDN.
const CDNPrefix = "plugin-cdn/"

// DefaultExtension is appended to module paths that have no extension.
const DefaultExtension = ".lua"

// Strategy locates and translates one class of module paths.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Match reports whether the strategy handles path.
	Match(path string) bool

	// Locate returns the locator to fetch path from.
	Locate(path string) string

	// Translate rewrites fetched source before it is evaluated.
	Translate(src []byte, path string) []byte
}

// FileStrategy loads modules from the host, busting caches with the version
// registered for the module's path.
type FileStrategy struct {
	cache *cache.Cache
}

// NewFileStrategy creates the default strategy.
func NewFileStrategy(c *cache.Cache) *FileStrategy {
	return &FileStrategy{cache: c}
}

// Name implements Strategy.
func (s *FileStrategy) Name() string { return StrategyPluginLoader }

// Match implements Strategy. The file strategy handles every path.
func (s *FileStrategy) Match(string) bool { return true }

// Locate implements Strategy.
func (s *FileStrategy) Locate(path string) string {
	return s.cache.Locate(withExtension(trimHostPrefix(path)))
}

// Translate implements Strategy.
func (s *FileStrategy) Translate(src []byte, _ string) []byte { return src }

// CSSStrategy loads stylesheets. Stylesheets are not evaluated; the loader
// exposes their content as a Stylesheet export.
type CSSStrategy struct {
	cache *cache.Cache
}

// NewCSSStrategy creates the stylesheet strategy.
func NewCSSStrategy(c *cache.Cache) *CSSStrategy {
	return &CSSStrategy{cache: c}
}

// Name implements Strategy.
func (s *CSSStrategy) Name() string { return StrategyCSS }

// Match implements Strategy.
func (s *CSSStrategy) Match(path string) bool {
	return strings.HasSuffix(stripQuery(path), ".css")
}

// Locate implements Strategy.
func (s *CSSStrategy) Locate(path string) string {
	return s.cache.Locate(trimHostPrefix(path))
}

// Translate implements Strategy.
func (s *CSSStrategy) Translate(src []byte, _ string) []byte { return src }

// CDNStrategy loads plugins from the plugin CDN. A CDN path has the form
// "plugin-cdn/<id>/<version>/public/plugins/<id>/<file>".
type CDNStrategy struct {
	base string
}

// NewCDNStrategy creates the CDN strategy for the given base URL.
func NewCDNStrategy(baseURL string) *CDNStrategy {
	return &CDNStrategy{base: strings.TrimSuffix(baseURL, "/")}
}

// Name implements Strategy.
func (s *CDNStrategy) Name() string { return StrategyCDN }

// Match implements Strategy.
func (s *CDNStrategy) Match(path string) bool {
	return strings.HasPrefix(trimHostPrefix(path), CDNPrefix)
}

// Locate implements Strategy. CDN assets are immutable per version, so no
// bust query is added.
func (s *CDNStrategy) Locate(path string) string {
	rest := strings.TrimPrefix(withExtension(trimHostPrefix(stripQuery(path))), CDNPrefix)
	return s.base + "/" + rest
}

// Translate implements Strategy. References to the plugin's host asset
// directory are rewritten to the same directory on the CDN.
func (s *CDNStrategy) Translate(src []byte, path string) []byte {
	id, version, ok := cdnPluginVersion(path)
	if !ok {
		return src
	}
	hostDir := []byte("public/plugins/" + id + "/")
	cdnDir := []byte(s.base + "/" + id + "/" + version + "/public/plugins/" + id + "/")
	return bytes.ReplaceAll(src, hostDir, cdnDir)
}

// cdnPluginVersion extracts the plugin id and version from a CDN path.
func cdnPluginVersion(path string) (id, version string, ok bool) {
	rest := strings.TrimPrefix(trimHostPrefix(stripQuery(path)), CDNPrefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func trimHostPrefix(path string) string {
	path = strings.TrimPrefix(path, "/")
	return strings.TrimPrefix(path, "public/")
}

func stripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}

// withExtension appends DefaultExtension when the last path element has no
// extension.
func withExtension(path string) string {
	p := stripQuery(path)
	last := p
	if i := strings.LastIndex(p, "/"); i >= 0 {
		last = p[i+1:]
	}
	if strings.Contains(last, ".") {
		return path
	}
	return p + DefaultExtension + path[len(p):]
}
