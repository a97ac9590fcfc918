package locate

import (
	"context"
	"path"
	"strings"

	"github.com/dshills/plugload/internal/plugin/cache"
)

// Source is fetched and translated module source.
type Source struct {
	Strategy string
	Path     string
	Locator  string
	Code     []byte
}

// IsStylesheet reports whether the source is a stylesheet rather than code.
func (s *Source) IsStylesheet() bool {
	return strings.HasSuffix(stripQuery(s.Path), ".css")
}

// Stylesheet is the default export of a loaded stylesheet.
type Stylesheet struct {
	Locator string
	Content string
}

// Resolver picks a strategy for a module path and fetches its source.
type Resolver struct {
	strategies []Strategy
	fallback   Strategy
	fetcher    ContentFetcher
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCDN enables the CDN strategy for "plugin-cdn/" paths. It is tried
// before every other strategy, so CDN stylesheets are fetched from the CDN.
func WithCDN(baseURL string) ResolverOption {
	return func(r *Resolver) {
		if baseURL != "" {
			r.strategies = append([]Strategy{NewCDNStrategy(baseURL)}, r.strategies...)
		}
	}
}

// WithStrategy adds a strategy. Strategies are tried in the order added,
// before the file strategy.
func WithStrategy(s Strategy) ResolverOption {
	return func(r *Resolver) {
		r.strategies = append(r.strategies, s)
	}
}

// NewResolver creates a resolver using c for cache busting and f for
// fetching.
func NewResolver(c *cache.Cache, f ContentFetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		strategies: []Strategy{NewCSSStrategy(c)},
		fallback:   NewFileStrategy(c),
		fetcher:    f,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the strategy that handles path.
func (r *Resolver) Strategy(p string) Strategy {
	for _, s := range r.strategies {
		if s.Match(p) {
			return s
		}
	}
	return r.fallback
}

// Resolve locates, fetches and translates the source for a module path.
func (r *Resolver) Resolve(ctx context.Context, p string) (*Source, error) {
	s := r.Strategy(p)
	locator := s.Locate(p)

	code, err := r.fetcher.Fetch(ctx, locator)
	if err != nil {
		return nil, err
	}
	return &Source{
		Strategy: s.Name(),
		Path:     p,
		Locator:  locator,
		Code:     s.Translate(code, p),
	}, nil
}

// Join resolves a require name against the module that required it.
// Relative names ("./x", "../x") are taken relative to the module's
// directory; other names are returned unchanged.
func Join(from, name string) string {
	if !strings.HasPrefix(name, "./") && !strings.HasPrefix(name, "../") {
		return name
	}
	dir := path.Dir(stripQuery(from))
	return path.Join(dir, name)
}
