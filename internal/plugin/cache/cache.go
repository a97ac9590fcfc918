// Package cache maps (module path, version) pairs to cache-busting locators.
//
// Registering a version for a path makes every later Locate for that path carry
// a `_cache=<version>` query, so a version bump defeats stale content while the
// same version always yields the same locator. Paths without a registered
// version fall back to a default bust derived from the cache's creation time.
package cache

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// QueryParam is the query parameter carrying the bust token.
const QueryParam = "_cache"

// Key identifies one registered module version.
type Key struct {
	Path    string
	Version string
}

// Cache is a version-keyed locator cache. It is safe for concurrent use.
type Cache struct {
	mu sync.RWMutex

	// bust tokens by (path, version); entries are never replaced
	entries map[Key]string

	// most recently registered version per path
	current map[string]string

	defaultBust string
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultBust overrides the bust token used for unregistered paths.
func WithDefaultBust(token string) Option {
	return func(c *Cache) {
		c.defaultBust = token
	}
}

// New creates a cache whose default bust is the current time in milliseconds.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:     make(map[Key]string),
		current:     make(map[string]string),
		defaultBust: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterVersion records version for path and returns the locator for the
// pair. An empty version registers nothing and returns the default locator.
// Registering the same pair again returns the same locator.
func (c *Cache) RegisterVersion(path, version string) string {
	if version == "" {
		return c.Locate(path)
	}

	key := Key{Path: NormalizePath(path), Version: version}

	c.mu.Lock()
	token, ok := c.entries[key]
	if !ok {
		token = url.QueryEscape(version)
		c.entries[key] = token
	}
	c.current[key.Path] = version
	c.mu.Unlock()

	return withBust(path, token)
}

// Locate returns address with the bust token of the most recently registered
// version for its path, or the default bust when none is registered.
func (c *Cache) Locate(address string) string {
	path := NormalizePath(address)

	c.mu.RLock()
	token := c.defaultBust
	if version, ok := c.current[path]; ok {
		token = c.entries[Key{Path: path, Version: version}]
	}
	c.mu.RUnlock()

	return withBust(address, token)
}

// Lookup returns the locator recorded for an exact (path, version) pair.
func (c *Cache) Lookup(path, version string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.entries[Key{Path: NormalizePath(path), Version: version}]
	if !ok {
		return "", false
	}
	return withBust(path, token), true
}

// DefaultBust returns the bust token for unregistered paths.
func (c *Cache) DefaultBust() string {
	return c.defaultBust
}

// Len returns the number of registered (path, version) pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NormalizePath reduces an address to the path used as cache key: query and
// fragment dropped, leading "/" and "public/" removed, ".lua" suffix removed.
func NormalizePath(address string) string {
	p := address
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimPrefix(p, "public/")
	p = strings.TrimSuffix(p, ".lua")
	return p
}

func withBust(address, token string) string {
	if i := strings.IndexAny(address, "?#"); i >= 0 {
		address = address[:i]
	}
	return address + "?" + QueryParam + "=" + token
}
