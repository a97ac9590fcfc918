package locate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Fetcher defaults.
const (
	DefaultCacheEntries = 256
	DefaultCacheTTL     = 10 * time.Minute
	DefaultHTTPTimeout  = 30 * time.Second
)

// ErrNotFound is returned when a locator points at nothing.
var ErrNotFound = errors.New("module source not found")

// ContentFetcher fetches the bytes behind a locator.
type ContentFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// FetchError describes a failed fetch.
type FetchError struct {
	Locator string
	Status  int
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Locator, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher reads module source from the filesystem or over HTTP. Results are
// kept in an expiring LRU keyed by locator; since a locator embeds the module
// version, the same locator always yields the same content.
type Fetcher struct {
	root    string
	client  *http.Client
	cache   *lru.LRU[string, []byte]
	observe func(hit bool)
	log     logrus.FieldLogger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*fetcherConfig)

type fetcherConfig struct {
	root    string
	client  *http.Client
	entries int
	ttl     time.Duration
	observe func(hit bool)
	log     logrus.FieldLogger
}

// WithRoot sets the directory relative locators are resolved against.
func WithRoot(dir string) FetcherOption {
	return func(c *fetcherConfig) {
		c.root = dir
	}
}

// WithHTTPClient sets the client used for http(s) locators.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(c *fetcherConfig) {
		c.client = client
	}
}

// WithCache sizes the content cache. A size below one disables caching.
func WithCache(entries int, ttl time.Duration) FetcherOption {
	return func(c *fetcherConfig) {
		c.entries = entries
		c.ttl = ttl
	}
}

// WithObserver registers a callback told about every cache hit or miss.
func WithObserver(fn func(hit bool)) FetcherOption {
	return func(c *fetcherConfig) {
		c.observe = fn
	}
}

// WithFetchLogger sets the logger.
func WithFetchLogger(log logrus.FieldLogger) FetcherOption {
	return func(c *fetcherConfig) {
		c.log = log
	}
}

// NewFetcher creates a fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	cfg := fetcherConfig{
		root:    ".",
		entries: DefaultCacheEntries,
		ttl:     DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.log = l
	}

	f := &Fetcher{
		root:    cfg.root,
		client:  cfg.client,
		observe: cfg.observe,
		log:     cfg.log,
	}
	if cfg.entries > 0 {
		f.cache = lru.NewLRU[string, []byte](cfg.entries, nil, cfg.ttl)
	}
	return f
}

// Fetch returns the content behind locator.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(locator); ok {
			f.record(true)
			return data, nil
		}
		f.record(false)
	}

	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		data, err = f.fetchHTTP(ctx, locator)
	default:
		data, err = f.fetchFile(ctx, locator)
	}
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		f.cache.Add(locator, data)
	}
	f.log.WithField("locator", locator).Debugf("fetched %d bytes", len(data))
	return data, nil
}

// Len returns the number of cached entries.
func (f *Fetcher) Len() int {
	if f.cache == nil {
		return 0
	}
	return f.cache.Len()
}

// Purge drops all cached content.
func (f *Fetcher) Purge() {
	if f.cache != nil {
		f.cache.Purge()
	}
}

func (f *Fetcher) record(hit bool) {
	if f.observe != nil {
		f.observe(hit)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, &FetchError{Locator: locator, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Locator: locator, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{Locator: locator, Status: resp.StatusCode, Err: ErrNotFound}
	case resp.StatusCode != http.StatusOK:
		return nil, &FetchError{Locator: locator, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Locator: locator, Err: err}
	}
	return data, nil
}

// fetchFile reads a relative or file:// locator below the root. Paths cannot
// escape the root.
func (f *Fetcher) fetchFile(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := stripQuery(strings.TrimPrefix(locator, "file://"))
	full := filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+p)))

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &FetchError{Locator: locator, Err: ErrNotFound}
		}
		return nil, &FetchError{Locator: locator, Err: err}
	}
	return data, nil
}
