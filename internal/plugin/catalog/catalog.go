// Package catalog discovers plugin metadata on disk.
//
// Each configured directory holds one subdirectory per plugin with a
// plugin.json (or plugin.yaml) manifest. The catalog can watch its
// directories and report plugins whose files changed, so newly installed or
// updated plugins can be loaded without a restart.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/dshills/plugload/internal/plugin"
)

// DefaultDebounce is how long Watch waits for file activity to settle.
const DefaultDebounce = 250 * time.Millisecond

// Entry is one discovered plugin directory.
type Entry struct {
	ID      string
	Dir     string
	Meta    *plugin.Meta
	ModTime time.Time
	Err     error
}

// Catalog holds the plugins discovered in a set of directories.
type Catalog struct {
	mu sync.RWMutex

	// Search paths for plugins (checked in order)
	paths []string

	// Discovered plugins by id
	entries map[string]*Entry

	debounce time.Duration
	log      logrus.FieldLogger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) Option {
	return func(c *Catalog) {
		c.paths = paths
	}
}

// WithDebounce sets the settle time of Watch.
func WithDebounce(d time.Duration) Option {
	return func(c *Catalog) {
		c.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Catalog) {
		c.log = log
	}
}

// New creates a catalog. Call Discover to populate it.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		entries:  make(map[string]*Entry),
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	return c
}

// Paths returns the configured search paths.
func (c *Catalog) Paths() []string {
	return c.paths
}

// Discover scans the search paths and replaces the catalog contents.
// Returns entries sorted by id. Missing search paths are not errors.
func (c *Catalog) Discover() ([]*Entry, error) {
	found := make(map[string]*Entry)
	for _, basePath := range c.paths {
		if err := c.discoverInPath(basePath, found); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.entries = found
	c.mu.Unlock()

	return c.Entries(), nil
}

// discoverInPath finds plugins in a single directory.
func (c *Catalog) discoverInPath(basePath string, found map[string]*Entry) error {
	dirEntries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan %s: %w", basePath, err)
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(basePath, de.Name())
		entry, ok := inspect(de.Name(), dir)
		if !ok {
			c.log.WithField("dir", dir).Debug("directory has no plugin manifest")
			continue
		}
		// Don't override earlier discoveries (first path wins)
		if _, exists := found[entry.ID]; !exists {
			found[entry.ID] = entry
		}
	}
	return nil
}

// inspect examines a plugin directory. ok is false when there is no
// manifest at all.
func inspect(name, dir string) (*Entry, bool) {
	manifestPath, ok := plugin.FindManifest(dir)
	if !ok {
		return nil, false
	}

	entry := &Entry{ID: name, Dir: dir}
	if info, err := os.Stat(manifestPath); err == nil {
		entry.ModTime = info.ModTime()
	}

	meta, err := plugin.LoadManifest(manifestPath)
	if err != nil {
		entry.Err = fmt.Errorf("invalid manifest: %w", err)
		return entry, true
	}
	entry.Meta = meta
	entry.ID = meta.ID
	return entry, true
}

// Lookup returns the metadata of a valid plugin.
func (c *Catalog) Lookup(id string) (*plugin.Meta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.Err != nil {
		return nil, false
	}
	return e.Meta, true
}

// List returns the metadata of all valid plugins, sorted by id.
func (c *Catalog) List() []*plugin.Meta {
	var metas []*plugin.Meta
	for _, e := range c.Entries() {
		if e.Err == nil {
			metas = append(metas, e.Meta)
		}
	}
	return metas
}

// Entries returns all discovered entries, including invalid ones, sorted by
// id.
func (c *Catalog) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Errors returns the entries whose manifest could not be loaded.
func (c *Catalog) Errors() []*Entry {
	var errored []*Entry
	for _, e := range c.Entries() {
		if e.Err != nil {
			errored = append(errored, e)
		}
	}
	return errored
}

// Count returns the number of discovered entries.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CodeSource returns a sandbox code source that reads the entry module named
// by each plugin's metadata through r.
func (c *Catalog) CodeSource(r plugin.SourceResolver) *plugin.ModuleCodeSource {
	return &plugin.ModuleCodeSource{
		Resolver: r,
		Module: func(id string) (string, bool) {
			meta, ok := c.Lookup(id)
			if !ok {
				return "", false
			}
			return meta.Module, true
		},
	}
}

// Watch watches the search paths and calls onChange with the ids of plugins
// that were added, removed or modified. Setup happens before Watch returns;
// events are processed in a goroutine until ctx is done.
func (c *Catalog) Watch(ctx context.Context, onChange func(ids []string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := 0
	for _, p := range c.paths {
		n, err := watchRecursive(w, p)
		if err != nil {
			_ = w.Close()
			return err
		}
		watched += n
	}
	if watched == 0 {
		_ = w.Close()
		return errors.New("catalog: no existing plugin directory to watch")
	}

	go c.watchLoop(ctx, w, onChange)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, w *fsnotify.Watcher, onChange func([]string)) {
	defer w.Close()

	touched := make(map[string]bool)
	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if _, err := watchRecursive(w, ev.Name); err != nil {
						c.log.WithError(err).WithField("dir", ev.Name).Warn("cannot watch plugin directory")
					}
				}
			}
			touched[ev.Name] = true
			settle = time.After(c.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Warn("plugin directory watch error")
		case <-settle:
			settle = nil
			changed, err := c.apply(touched)
			touched = make(map[string]bool)
			if err != nil {
				c.log.WithError(err).Warn("plugin catalog refresh failed")
				continue
			}
			if len(changed) > 0 && onChange != nil {
				onChange(changed)
			}
		}
	}
}

// apply refreshes the catalog and returns the ids that changed, either in
// their manifest or through a file below their directory.
func (c *Catalog) apply(touched map[string]bool) ([]string, error) {
	before := c.snapshot()
	if _, err := c.Discover(); err != nil {
		return nil, err
	}
	after := c.snapshot()

	changed := make(map[string]bool)
	for id, old := range before {
		cur, ok := after[id]
		if !ok || !cur.ModTime.Equal(old.ModTime) || (cur.Err == nil) != (old.Err == nil) {
			changed[id] = true
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			changed[id] = true
		}
	}
	for path := range touched {
		for _, set := range []map[string]*Entry{before, after} {
			for id, e := range set {
				if path == e.Dir || strings.HasPrefix(path, e.Dir+string(filepath.Separator)) {
					changed[id] = true
				}
			}
		}
	}

	ids := make([]string, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Catalog) snapshot() map[string]*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]*Entry, len(c.entries))
	for id, e := range c.entries {
		snap[id] = e
	}
	return snap
}

// watchRecursive adds dir and its subdirectories to w. A missing dir is
// skipped and counts zero.
func watchRecursive(w *fsnotify.Watcher, dir string) (int, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(p); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
