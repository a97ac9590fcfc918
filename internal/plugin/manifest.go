package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Type is the kind of extension point a plugin implements.
type Type string

// Plugin types.
const (
	TypeDataSource Type = "datasource"
	TypeApp        Type = "app"
	TypePanel      Type = "panel"
)

// IncludeTypePage marks an include that contributes an app page.
const IncludeTypePage = "page"

// Manifest file names, in lookup order.
var manifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Info holds descriptive plugin metadata.
type Info struct {
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Updated     string `json:"updated,omitempty" yaml:"updated,omitempty"`
}

// Include is a page, dashboard or other resource bundled with a plugin.
type Include struct {
	Type      string `json:"type" yaml:"type"`
	Name      string `json:"name" yaml:"name"`
	Component string `json:"component,omitempty" yaml:"component,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	AddToNav  bool   `json:"addToNav,omitempty" yaml:"addToNav,omitempty"`
}

// Meta is the host's metadata about a plugin.
type Meta struct {
	ID      string `json:"id" yaml:"id"`
	Type    Type   `json:"type" yaml:"type"`
	Name    string `json:"name" yaml:"name"`
	Module  string `json:"module,omitempty" yaml:"module,omitempty"`
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Info    Info   `json:"info" yaml:"info"`

	// LegacyComponentModel marks plugins built on the legacy component
	// model. They are never sandboxed.
	LegacyComponentModel bool `json:"legacyComponentModel,omitempty" yaml:"legacyComponentModel,omitempty"`

	Includes []Include      `json:"includes,omitempty" yaml:"includes,omitempty"`
	JSONData map[string]any `json:"jsonData,omitempty" yaml:"jsonData,omitempty"`

	// directory the manifest was read from
	dir string
}

// Descriptor identifies one load of a plugin module.
type Descriptor struct {
	ID                   string
	Module               string
	Version              string
	LegacyComponentModel bool
}

// Validation errors.
var (
	ErrMissingID      = errors.New("manifest: id is required")
	ErrInvalidID      = errors.New("manifest: id must be lowercase alphanumeric with hyphens")
	ErrInvalidType    = errors.New("manifest: invalid plugin type")
	ErrInvalidVersion = errors.New("manifest: info.version must be valid semver")
	ErrInvalidInclude = errors.New("manifest: invalid include")
)

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

var validTypes = map[Type]bool{
	TypeDataSource: true,
	TypeApp:        true,
	TypePanel:      true,
}

// LoadManifest loads and validates plugin metadata from a plugin.json or
// plugin.yaml file.
func LoadManifest(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Meta
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	m.dir = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestFromDir loads the manifest of a plugin directory.
func LoadManifestFromDir(dir string) (*Meta, error) {
	path, ok := FindManifest(dir)
	if !ok {
		return nil, fmt.Errorf("%w: no manifest in %s", ErrPluginNotFound, dir)
	}
	return LoadManifest(path)
}

// FindManifest returns the manifest path of a plugin directory.
func FindManifest(dir string) (string, bool) {
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// applyDefaults sets default values for optional fields.
func (m *Meta) applyDefaults() {
	if m.Module == "" && m.ID != "" {
		m.Module = "plugins/" + m.ID + "/module"
	}
	if m.BaseURL == "" && m.ID != "" {
		m.BaseURL = "public/plugins/" + m.ID
	}
	if m.Name == "" {
		m.Name = m.ID
	}
}

// Validate checks that the metadata is usable.
func (m *Meta) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, m.ID)
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("%w: %q", ErrInvalidType, m.Type)
	}
	if m.Info.Version != "" && !semverPattern.MatchString(m.Info.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Info.Version)
	}
	for i, inc := range m.Includes {
		if inc.Type == "" {
			return fmt.Errorf("%w at index %d: type is required", ErrInvalidInclude, i)
		}
	}
	return nil
}

// Descriptor derives the load descriptor of the plugin's entry module.
func (m *Meta) Descriptor() Descriptor {
	return Descriptor{
		ID:                   m.ID,
		Module:               m.Module,
		Version:              m.Info.Version,
		LegacyComponentModel: m.LegacyComponentModel,
	}
}

// Dir returns the directory the manifest was loaded from, if any.
func (m *Meta) Dir() string {
	return m.dir
}

// Pages returns the includes that contribute app pages.
func (m *Meta) Pages() []Include {
	var pages []Include
	for _, inc := range m.Includes {
		if inc.Type == IncludeTypePage {
			pages = append(pages, inc)
		}
	}
	return pages
}

// String returns a string representation of the meta.
func (m *Meta) String() string {
	if m.Info.Version == "" {
		return fmt.Sprintf("%s (%s)", m.ID, m.Type)
	}
	return fmt.Sprintf("%s v%s (%s)", m.ID, m.Info.Version, m.Type)
}

// Clone creates a deep copy of the meta.
func (m *Meta) Clone() *Meta {
	clone := *m

	if m.Includes != nil {
		clone.Includes = make([]Include, len(m.Includes))
		copy(clone.Includes, m.Includes)
	}
	if m.JSONData != nil {
		clone.JSONData = make(map[string]any, len(m.JSONData))
		for k, v := range m.JSONData {
			clone.JSONData[k] = v
		}
	}
	return &clone
}
