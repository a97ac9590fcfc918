package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/plugload/internal/plugin/lua"
	"github.com/dshills/plugload/internal/plugin/module"
)

// ErrNoConstructor is returned when a data-source plugin has no constructor.
var ErrNoConstructor = errors.New("data source plugin has no constructor")

// Legacy data-source export names.
const (
	ExportPlugin               = "plugin"
	ExportDatasource           = "Datasource"
	ExportConfigCtrl           = "ConfigCtrl"
	ExportQueryCtrl            = "QueryCtrl"
	ExportAnnotationsQueryCtrl = "AnnotationsQueryCtrl"
	ExportExploreQueryField    = "ExploreQueryField"
	ExportQueryEditorHelp      = "QueryEditorHelp"
	ExportVariableQueryEditor  = "VariableQueryEditor"
)

// DataSourceConstructor creates data-source instances.
type DataSourceConstructor interface {
	New(ctx context.Context, settings map[string]any) (any, error)
}

// DataSourceConstructorFunc adapts a function to DataSourceConstructor.
type DataSourceConstructorFunc func(ctx context.Context, settings map[string]any) (any, error)

// New implements DataSourceConstructor.
func (f DataSourceConstructorFunc) New(ctx context.Context, settings map[string]any) (any, error) {
	return f(ctx, settings)
}

// LuaConstructor is a data-source constructor implemented by a Lua function.
// The function is called with the instance settings and its first result is
// the instance.
type LuaConstructor struct {
	Fn *plua.Function
}

// New implements DataSourceConstructor.
func (c *LuaConstructor) New(ctx context.Context, settings map[string]any) (any, error) {
	results, err := c.Fn.Call(ctx, settings)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// ConstructorFromExport returns v as a constructor. Go values implementing
// DataSourceConstructor are returned unchanged; Lua functions are wrapped.
func ConstructorFromExport(v any) (DataSourceConstructor, bool) {
	switch c := v.(type) {
	case DataSourceConstructor:
		return c, true
	case *plua.Function:
		return &LuaConstructor{Fn: c}, true
	default:
		return nil, false
	}
}

// DataSourceComponents are the UI extension points of a data source.
type DataSourceComponents struct {
	ConfigEditor         any
	QueryEditor          any
	QueryCtrl            any
	AnnotationsQueryCtrl any
	ExploreQueryField    any
	QueryEditorHelp      any
	VariableQueryEditor  any
}

// DataSourcePlugin is the canonical data-source plugin.
type DataSourcePlugin struct {
	Meta        *Meta
	Constructor DataSourceConstructor
	Components  DataSourceComponents

	// LegacyConfigCtrl is the config controller of a legacy plugin.
	LegacyConfigCtrl any

	runtime io.Closer
}

// NewDataSourcePlugin creates a data-source plugin around ctor.
func NewDataSourcePlugin(ctor DataSourceConstructor) *DataSourcePlugin {
	return &DataSourcePlugin{Constructor: ctor}
}

// SetConfigEditor sets the config editor component.
func (p *DataSourcePlugin) SetConfigEditor(v any) *DataSourcePlugin {
	p.Components.ConfigEditor = v
	return p
}

// SetQueryEditor sets the query editor component.
func (p *DataSourcePlugin) SetQueryEditor(v any) *DataSourcePlugin {
	p.Components.QueryEditor = v
	return p
}

// SetVariableQueryEditor sets the variable query editor component.
func (p *DataSourcePlugin) SetVariableQueryEditor(v any) *DataSourcePlugin {
	p.Components.VariableQueryEditor = v
	return p
}

// SetComponentsFromLegacyExports copies the legacy component exports onto
// the plugin.
func (p *DataSourcePlugin) SetComponentsFromLegacyExports(exports module.Exports) {
	p.LegacyConfigCtrl = exports[ExportConfigCtrl]
	p.Components.QueryCtrl = exports[ExportQueryCtrl]
	p.Components.AnnotationsQueryCtrl = exports[ExportAnnotationsQueryCtrl]
	p.Components.ExploreQueryField = exports[ExportExploreQueryField]
	p.Components.QueryEditorHelp = exports[ExportQueryEditorHelp]
	p.Components.VariableQueryEditor = exports[ExportVariableQueryEditor]
}

// NewInstance creates a data-source instance with the given settings.
func (p *DataSourcePlugin) NewInstance(ctx context.Context, settings map[string]any) (any, error) {
	if p.Constructor == nil {
		return nil, ErrNoConstructor
	}
	inst, err := p.Constructor.New(ctx, settings)
	if err != nil {
		id := ""
		if p.Meta != nil {
			id = p.Meta.ID
		}
		return nil, fmt.Errorf("plugin %s: new instance: %w", id, err)
	}
	return inst, nil
}

// Close releases the runtime the plugin was loaded into.
func (p *DataSourcePlugin) Close() error {
	if p.runtime == nil {
		return nil
	}
	rt := p.runtime
	p.runtime = nil
	return rt.Close()
}

// clone returns a copy the caller owns. Modern exports may be shared by many
// loads (built-in values), so adaptation never writes to the exported value.
func (p *DataSourcePlugin) clone() *DataSourcePlugin {
	c := *p
	c.Meta = nil
	c.runtime = nil
	return &c
}

// attach binds the plugin to the runtime it was loaded from.
func (p *DataSourcePlugin) attach(rt io.Closer) {
	if rt != nil {
		p.runtime = rt
	}
}

// LuaExports exposes the builder methods to Lua.
func (p *DataSourcePlugin) LuaExports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"set_config_editor":         dataSourceSetter(func(p *DataSourcePlugin, v any) { p.SetConfigEditor(v) }),
		"set_query_editor":          dataSourceSetter(func(p *DataSourcePlugin, v any) { p.SetQueryEditor(v) }),
		"set_variable_query_editor": dataSourceSetter(func(p *DataSourcePlugin, v any) { p.SetVariableQueryEditor(v) }),
	}
}

// dataSourceSetter builds a method called as plugin:set_x(v). It returns the
// plugin so calls can be chained.
func dataSourceSetter(set func(*DataSourcePlugin, any)) lua.LGFunction {
	return func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		p, ok := ud.Value.(*DataSourcePlugin)
		if !ok {
			L.ArgError(1, "data source plugin expected")
			return 0
		}
		set(p, toGo(L, L.Get(2)))
		L.Push(ud)
		return 1
	}
}

// toGo converts a Lua value using the bridge of the state that owns L.
func toGo(L *lua.LState, lv lua.LValue) any {
	s, ok := plua.Owner(L)
	if !ok {
		return nil
	}
	return s.Bridge().ToGoValue(lv)
}
