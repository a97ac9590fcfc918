package plugin

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/plugload/internal/plugin/lua"
	"github.com/dshills/plugload/internal/plugin/shared"
)

// Names of the host modules in the shared registry.
const (
	SDKModule      = "@plugload/data"
	SDKAliasModule = "@plugload/ui"
	RuntimeModule  = "@plugload/runtime"
)

// SDK is the host module plugins use to build modern plugin values. Lua
// code reaches it with require("@plugload/data").
//
//	local data = require("@plugload/data")
//	local p = data.datasource(function(settings) ... end)
//	p:set_query_editor("QueryEditor")
//	return { plugin = p }
type SDK struct{}

// NewSDK creates the host SDK.
func NewSDK() *SDK {
	return &SDK{}
}

// LuaExports implements shared.LuaExporter.
func (s *SDK) LuaExports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"datasource": sdkDataSource,
		"app":        sdkApp,
	}
}

// data.datasource(ctor [, components])
//
// components may carry config_editor, query_editor and
// variable_query_editor.
func sdkDataSource(L *lua.LState) int {
	state, ok := plua.Owner(L)
	if !ok {
		L.RaiseError("datasource: no owning state")
		return 0
	}
	b := state.Bridge()

	ctor, ok := ConstructorFromExport(b.ToGoValue(L.Get(1)))
	if !ok {
		L.ArgError(1, "constructor expected")
		return 0
	}
	p := NewDataSourcePlugin(ctor)

	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		p.SetConfigEditor(b.ToGoValue(tbl.RawGetString("config_editor")))
		p.SetQueryEditor(b.ToGoValue(tbl.RawGetString("query_editor")))
		p.SetVariableQueryEditor(b.ToGoValue(tbl.RawGetString("variable_query_editor")))
	}

	L.Push(b.Userdata(p))
	return 1
}

// data.app([options])
//
// options may carry root (the root page component).
func sdkApp(L *lua.LState) int {
	state, ok := plua.Owner(L)
	if !ok {
		L.RaiseError("app: no owning state")
		return 0
	}
	b := state.Bridge()

	p := NewAppPlugin()
	if tbl, ok := L.Get(1).(*lua.LTable); ok {
		p.SetRootPage(b.ToGoValue(tbl.RawGetString("root")))
	}

	L.Push(b.Userdata(p))
	return 1
}

// Runtime is the host services facade plugins reach with
// require("@plugload/runtime"). It exposes read-only host settings, logging
// and an event channel to the host.
//
// Settings are held as one JSON document and addressed with dotted paths,
// e.g. "auth.oauth.enabled".
type Runtime struct {
	mu       sync.RWMutex
	settings []byte
	handlers []func(event string, payload any)
	log      logrus.FieldLogger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeLogger sets the logger plugin log calls go to.
func WithRuntimeLogger(log logrus.FieldLogger) RuntimeOption {
	return func(r *Runtime) {
		r.log = log
	}
}

// WithSettings sets the host settings visible to plugins. Values that do not
// encode as JSON are dropped.
func WithSettings(settings map[string]any) RuntimeOption {
	return func(r *Runtime) {
		if raw, err := json.Marshal(settings); err == nil {
			r.settings = raw
		}
	}
}

// WithSettingsJSON sets the host settings from a JSON object.
func WithSettingsJSON(raw []byte) RuntimeOption {
	return func(r *Runtime) {
		if gjson.ValidBytes(raw) {
			r.settings = raw
		}
	}
}

// NewRuntime creates the host services facade.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{settings: []byte("{}")}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = l
	}
	return r
}

// Setting returns the host setting at path. Objects come back as
// map[string]any and numbers as float64.
func (r *Runtime) Setting(path string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := gjson.GetBytes(r.settings, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// SetSetting sets the host setting at path, creating parent objects as
// needed.
func (r *Runtime) SetSetting(path string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := sjson.SetBytes(r.settings, path, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", path, err)
	}
	r.settings = raw
	return nil
}

// SettingKeys returns the top-level setting names, sorted.
func (r *Runtime) SettingKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	gjson.ParseBytes(r.settings).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	sort.Strings(keys)
	return keys
}

// Subscribe registers fn for events emitted by plugins.
func (r *Runtime) Subscribe(fn func(event string, payload any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, fn)
}

// Emit delivers an event to all subscribers.
func (r *Runtime) Emit(event string, payload any) {
	r.mu.RLock()
	handlers := make([]func(string, any), len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, h := range handlers {
		h(event, payload)
	}
}

// LuaExports implements shared.LuaExporter.
func (r *Runtime) LuaExports() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"setting": r.luaSetting,
		"log":     r.luaLog,
		"emit":    r.luaEmit,
	}
}

// runtime.setting(path) returns the setting or nil.
func (r *Runtime) luaSetting(L *lua.LState) int {
	v, ok := r.Setting(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	state, ok := plua.Owner(L)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(state.Bridge().ToLuaValue(v))
	return 1
}

// runtime.log(level, message). panic and fatal are logged as error.
func (r *Runtime) luaLog(L *lua.LState) int {
	level, err := logrus.ParseLevel(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if level < logrus.ErrorLevel {
		level = logrus.ErrorLevel
	}
	msg := L.CheckString(2)
	r.log.WithField("source", "plugin").Log(level, msg)
	return 0
}

// runtime.emit(event [, payload])
func (r *Runtime) luaEmit(L *lua.LState) int {
	event := L.CheckString(1)
	var payload any
	if L.GetTop() >= 2 {
		payload = toGo(L, L.Get(2))
	}
	r.Emit(event, payload)
	return 0
}

// ExposeHostModules binds the SDK (under its name and its alias) and the
// runtime facade in reg.
func ExposeHostModules(reg *shared.Registry, sdk *SDK, rt *Runtime) error {
	for name, inst := range map[string]any{
		SDKModule:      sdk,
		SDKAliasModule: sdk,
		RuntimeModule:  rt,
	} {
		if err := reg.Expose(name, inst); err != nil {
			return err
		}
	}
	return nil
}
