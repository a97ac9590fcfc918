package lua

import (
	"bytes"
	"context"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// implicitModules are framework names granted to every state without being
// exposed through the shared registry.
var implicitModules = map[string]bool{
	"string":    true,
	"table":     true,
	"math":      true,
	"coroutine": true,
}

// trustedModules are standard libraries only trusted states may require.
var trustedModules = map[string]bool{
	"io":      true,
	"os":      true,
	"debug":   true,
	"package": true,
	"channel": true,
}

// dangerousGlobals are removed from sandboxed states because they load code
// from outside the entry module.
var dangerousGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
}

// Sandbox installs the require rules for a state and remembers what each
// name resolved to, so repeated requires return the same value.
type Sandbox struct {
	state  *State
	loaded map[string]lua.LValue
}

// NewSandbox creates the require rules for the given state.
func NewSandbox(s *State) *Sandbox {
	return &Sandbox{
		state:  s,
		loaded: make(map[string]lua.LValue),
	}
}

// Install applies the restrictions and replaces the global require.
func (sb *Sandbox) Install() {
	L := sb.state.L

	if sb.state.mode == ModeSandboxed {
		for _, name := range dangerousGlobals {
			L.SetGlobal(name, lua.LNil)
		}
	}

	// Never let gopher-lua search the filesystem.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}

	L.SetGlobal("require", L.NewFunction(sb.require))
}

// require resolves, in order: cached results, implicit framework names,
// shared dependencies, and, for trusted states only, standard libraries and
// modules provided by the SourceLoader.
func (sb *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)

	if v, ok := sb.loaded[name]; ok {
		L.Push(v)
		return 1
	}

	if implicitModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	if dep, ok := sb.state.deps.Resolve(name); ok {
		ud := sb.state.bridge.Userdata(dep)
		sb.loaded[name] = ud
		L.Push(ud)
		return 1
	}

	if sb.state.mode != ModeTrusted {
		L.RaiseError("module %q is not exposed to sandboxed plugins", name)
		return 0
	}

	if trustedModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	if sb.state.sources == nil {
		L.RaiseError("module %q is not available", name)
		return 0
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	chunk, code, err := sb.state.sources(ctx, name)
	if err != nil {
		L.RaiseError("module %q: %s", name, err.Error())
		return 0
	}
	fn, err := L.Load(bytes.NewReader(code), chunk)
	if err != nil {
		L.RaiseError("module %q: %s", name, err.Error())
		return 0
	}
	L.Push(fn)
	L.Call(0, 1)
	ret := L.Get(-1)
	if ret == lua.LNil {
		ret = lua.LTrue
		L.Pop(1)
		L.Push(ret)
	}
	sb.loaded[name] = ret
	return 1
}

// Loaded returns the names resolved so far, sorted.
func (sb *Sandbox) Loaded() []string {
	names := make([]string, 0, len(sb.loaded))
	for name := range sb.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
