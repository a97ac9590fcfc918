package lua

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plugload/internal/plugin/module"
	"github.com/dshills/plugload/internal/plugin/shared"
)

// Bridge converts values between Go and the Lua state it is bound to.
// Conversions that touch the Lua state must run inside State.Do.
type Bridge struct {
	state *State
}

// NewBridge creates a new Bridge for the given state.
func NewBridge(s *State) *Bridge {
	return &Bridge{state: s}
}

// ToGoValue converts a Lua value to a Go value. Functions become *Function,
// userdata becomes its wrapped Go value.
func (b *Bridge) ToGoValue(lv lua.LValue) any {
	return b.toGoValueWithVisited(lv, make(map[*lua.LTable]bool))
}

// ToExports converts a module's return value into exports. nil yields empty
// exports; anything other than a table is rejected.
func (b *Bridge) ToExports(lv lua.LValue) (module.Exports, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return module.Exports{}, nil
	case *lua.LTable:
		return module.Exports(b.tableToMap(v, map[*lua.LTable]bool{v: true})), nil
	default:
		return nil, fmt.Errorf("%w: got %s", ErrNotExportsTable, lv.Type())
	}
}

func (b *Bridge) toGoValueWithVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	if lv == nil {
		return nil
	}

	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return b.tableToGoWithVisited(v, visited)
	case *lua.LFunction:
		return &Function{state: b.state, fn: v}
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

// tableToGoWithVisited converts a table to []any when it is a contiguous
// array starting at 1, and to map[string]any otherwise.
func (b *Bridge) tableToGoWithVisited(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := t.MaxN()
	if maxN > 0 {
		count := 0
		t.ForEach(func(_, _ lua.LValue) {
			count++
		})
		if count == maxN {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = b.toGoValueWithVisited(t.RawGetInt(i), visited)
			}
			return arr
		}
	}
	return b.tableToMap(t, visited)
}

func (b *Bridge) tableToMap(t *lua.LTable, visited map[*lua.LTable]bool) map[string]any {
	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = fmt.Sprintf("%v", float64(kv))
		default:
			key = k.String()
		}
		m[key] = b.toGoValueWithVisited(v, visited)
	})
	return m
}

// ToLuaValue converts a Go value to a Lua value. Values without a natural Lua
// representation become userdata, which keeps their identity.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	if v == nil {
		return lua.LNil
	}

	L := b.state.L
	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, b.ToLuaValue(item))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, b.ToLuaValue(item))
		}
		return t
	case module.Exports:
		return b.ToLuaValue(map[string]any(val))
	case map[string]string:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, lua.LString(item))
		}
		return t
	case *Function:
		return b.functionValue(val)
	case lua.LValue:
		return val
	default:
		return b.reflectToLua(v)
	}
}

// functionValue returns fn itself when it belongs to this state, and a proxy
// that calls across states otherwise.
func (b *Bridge) functionValue(f *Function) lua.LValue {
	if f.state == b.state {
		return f.fn
	}
	return b.state.L.NewFunction(b.WrapGoFunc(func(ctx context.Context, args []any) ([]any, error) {
		return f.Call(ctx, args...)
	}))
}

func (b *Bridge) reflectToLua(v any) lua.LValue {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		t := b.state.L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, b.ToLuaValue(rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := b.state.L.NewTable()
		for _, key := range rv.MapKeys() {
			t.RawSet(b.ToLuaValue(key.Interface()), b.ToLuaValue(rv.MapIndex(key).Interface()))
		}
		return t
	default:
		return b.Userdata(v)
	}
}

// Userdata wraps v so that Lua code holds the Go value itself. Indexing the
// userdata finds the functions of a shared.LuaExporter first, then the
// entries of a string-keyed map or the exported fields of a struct. Fields are
// read when indexed, so later changes on the Go side are visible.
func (b *Bridge) Userdata(v any) *lua.LUserData {
	L := b.state.L
	ud := L.NewUserData()
	ud.Value = v

	var funcs map[string]lua.LGFunction
	if exporter, ok := v.(shared.LuaExporter); ok {
		funcs = exporter.LuaExports()
	}
	if funcs == nil && !hasFields(v) {
		return ud
	}

	methods := L.SetFuncs(L.NewTable(), funcs)
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		key, ok := L.Get(2).(lua.LString)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		if fn := methods.RawGetString(string(key)); fn != lua.LNil {
			L.Push(fn)
			return 1
		}
		if field, ok := fieldOf(ud.Value, string(key)); ok {
			L.Push(b.ToLuaValue(field))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))
	L.SetMetatable(ud, mt)
	return ud
}

// indirect follows pointers and interfaces to the value they hold.
func indirect(v any) (reflect.Value, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	return rv, rv.IsValid()
}

// hasFields reports whether v is a string-keyed map or a struct.
func hasFields(v any) bool {
	rv, ok := indirect(v)
	if !ok {
		return false
	}
	switch rv.Kind() {
	case reflect.Map:
		return rv.Type().Key().Kind() == reflect.String
	case reflect.Struct:
		return true
	default:
		return false
	}
}

// fieldOf returns the map entry or exported struct field called name. Struct
// fields also match with the first letter lowercased, so Lua code can write
// core.appEvents for a field AppEvents.
func fieldOf(v any, name string) (any, bool) {
	rv, ok := indirect(v)
	if !ok || name == "" {
		return nil, false
	}

	switch rv.Kind() {
	case reflect.Map:
		keyType := rv.Type().Key()
		if keyType.Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(name).Convert(keyType))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	case reflect.Struct:
		for _, candidate := range []string{name, strings.ToUpper(name[:1]) + name[1:]} {
			f, ok := rv.Type().FieldByName(candidate)
			if !ok || !f.IsExported() {
				continue
			}
			fv, err := rv.FieldByIndexErr(f.Index)
			if err != nil {
				return nil, false
			}
			return fv.Interface(), true
		}
	}
	return nil, false
}

// CallFunc calls a Lua function with Go arguments and returns Go values.
// It must run inside State.Do.
func (b *Bridge) CallFunc(fn *lua.LFunction, args ...any) ([]any, error) {
	L := b.state.L
	stackTop := L.GetTop()

	L.Push(fn)
	for _, arg := range args {
		L.Push(b.ToLuaValue(arg))
	}

	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		L.SetTop(stackTop)
		return nil, err
	}

	nRet := L.GetTop() - stackTop
	if nRet <= 0 {
		return []any{}, nil
	}
	results := make([]any, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = b.ToGoValue(L.Get(stackTop + i + 1))
	}
	L.Pop(nRet)

	return results, nil
}

// WrapGoFunc wraps a Go function for use in Lua. Arguments and results are
// converted with the bridge; an error is raised in Lua. fn receives the
// context installed on the calling state.
func (b *Bridge) WrapGoFunc(fn func(ctx context.Context, args []any) ([]any, error)) lua.LGFunction {
	return func(L *lua.LState) int {
		args := make([]any, L.GetTop())
		for i := range args {
			args[i] = b.ToGoValue(L.Get(i + 1))
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		results, err := fn(ctx, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		for _, r := range results {
			L.Push(b.ToLuaValue(r))
		}
		return len(results)
	}
}
