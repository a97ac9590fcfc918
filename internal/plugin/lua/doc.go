// Package lua provides the Lua runtime that plugin modules execute in.
//
// This package wraps the gopher-lua library to provide:
//   - Sandboxed and trusted Lua states
//   - A require() that only sees the shared dependency surface
//   - Go-Lua value conversion that preserves Go identity through userdata
//   - Single-goroutine execution of every state via Executor
//
// # State
//
// A State owns a gopher-lua LState and the goroutine that runs it:
//
//	state, err := lua.NewState(
//	    lua.WithMode(lua.ModeSandboxed),
//	    lua.WithResolver(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	exports, err := state.Run(ctx, "plugins/foo/module.lua", code)
//
// The chunk's return value becomes the module's exports.
//
// # Sandbox
//
// Sandboxed states:
//   - Remove dofile, loadfile, load, loadstring and module
//   - Never open io, os, debug, package or channel
//   - Resolve require() against implicit framework names (string, table,
//     math, coroutine) and the shared registry only
//
// Trusted states open the full standard library and may require sibling
// modules through their SourceLoader.
//
// # Bridge
//
// Lua functions leaving a state become *Function values that can be called
// from any goroutine. Go values without a Lua representation enter Lua as
// userdata and come back out as the same Go value.
package lua
