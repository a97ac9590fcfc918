// Package lua provides Lua runtime integration for the plugin system.
package lua

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plugload/internal/plugin/module"
)

// DefaultQueueSize is the executor queue size used when none is configured.
const DefaultQueueSize = 64

// closeTimeout bounds how long Close waits for the state's goroutine to
// release the Lua state.
const closeTimeout = 5 * time.Second

// ownerKey is the Lua registry key holding the owning *State.
const ownerKey = "__plugload_state"

// Mode selects how much of the Lua environment a state exposes.
type Mode int

const (
	// ModeSandboxed opens only safe libraries and resolves require() against
	// the shared dependency surface and a few implicit framework names.
	ModeSandboxed Mode = iota

	// ModeTrusted opens the full standard library and additionally resolves
	// relative requires through the state's SourceLoader.
	ModeTrusted
)

// String returns a string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSandboxed:
		return "sandboxed"
	case ModeTrusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// Resolver is the shared dependency surface a state can see.
type Resolver interface {
	Resolve(name string) (any, bool)
}

// SourceLoader returns the code for a module required by name from a trusted
// state. chunkName is used in error messages and tracebacks.
type SourceLoader func(ctx context.Context, name string) (chunkName string, code []byte, err error)

// State wraps a gopher-lua state together with the executor goroutine that
// owns it. All access goes through Do, so a State may be shared between
// goroutines.
type State struct {
	L *lua.LState

	mode      Mode
	deps      Resolver
	sources   SourceLoader
	queueSize int

	exec    *Executor
	cancel  context.CancelFunc
	life    context.Context
	kill    context.CancelFunc
	bridge  *Bridge
	sandbox *Sandbox

	closeOnce sync.Once
	closed    atomic.Bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithMode sets the execution mode. The default is ModeSandboxed.
func WithMode(m Mode) StateOption {
	return func(s *State) {
		s.mode = m
	}
}

// WithResolver sets the shared dependency surface.
func WithResolver(r Resolver) StateOption {
	return func(s *State) {
		s.deps = r
	}
}

// WithSourceLoader sets the loader for relative requires in trusted states.
// Sandboxed states ignore it.
func WithSourceLoader(fn SourceLoader) StateOption {
	return func(s *State) {
		s.sources = fn
	}
}

// WithQueueSize sets the executor queue size.
func WithQueueSize(n int) StateOption {
	return func(s *State) {
		s.queueSize = n
	}
}

// NewState creates a Lua state and starts its executor goroutine.
func NewState(opts ...StateOption) (*State, error) {
	s := &State{
		mode:      ModeSandboxed,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps == nil {
		s.deps = emptyResolver{}
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	s.L = L

	if s.mode == ModeTrusted {
		L.OpenLibs()
	} else {
		openSafeLibraries(L)
	}

	s.bridge = NewBridge(s)
	s.storeOwner()

	s.sandbox = NewSandbox(s)
	s.sandbox.Install()

	s.life, s.kill = context.WithCancel(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.exec = NewExecutor(L, s.queueSize)
	go s.exec.Run(ctx)

	return s, nil
}

// openSafeLibraries opens only the libraries a sandboxed plugin may use.
// io, os, debug, package and channel are intentionally not opened.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)
}

func (s *State) storeOwner() {
	ud := s.L.NewUserData()
	ud.Value = s
	if reg, ok := s.L.Get(lua.RegistryIndex).(*lua.LTable); ok {
		reg.RawSetString(ownerKey, ud)
	}
}

// Owner returns the State that owns L. Go functions called from Lua use it
// to reach the bridge of their state.
func Owner(L *lua.LState) (*State, bool) {
	reg, ok := L.Get(lua.RegistryIndex).(*lua.LTable)
	if !ok {
		return nil, false
	}
	ud, ok := reg.RawGetString(ownerKey).(*lua.LUserData)
	if !ok {
		return nil, false
	}
	s, ok := ud.Value.(*State)
	return s, ok
}

type activeKey struct{ s *State }

// Do runs fn on the state's goroutine. ctx is installed on the Lua state for
// the duration of fn, so cancelling it or closing the state interrupts
// running Lua code.
//
// Do may be called re-entrantly from Go functions invoked by Lua, provided
// they pass L.Context().
func (s *State) Do(ctx context.Context, fn func(L *lua.LState) error) error {
	if s.closed.Load() {
		return ErrStateClosed
	}
	if ctx.Value(activeKey{s}) != nil {
		return fn(s.L)
	}

	return s.exec.Execute(ctx, func(L *lua.LState) error {
		inner, cancel := context.WithCancel(context.WithValue(ctx, activeKey{s}, true))
		defer cancel()
		stop := context.AfterFunc(s.life, cancel)
		defer stop()

		L.SetContext(inner)
		defer L.RemoveContext()
		return fn(L)
	})
}

// Run executes a module chunk and converts its return value into exports.
// A chunk that returns nothing yields empty exports.
func (s *State) Run(ctx context.Context, chunkName string, code []byte) (module.Exports, error) {
	var exports module.Exports
	err := s.Do(ctx, func(L *lua.LState) error {
		fn, err := L.Load(bytes.NewReader(code), chunkName)
		if err != nil {
			return &CompileError{Chunk: chunkName, Err: err}
		}
		top := L.GetTop()
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.SetTop(top)

		exports, err = s.bridge.ToExports(ret)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exports, nil
}

// Mode returns the execution mode.
func (s *State) Mode() Mode {
	return s.mode
}

// Bridge returns the Go-Lua bridge bound to this state.
func (s *State) Bridge() *Bridge {
	return s.bridge
}

// Sandbox returns the require rules installed on this state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// LuaState returns the underlying gopher-lua state.
//
// WARNING: direct access bypasses the executor. Only use it from inside Do.
func (s *State) LuaState() *lua.LState {
	return s.L
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	return s.closed.Load()
}

// Close releases the Lua state and stops its executor. Lua code still
// running is interrupted first. If a Go function called from Lua does not
// return within closeTimeout, the Lua state is left for the garbage collector.
func (s *State) Close() error {
	s.closeOnce.Do(func() {
		s.kill()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.exec.Execute(ctx, func(L *lua.LState) error {
			L.Close()
			return nil
		})
		s.closed.Store(true)
		s.exec.Close()
		s.cancel()
	})
	return nil
}

type emptyResolver struct{}

func (emptyResolver) Resolve(string) (any, bool) { return nil, false }
