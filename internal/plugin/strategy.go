package plugin

import (
	"context"
	"net/url"
)

// Strategy is the path a load request takes.
type Strategy int

// Load strategies.
const (
	// StrategyBuiltin serves plugins compiled into the host.
	StrategyBuiltin Strategy = iota

	// StrategySandbox evaluates the plugin in an isolated Lua state.
	StrategySandbox

	// StrategyImport fetches the module and evaluates it in a trusted Lua
	// state.
	StrategyImport
)

// String returns a string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyBuiltin:
		return "builtin"
	case StrategySandbox:
		return "sandbox"
	case StrategyImport:
		return "import"
	default:
		return "unknown"
	}
}

// EnvDevelopment is the build environment in which the sandbox may be
// bypassed per request.
const EnvDevelopment = "development"

// NoSandboxParam is the request query parameter that bypasses the sandbox in
// development builds.
const NoSandboxParam = "nosandbox"

// Flags are the host settings that decide sandbox eligibility.
type Flags struct {
	// SandboxEnabled is the plugins_frontend_sandbox feature flag.
	SandboxEnabled bool

	// Env is the build environment, e.g. "production" or "development".
	Env string

	// TestMode disables the sandbox entirely.
	TestMode bool
}

type requestQueryKey struct{}

// WithRequestQuery attaches the query of the request that triggered a load.
func WithRequestQuery(ctx context.Context, q url.Values) context.Context {
	return context.WithValue(ctx, requestQueryKey{}, q)
}

// RequestQuery returns the query attached with WithRequestQuery.
func RequestQuery(ctx context.Context) url.Values {
	q, _ := ctx.Value(requestQueryKey{}).(url.Values)
	return q
}

// SandboxEligible reports whether a load should run in the sandbox. It is
// false for legacy component model plugins, when the feature flag is off, in
// test mode, and for development requests carrying the nosandbox parameter.
func SandboxEligible(ctx context.Context, flags Flags, desc Descriptor) bool {
	if desc.LegacyComponentModel || !flags.SandboxEnabled || flags.TestMode {
		return false
	}
	return !(flags.Env == EnvDevelopment && RequestQuery(ctx).Has(NoSandboxParam))
}
