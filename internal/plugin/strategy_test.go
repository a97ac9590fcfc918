package plugin

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSandboxEligible(t *testing.T) {
	on := Flags{SandboxEnabled: true, Env: "production"}
	dev := Flags{SandboxEnabled: true, Env: EnvDevelopment}
	modern := Descriptor{ID: "foo", Module: "plugins/foo/module"}
	legacy := Descriptor{ID: "foo", Module: "plugins/foo/module", LegacyComponentModel: true}
	noSandbox := WithRequestQuery(context.Background(), url.Values{NoSandboxParam: {""}})

	tests := []struct {
		name  string
		ctx   context.Context
		flags Flags
		desc  Descriptor
		want  bool
	}{
		{"enabled", context.Background(), on, modern, true},
		{"legacy component model", context.Background(), on, legacy, false},
		{"feature flag off", context.Background(), Flags{Env: "production"}, modern, false},
		{"test mode", context.Background(), Flags{SandboxEnabled: true, TestMode: true}, modern, false},
		{"nosandbox in development", noSandbox, dev, modern, false},
		{"nosandbox in production", noSandbox, on, modern, true},
		{"development without param", context.Background(), dev, modern, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SandboxEligible(tt.ctx, tt.flags, tt.desc))
		})
	}
}

func TestSandboxNeverForLegacy(t *testing.T) {
	legacy := Descriptor{ID: "foo", LegacyComponentModel: true}
	for _, flags := range []Flags{
		{SandboxEnabled: true},
		{SandboxEnabled: true, Env: EnvDevelopment},
		{SandboxEnabled: true, Env: "production"},
	} {
		assert.False(t, SandboxEligible(context.Background(), flags, legacy))
	}
}

func TestRequestQuery(t *testing.T) {
	assert.Nil(t, RequestQuery(context.Background()))

	q := url.Values{"orgId": {"1"}}
	assert.Equal(t, q, RequestQuery(WithRequestQuery(context.Background(), q)))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "builtin", StrategyBuiltin.String())
	assert.Equal(t, "sandbox", StrategySandbox.String())
	assert.Equal(t, "import", StrategyImport.String())
	assert.Equal(t, "unknown", Strategy(42).String())
}
