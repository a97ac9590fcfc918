package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plugload/internal/plugin/module"
)

type fakeConstructor struct {
	calls int
}

func (c *fakeConstructor) New(_ context.Context, settings map[string]any) (any, error) {
	c.calls++
	return settings["name"], nil
}

type closeCounter struct {
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestDecodeDataSource(t *testing.T) {
	modern := NewDataSourcePlugin(&fakeConstructor{})
	ctor := &fakeConstructor{}

	tests := []struct {
		name    string
		exports module.Exports
		shape   Shape
		err     error
	}{
		{"modern", module.Exports{ExportPlugin: modern}, ShapeModern, nil},
		{"legacy", module.Exports{ExportDatasource: ctor}, ShapeLegacyDataSource, nil},
		{"modern wins", module.Exports{ExportPlugin: modern, ExportDatasource: ctor}, ShapeModern, nil},
		{"empty", module.Exports{}, ShapeUndecodable, ErrMissingExport},
		{"nil plugin export", module.Exports{ExportPlugin: nil}, ShapeUndecodable, ErrMissingExport},
		{"wrong variant", module.Exports{ExportPlugin: NewAppPlugin()}, ShapeUndecodable, ErrWrongVariant},
		{"not a constructor", module.Exports{ExportDatasource: "nope"}, ShapeUndecodable, ErrMissingExport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decode(TypeDataSource, tt.exports)
			assert.Equal(t, tt.shape, d.Shape)
			if tt.err != nil {
				assert.ErrorIs(t, d.Err, tt.err)
			} else {
				assert.NoError(t, d.Err)
			}
		})
	}
}

func TestDecodeApp(t *testing.T) {
	assert.Equal(t, ShapeModern, Decode(TypeApp, module.Exports{ExportPlugin: NewAppPlugin()}).Shape)
	assert.Equal(t, ShapeLegacyApp, Decode(TypeApp, module.Exports{}).Shape)

	d := Decode(TypeApp, module.Exports{ExportPlugin: NewDataSourcePlugin(nil)})
	assert.Equal(t, ShapeUndecodable, d.Shape)
	assert.ErrorIs(t, d.Err, ErrWrongVariant)
}

func TestDecodeUnsupportedType(t *testing.T) {
	d := Decode(TypePanel, module.Exports{})
	assert.ErrorIs(t, d.Err, ErrUnsupportedType)
}

func TestAdapterModernDataSource(t *testing.T) {
	p := NewDataSourcePlugin(&fakeConstructor{})
	meta := &Meta{ID: "ds", Type: TypeDataSource}
	rt := &closeCounter{}

	p.SetQueryEditor("QueryEditor")
	got, err := NewAdapter(nil).DataSource(meta, module.WithRuntime(module.Exports{ExportPlugin: p}, rt))
	require.NoError(t, err)
	assert.NotSame(t, p, got)
	assert.Same(t, meta, got.Meta)
	assert.Same(t, p.Constructor, got.Constructor)
	assert.Equal(t, "QueryEditor", got.Components.QueryEditor)
	assert.Nil(t, p.Meta, "exported plugin is left untouched")

	require.NoError(t, got.Close())
	require.NoError(t, got.Close())
	assert.Equal(t, 1, rt.closed)
}

func TestAdapterLegacyDataSource(t *testing.T) {
	ctor := &fakeConstructor{}
	exports := module.Exports{
		ExportDatasource:           ctor,
		ExportConfigCtrl:           "ConfigCtrl",
		ExportQueryCtrl:            "QueryCtrl",
		ExportAnnotationsQueryCtrl: "AnnotationsCtrl",
		ExportVariableQueryEditor:  "VarEditor",
	}
	meta := &Meta{ID: "ds", Type: TypeDataSource}

	p, err := NewAdapter(nil).DataSource(meta, module.New(exports))
	require.NoError(t, err)

	assert.Same(t, ctor, p.Constructor)
	assert.Same(t, meta, p.Meta)
	assert.Equal(t, "ConfigCtrl", p.LegacyConfigCtrl)
	assert.Equal(t, "QueryCtrl", p.Components.QueryCtrl)
	assert.Equal(t, "AnnotationsCtrl", p.Components.AnnotationsQueryCtrl)
	assert.Equal(t, "VarEditor", p.Components.VariableQueryEditor)
	assert.Nil(t, p.Components.ExploreQueryField)

	inst, err := p.NewInstance(context.Background(), map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", inst)
	assert.Equal(t, 1, ctor.calls)
}

func TestAdapterDataSourceError(t *testing.T) {
	_, err := NewAdapter(nil).DataSource(&Meta{ID: "ds"}, module.New(module.Exports{}))

	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "ds", aerr.PluginID)
	assert.ErrorIs(t, err, ErrMissingExport)
}

func TestAdapterLegacyApp(t *testing.T) {
	log, hook := test.NewNullLogger()
	meta := &Meta{
		ID:   "my-app",
		Type: TypeApp,
		Includes: []Include{
			{Type: IncludeTypePage, Name: "Home", Component: "HomePage"},
			{Type: IncludeTypePage, Name: "Missing", Component: "MissingPage"},
			{Type: IncludeTypePage, Name: "Link", Path: "/a/my-app"},
			{Type: "dashboard", Name: "Overview", Component: "Overview"},
		},
	}
	exports := module.Exports{
		ExportConfigCtrl: "AppConfigCtrl",
		"HomePage":       "home",
		"Overview":       "overview",
	}

	p, err := NewAdapter(log).App(context.Background(), meta, module.New(exports))
	require.NoError(t, err)

	assert.Same(t, meta, p.Meta)
	assert.Equal(t, "AppConfigCtrl", p.LegacyConfigCtrl)
	assert.Equal(t, map[string]any{"HomePage": "home"}, p.LegacyPages)

	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Data["component"].(string))
		}
	}
	assert.Equal(t, []string{"MissingPage"}, warned)
}

func TestAdapterModernAppInit(t *testing.T) {
	var initMeta *Meta
	app := NewAppPlugin().OnInit(func(_ context.Context, m *Meta) error {
		initMeta = m
		return nil
	})
	meta := &Meta{ID: "my-app", Type: TypeApp}

	p, err := NewAdapter(nil).App(context.Background(), meta, module.New(module.Exports{ExportPlugin: app}))
	require.NoError(t, err)
	assert.NotSame(t, app, p)
	assert.Same(t, meta, initMeta)
	assert.Same(t, meta, p.Meta)
	assert.Nil(t, app.Meta)
}

func TestAdapterModernAppKeepsExportUnchanged(t *testing.T) {
	app := NewAppPlugin().AddConfigPage(AppPage{Title: "Config", ID: "config"})
	meta := &Meta{
		ID:       "my-app",
		Type:     TypeApp,
		Includes: []Include{{Type: IncludeTypePage, Name: "Home", Component: "HomePage"}},
	}
	exports := module.Exports{ExportPlugin: app, "HomePage": "home"}

	p, err := NewAdapter(nil).App(context.Background(), meta, module.New(exports))
	require.NoError(t, err)
	p.AddConfigPage(AppPage{Title: "Extra", ID: "extra"})

	assert.Equal(t, map[string]any{"HomePage": "home"}, p.LegacyPages)
	assert.Empty(t, app.LegacyPages)
	assert.Len(t, app.ConfigPages, 1)
	assert.Len(t, p.ConfigPages, 2)
}

func TestAdapterAppInitError(t *testing.T) {
	boom := errors.New("boom")
	app := NewAppPlugin().OnInit(func(context.Context, *Meta) error { return boom })

	_, err := NewAdapter(nil).App(context.Background(), &Meta{ID: "my-app"}, module.New(module.Exports{ExportPlugin: app}))

	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, TypeApp, aerr.Kind)
	assert.ErrorIs(t, err, boom)
}

func TestDataSourceNewInstanceWithoutConstructor(t *testing.T) {
	_, err := (&DataSourcePlugin{}).NewInstance(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoConstructor)
}

func TestShapeString(t *testing.T) {
	assert.Equal(t, "modern", ShapeModern.String())
	assert.Equal(t, "legacy-datasource", ShapeLegacyDataSource.String())
	assert.Equal(t, "legacy-app", ShapeLegacyApp.String())
	assert.Equal(t, "undecodable", ShapeUndecodable.String())
}
