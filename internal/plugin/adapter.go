package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dshills/plugload/internal/plugin/module"
)

// ErrUnsupportedType is returned when exports are adapted for a plugin type
// that has no canonical shape.
var ErrUnsupportedType = errors.New("unsupported plugin type")

// Shape is the export layout a module was recognized as.
type Shape int

// Export shapes.
const (
	// ShapeUndecodable means the exports fit no known layout.
	ShapeUndecodable Shape = iota

	// ShapeModern means exports["plugin"] holds a canonical plugin.
	ShapeModern

	// ShapeLegacyDataSource means exports["Datasource"] holds a constructor.
	ShapeLegacyDataSource

	// ShapeLegacyApp means an app module without a plugin export.
	ShapeLegacyApp
)

// String returns a string representation of the shape.
func (s Shape) String() string {
	switch s {
	case ShapeModern:
		return "modern"
	case ShapeLegacyDataSource:
		return "legacy-datasource"
	case ShapeLegacyApp:
		return "legacy-app"
	default:
		return "undecodable"
	}
}

// Decoded is the result of recognizing a module's exports. Exactly the
// fields of its Shape are set.
type Decoded struct {
	Shape Shape

	// ShapeModern
	DataSource *DataSourcePlugin
	App        *AppPlugin

	// ShapeLegacyDataSource
	Constructor DataSourceConstructor

	// ShapeUndecodable
	Err error
}

// Decode recognizes the export shape of a module loaded as a plugin of the
// given type.
func Decode(kind Type, exports module.Exports) Decoded {
	switch kind {
	case TypeDataSource:
		return decodeDataSource(exports)
	case TypeApp:
		return decodeApp(exports)
	default:
		return Decoded{Err: fmt.Errorf("%w: %q", ErrUnsupportedType, kind)}
	}
}

func decodeDataSource(exports module.Exports) Decoded {
	if exports.Has(ExportPlugin) {
		p, ok := exports[ExportPlugin].(*DataSourcePlugin)
		if !ok {
			return Decoded{Err: fmt.Errorf("%w: plugin export is %T", ErrWrongVariant, exports[ExportPlugin])}
		}
		return Decoded{Shape: ShapeModern, DataSource: p}
	}
	if exports.Has(ExportDatasource) {
		ctor, ok := ConstructorFromExport(exports[ExportDatasource])
		if !ok {
			return Decoded{Err: fmt.Errorf("%w: Datasource export is %T", ErrMissingExport, exports[ExportDatasource])}
		}
		return Decoded{Shape: ShapeLegacyDataSource, Constructor: ctor}
	}
	return Decoded{Err: ErrMissingExport}
}

func decodeApp(exports module.Exports) Decoded {
	if !exports.Has(ExportPlugin) {
		return Decoded{Shape: ShapeLegacyApp}
	}
	p, ok := exports[ExportPlugin].(*AppPlugin)
	if !ok {
		return Decoded{Err: fmt.Errorf("%w: plugin export is %T", ErrWrongVariant, exports[ExportPlugin])}
	}
	return Decoded{Shape: ShapeModern, App: p}
}

// Adapter turns loaded modules into canonical plugins.
type Adapter struct {
	log logrus.FieldLogger
}

// NewAdapter creates an adapter. A nil logger discards output.
func NewAdapter(log logrus.FieldLogger) *Adapter {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Adapter{log: log}
}

// DataSource adapts a loaded module to a data-source plugin and attaches
// meta. The plugin takes ownership of the module's runtime.
func (a *Adapter) DataSource(meta *Meta, loaded *module.Loaded) (*DataSourcePlugin, error) {
	d := Decode(TypeDataSource, loaded.Exports)

	var p *DataSourcePlugin
	switch d.Shape {
	case ShapeModern:
		p = d.DataSource.clone()
	case ShapeLegacyDataSource:
		p = NewDataSourcePlugin(d.Constructor)
		p.SetComponentsFromLegacyExports(loaded.Exports)
	default:
		return nil, &AdapterError{PluginID: meta.ID, Kind: TypeDataSource, Err: d.Err}
	}

	p.Meta = meta
	p.attach(loaded.Runtime())
	a.log.WithFields(logrus.Fields{
		"plugin": meta.ID,
		"shape":  d.Shape.String(),
	}).Debug("data source plugin adapted")
	return p, nil
}

// App adapts a loaded module to an app plugin. Init runs for both modern and
// legacy modules, followed by the legacy component mapping.
func (a *Adapter) App(ctx context.Context, meta *Meta, loaded *module.Loaded) (*AppPlugin, error) {
	d := Decode(TypeApp, loaded.Exports)

	var p *AppPlugin
	switch d.Shape {
	case ShapeModern:
		p = d.App.clone()
	case ShapeLegacyApp:
		p = NewAppPlugin()
	default:
		return nil, &AdapterError{PluginID: meta.ID, Kind: TypeApp, Err: d.Err}
	}

	if err := p.Init(ctx, meta); err != nil {
		return nil, &AdapterError{PluginID: meta.ID, Kind: TypeApp, Err: fmt.Errorf("init: %w", err)}
	}
	p.Meta = meta

	log := a.log.WithFields(logrus.Fields{
		"plugin": meta.ID,
		"shape":  d.Shape.String(),
	})
	for _, component := range p.SetComponentsFromLegacyExports(loaded.Exports) {
		log.WithField("component", component).Warn("app page uses unknown component")
	}

	p.attach(loaded.Runtime())
	log.Debug("app plugin adapted")
	return p, nil
}
