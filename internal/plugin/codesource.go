package plugin

import (
	"context"
	"fmt"
)

// ModuleCodeSource serves sandbox code through a SourceResolver. Module maps
// a plugin id to its entry module path; when nil, plugins/<id>/module is used.
type ModuleCodeSource struct {
	Resolver SourceResolver
	Module   func(pluginID string) (string, bool)
}

// Code implements sandbox.CodeSource.
func (s *ModuleCodeSource) Code(ctx context.Context, pluginID string) (string, []byte, error) {
	path := "plugins/" + pluginID + "/module"
	if s.Module != nil {
		p, ok := s.Module(pluginID)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
		}
		path = p
	}

	src, err := s.Resolver.Resolve(ctx, path)
	if err != nil {
		return "", nil, err
	}
	if src.IsStylesheet() {
		return "", nil, fmt.Errorf("plugin %s: entry module %s is a stylesheet", pluginID, path)
	}
	return src.Locator, src.Code, nil
}
