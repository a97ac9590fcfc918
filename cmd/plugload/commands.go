package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/plugload/internal/app"
	"github.com/dshills/plugload/internal/plugin"
	"github.com/dshills/plugload/internal/plugin/module"
)

type importOptions struct {
	id        string
	typ       string
	module    string
	version   string
	legacy    bool
	noSandbox bool
	json      bool
}

type exportInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type importReport struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Module     string            `json:"module"`
	Version    string            `json:"version,omitempty"`
	Strategy   string            `json:"strategy"`
	Exports    []exportInfo      `json:"exports,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func newImportCommand(g *globalOptions) *cobra.Command {
	o := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import one plugin and describe what it exports",
		Long: `Import resolves a plugin entry module and loads it the way the host would.

With --type datasource or app the exports are adapted into the canonical
plugin; with --type module (the default) the raw exports are listed.

Example:
  plugload import --id my-ds --type datasource
  plugload import --id my-app --module plugins/my-app/module --version 1.2.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd.Context(), g, o, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.id, "id", "", "plugin id")
	f.StringVar(&o.typ, "type", "module", "datasource, app or module")
	f.StringVar(&o.module, "module", "", "entry module path (default from the catalog or plugins/<id>/module)")
	f.StringVar(&o.version, "version", "", "plugin version")
	f.BoolVar(&o.legacy, "legacy", false, "plugin uses the legacy component model")
	f.BoolVar(&o.noSandbox, "nosandbox", false, "request a load outside the sandbox (development builds only)")
	f.BoolVar(&o.json, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runImport(ctx context.Context, g *globalOptions, o *importOptions, out io.Writer) error {
	a, err := g.newApp(ctx)
	if err != nil {
		return err
	}

	meta, err := importMeta(a, o)
	if err != nil {
		return err
	}
	if o.noSandbox {
		ctx = plugin.WithRequestQuery(ctx, url.Values{plugin.NoSandboxParam: {"true"}})
	}

	desc := meta.Descriptor()
	report := importReport{
		ID:       meta.ID,
		Type:     o.typ,
		Module:   desc.Module,
		Version:  desc.Version,
		Strategy: a.Loader().StrategyFor(ctx, desc).String(),
	}

	switch o.typ {
	case string(plugin.TypeDataSource):
		ds, err := a.Loader().ImportDataSourcePlugin(ctx, meta)
		if err != nil {
			return err
		}
		defer ds.Close()
		report.Components = dataSourceComponents(ds.Components)
	case string(plugin.TypeApp):
		p, err := a.Loader().ImportAppPlugin(ctx, meta)
		if err != nil {
			return err
		}
		defer p.Close()
		report.Components = appComponents(p)
	case "module":
		loaded, err := a.Import(ctx, desc)
		if err != nil {
			return err
		}
		defer loaded.Close()
		report.Exports = describeExports(loaded.Exports)
	default:
		return fmt.Errorf("unknown plugin type %q", o.typ)
	}

	if o.json {
		return writeJSON(out, report)
	}
	return printImport(out, report)
}

// importMeta returns the catalog metadata of o.id, overridden by the flags,
// or metadata built from the flags alone.
func importMeta(a *app.Application, o *importOptions) (*plugin.Meta, error) {
	if _, err := a.Catalog().Discover(); err != nil {
		return nil, err
	}

	meta := &plugin.Meta{ID: o.id, Type: plugin.Type(o.typ)}
	if found, ok := a.Catalog().Lookup(o.id); ok {
		meta = found.Clone()
	}
	if o.module != "" {
		meta.Module = o.module
	}
	if meta.Module == "" {
		meta.Module = "plugins/" + o.id + "/module"
	}
	if o.version != "" {
		meta.Info.Version = o.version
	}
	if o.legacy {
		meta.LegacyComponentModel = true
	}
	return meta, nil
}

func describeExports(exports module.Exports) []exportInfo {
	infos := make([]exportInfo, 0, len(exports))
	for name, v := range exports {
		infos = append(infos, exportInfo{Name: name, Type: fmt.Sprintf("%T", v)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func dataSourceComponents(c plugin.DataSourceComponents) map[string]string {
	set := map[string]any{
		"ConfigEditor":         c.ConfigEditor,
		"QueryEditor":          c.QueryEditor,
		"QueryCtrl":            c.QueryCtrl,
		"AnnotationsQueryCtrl": c.AnnotationsQueryCtrl,
		"ExploreQueryField":    c.ExploreQueryField,
		"QueryEditorHelp":      c.QueryEditorHelp,
		"VariableQueryEditor":  c.VariableQueryEditor,
	}
	return describeSet(set)
}

func appComponents(p *plugin.AppPlugin) map[string]string {
	set := map[string]any{
		"Root":             p.Root,
		"LegacyConfigCtrl": p.LegacyConfigCtrl,
	}
	for name, v := range p.LegacyPages {
		set["page:"+name] = v
	}
	for _, page := range p.ConfigPages {
		set["config:"+page.ID] = page.Body
	}
	return describeSet(set)
}

func describeSet(set map[string]any) map[string]string {
	out := make(map[string]string)
	for name, v := range set {
		if v != nil {
			out[name] = fmt.Sprintf("%T", v)
		}
	}
	return out
}

func printImport(out io.Writer, r importReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", r.ID)
	fmt.Fprintf(w, "type:\t%s\n", r.Type)
	fmt.Fprintf(w, "module:\t%s\n", r.Module)
	if r.Version != "" {
		fmt.Fprintf(w, "version:\t%s\n", r.Version)
	}
	fmt.Fprintf(w, "strategy:\t%s\n", r.Strategy)
	for _, e := range r.Exports {
		fmt.Fprintf(w, "export:\t%s\t%s\n", e.Name, e.Type)
	}
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "component:\t%s\t%s\n", name, r.Components[name])
	}
	return w.Flush()
}

type catalogEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Version string `json:"version,omitempty"`
	Module  string `json:"module,omitempty"`
	Dir     string `json:"dir"`
	Error   string `json:"error,omitempty"`
}

func newCatalogCommand(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the plugins found in the plugin directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.newApp(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := a.Catalog().Discover()
			if err != nil {
				return err
			}

			list := make([]catalogEntry, 0, len(entries))
			for _, e := range entries {
				ce := catalogEntry{ID: e.ID, Dir: e.Dir}
				if e.Meta != nil {
					ce.Type = string(e.Meta.Type)
					ce.Version = e.Meta.Info.Version
					ce.Module = e.Meta.Module
				}
				if e.Err != nil {
					ce.Error = e.Err.Error()
				}
				list = append(list, ce)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, list)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tVERSION\tMODULE\tERROR")
			for _, ce := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ce.ID, ce.Type, ce.Version, ce.Module, ce.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSharedCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shared",
		Short: "List the host modules plugins can require",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.newApp(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range a.Shared().Names() {
				inst, err := a.Shared().Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%T\n", name, inst)
			}
			return w.Flush()
		},
	}
}

func newServeCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load every plugin, watch the plugin directories and serve metrics",
		Long: `Serve loads every plugin in the catalog and keeps them loaded until
interrupted. Changed plugins are reloaded and removed plugins unloaded.
Metrics are served when metrics.addr is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := g.newApp(ctx)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}
