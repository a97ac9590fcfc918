package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dshills/plugload/internal/app"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	logOutput  io.Writer
}

func (g *globalOptions) newApp(ctx context.Context) (*app.Application, error) {
	return app.New(ctx, app.Options{
		ConfigPath: g.configPath,
		LogOutput:  g.logOutput,
	})
}

// NewRootCommand creates the plugload command tree.
func NewRootCommand(version, commit, date string) *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "plugload",
		Short: "Plugin host: resolve, sandbox and adapt plugin modules",
		Long: `plugload discovers plugins in the configured plugin directories, resolves
their entry modules and loads them either as built-ins, inside a sandboxed
Lua state, or as trusted imports. Loaded exports are adapted into data-source
and app plugins.

Configuration is read from plugload.toml and PLUGLOAD_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if g.logOutput == nil {
				g.logOutput = cmd.ErrOrStderr()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(
		newImportCommand(g),
		newCatalogCommand(g),
		newSharedCommand(g),
		newServeCommand(g),
	)
	return rootCmd
}
