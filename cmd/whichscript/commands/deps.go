package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/DrSkyle/whichscript/pkg/engine/deps"
)

type depsView struct {
	Script       string   `json:"script" yaml:"script"`
	Dependencies []string `json:"dependencies" yaml:"dependencies"`
	Warnings     []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func newDepsCmd(c *cli) *cobra.Command {
	var (
		roots  []string
		format string
	)

	cmd := &cobra.Command{
		Use:   "deps <script>",
		Short: "List a script's local dependencies",
		Example: `  whichscript deps analysis.py
  whichscript deps cmd/report/main.go --root . --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if len(roots) == 0 {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				roots = cfg.LocalImportsRoot
			}

			resolver, err := deps.NewResolver(afero.NewOsFs(), deps.DefaultCacheSize)
			if err != nil {
				return err
			}
			set := resolver.Resolve(script, roots)

			view := depsView{Script: script, Dependencies: set.Rels()}
			if view.Dependencies == nil {
				view.Dependencies = []string{}
			}
			for _, w := range set.Warnings {
				view.Warnings = append(view.Warnings, w.Error())
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeJSON(out, view)
			case "yaml":
				return writeYAML(out, view)
			case "text", "":
				for _, rel := range view.Dependencies {
					fmt.Fprintln(out, rel)
				}
				for _, w := range view.Warnings {
					c.logger.Warn("Dependency resolution degraded", "script", script, "error", w)
				}
				return nil
			}
			return fmt.Errorf("unknown output format %q", format)
		},
	}
	cmd.Flags().StringArrayVar(&roots, "root", nil, "Local source root (repeatable; default: the script's directory)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text, json or yaml")
	return cmd
}
