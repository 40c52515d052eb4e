package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/whichscript/pkg/engine"
)

func newRecordCmd(c *cli) *cobra.Command {
	var script string

	cmd := &cobra.Command{
		Use:   "record <output> [output...]",
		Short: "Attach provenance to outputs that already exist",
		Long: `Runs the provenance pipeline for files written by a program that did not
use the whichscript library. The script defaults to WHICH_SCRIPT_SCRIPT_PATH.`,
		Example: `  whichscript record out/result.txt --script analysis.py
  whichscript record out/*.csv --script etl.py --set archive=1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			eng, err := engine.New(cfg, engine.WithLogger(c.logger))
			if err != nil {
				return err
			}

			if script != "" {
				if script, err = filepath.Abs(script); err != nil {
					return fmt.Errorf("resolve script: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			degraded := 0
			for _, output := range args {
				report := eng.Track(cmd.Context(), engine.Request{Output: output, Script: script})
				fmt.Fprintf(out, "%s\n", report.Output)
				fmt.Fprintf(out, "  script: %s\n", report.Record.ScriptPath)
				for _, p := range report.Sidecars {
					fmt.Fprintf(out, "  sidecar: %s\n", p)
				}
				if report.Bundle != "" {
					fmt.Fprintf(out, "  bundle: %s\n", report.Bundle)
				}
				for _, w := range report.Warnings {
					fmt.Fprintf(out, "  warning: %v\n", w)
				}
				if len(report.Warnings) > 0 {
					degraded++
				}
			}
			if degraded > 0 {
				return fmt.Errorf("%d of %d outputs recorded with warnings", degraded, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "Script that produced the outputs")
	return cmd
}
