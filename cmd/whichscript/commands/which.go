package commands

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

func newWhichCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "which <output>",
		Short: "Print the script recorded for an output",
		Long: `Checks X.script.py, then X.script, then the script_path recorded in
X.metadata.json.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := sidecar.Locate(afero.NewOsFs(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
