package commands

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/DrSkyle/whichscript/pkg/engine/archive"
)

func newInspectCmd(c *cli) *cobra.Command {
	var (
		format string
		entry  string
	)

	cmd := &cobra.Command{
		Use:   "inspect <bundle.ws.zip>",
		Short: "Show the entries and metadata of an archive bundle",
		Example: `  whichscript inspect .whichscript/archive/result.txt/2026-10-15/run-r1/result.txt.ws.zip
  whichscript inspect result.txt.ws.zip --entry script.py`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := afero.NewOsFs()
			out := cmd.OutOrStdout()

			if entry != "" {
				data, err := archive.ReadFile(fsys, args[0], entry)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			contents, err := archive.Open(fsys, args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return writeJSON(out, contents)
			case "yaml":
				return writeYAML(out, contents)
			case "text", "":
				renderContents(out, contents)
				return nil
			}
			return fmt.Errorf("unknown output format %q", format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text, json or yaml")
	cmd.Flags().StringVar(&entry, "entry", "", "Print one entry's raw content instead")
	return cmd
}

func renderContents(w io.Writer, c *archive.Contents) {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FF99"))
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Width(14)
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))

	row := func(k, v string) {
		fmt.Fprintln(w, keyStyle.Render(k)+v)
	}

	m := c.Metadata
	fmt.Fprintln(w, titleStyle.Render("BUNDLE"))
	row("path", c.Path)
	row("output", m.OutputPath)
	script := "(unknown)"
	if m.ScriptPath != nil {
		script = *m.ScriptPath
	}
	row("script", script)
	row("sha256", m.ScriptHash)
	row("captured", m.CapturedAt)
	row("runtime", fmt.Sprintf("%s %s", m.Runtime.Version, m.Runtime.Platform))
	if m.VCS != nil {
		state := "clean"
		if m.VCS.Dirty {
			state = "dirty"
		}
		row("commit", fmt.Sprintf("%s (%s)", m.VCS.Commit, state))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, titleStyle.Render("ENTRIES"))
	for _, e := range c.Entries {
		fmt.Fprintf(w, "  %-40s %s\n", e.Name, dimStyle.Render(fmt.Sprintf("%d B", e.Size)))
	}
}
