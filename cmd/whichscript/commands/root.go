package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine"
	"github.com/DrSkyle/whichscript/pkg/telemetry"
	"github.com/DrSkyle/whichscript/pkg/version"
)

// Viper keys for CLI-only settings. Provenance settings live in pkg/config.
const (
	keyJSONLogs     = "json_logs"
	keyVerbose      = "verbose"
	keyOtelEndpoint = "otel_endpoint"
	keyTelemetry    = "telemetry"
)

// cli holds per-invocation state shared by subcommands.
type cli struct {
	cfgFile   string
	sets      []string
	v         *viper.Viper
	logger    *slog.Logger
	shutdown  func(context.Context) error
	overrides config.Overrides
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logger: slog.Default()}

	rootCmd := &cobra.Command{
		Use:   "whichscript",
		Short: "Provenance for every file your scripts write",
		Long: `whichscript - which script wrote this file?

Attach. Archive. Answer.`,
		Version:       version.Current,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.shutdown != nil {
				return c.shutdown(cmd.Context())
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "Config file (default $HOME/.whichscript.yaml)")
	flags.StringArrayVar(&c.sets, "set", nil, "Provenance setting key=value (repeatable, e.g. --set archive=1)")
	flags.Bool("json-logs", false, "Emit logs as JSON")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.String("otel-endpoint", "", "OTLP HTTP endpoint for traces")
	flags.Bool("telemetry", true, "Export traces (to --otel-endpoint or nowhere)")
	_ = c.v.BindPFlag(keyJSONLogs, flags.Lookup("json-logs"))
	_ = c.v.BindPFlag(keyVerbose, flags.Lookup("verbose"))
	_ = c.v.BindPFlag(keyOtelEndpoint, flags.Lookup("otel-endpoint"))
	_ = c.v.BindPFlag(keyTelemetry, flags.Lookup("telemetry"))

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderHelp(cmd)
	})

	rootCmd.AddCommand(
		newRecordCmd(c),
		newDepsCmd(c),
		newWhichCmd(c),
		newInspectCmd(c),
		newPushCmd(c),
		newCompletionCmd(rootCmd),
	)
	return rootCmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	// A missing .env is normal.
	_ = godotenv.Load()

	c.initConfig()

	level := slog.LevelInfo
	if c.v.GetBool(keyVerbose) {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: engine.RedactSensitiveData}
	var handler slog.Handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	if c.v.GetBool(keyJSONLogs) {
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	}
	c.logger = slog.New(handler)
	slog.SetDefault(c.logger)

	if c.v.GetBool(keyTelemetry) {
		shutdown, err := telemetry.Init(cmd.Context(), version.AppName, version.Current, c.v.GetString(keyOtelEndpoint))
		if err != nil {
			c.logger.Warn("Telemetry failed", "error", err)
		} else {
			c.shutdown = shutdown
		}
	}

	overrides, err := parseSets(c.sets)
	if err != nil {
		return err
	}
	c.overrides = overrides
	return nil
}

func (c *cli) initConfig() {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			c.v.SetConfigFile(filepath.Join(home, ".whichscript.yaml"))
			c.v.SetConfigType("yaml")
		}
	}
	if err := c.v.ReadInConfig(); err == nil {
		c.logger.Debug("Using config file", "path", c.v.ConfigFileUsed())
	}
}

// loadConfig resolves provenance settings: --set values, then the
// "provenance" section of the config file, then the environment.
func (c *cli) loadConfig() (config.Config, error) {
	merged := config.Overrides{}
	for key, val := range c.v.GetStringMap("provenance") {
		merged[key] = val
	}
	for key, val := range c.overrides {
		merged[key] = val
	}
	return config.Load(merged)
}

func parseSets(sets []string) (config.Overrides, error) {
	out := config.Overrides{}
	for _, kv := range sets {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		out[strings.TrimSpace(key)] = val
	}
	return out, nil
}

func renderHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#00FF99")).
		MarginBottom(1)

	flagStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA"))

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("WHICHSCRIPT %s", version.Current)))
	fmt.Fprintln(out, cmd.Short)

	fmt.Fprintln(out, titleStyle.Render("USAGE"))
	fmt.Fprintf(out, "  %s\n\n", cmd.UseLine())

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintln(out, titleStyle.Render("COMMANDS"))
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() {
				fmt.Fprintf(out, "  %-12s %s\n", c.Name(), c.Short)
			}
		}
		fmt.Fprintln(out)
	}

	if cmd.Example != "" {
		fmt.Fprintln(out, titleStyle.Render("EXAMPLES"))
		fmt.Fprintln(out, cmd.Example)
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, titleStyle.Render("FLAGS"))
	visit := func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		line := fmt.Sprintf("  --%-15s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "[]" {
			line += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Fprintln(out, flagStyle.Render(line))
	}
	cmd.LocalFlags().VisitAll(visit)
	cmd.InheritedFlags().VisitAll(visit)
	fmt.Fprintln(out)
}
