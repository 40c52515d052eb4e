// Package config defines the process-wide provenance settings and their defaults.
package config

import "os"

// Config is the resolved configuration active for one process. It is copied by
// value into every provenance record and never mutated after Load returns.
type Config struct {
	// Archive enables the centralized per-output bundle.
	Archive bool `mapstructure:"archive" json:"archive"`
	// ArchiveOnly suppresses every sidecar; the bundle is the sole artifact.
	ArchiveOnly bool `mapstructure:"archive_only" json:"archive_only"`
	// ArchiveDir is the absolute root of the bundle tree.
	ArchiveDir string `mapstructure:"archive_dir" json:"archive_dir"`
	// HideSidecars applies the platform's file-hiding mechanism to sidecars.
	HideSidecars bool `mapstructure:"hide_sidecars" json:"hide_sidecars"`
	// WriteMetadata writes X.metadata.json next to the output.
	WriteMetadata bool `mapstructure:"write_metadata" json:"write_metadata"`
	// SnapshotScript writes the raw X.script copy.
	SnapshotScript bool `mapstructure:"snapshot_script" json:"snapshot_script"`
	// SnapshotPy writes the X.script.py convenience copy.
	SnapshotPy bool `mapstructure:"snapshot_py" json:"snapshot_py"`
	// LocalImportsSnapshot bundles the script's local dependencies.
	LocalImportsSnapshot bool `mapstructure:"local_imports_snapshot" json:"local_imports_snapshot"`
	// LocalImportsRoot lists the project source trees considered local.
	// Empty means the script's own directory.
	LocalImportsRoot []string `mapstructure:"local_imports_root" json:"local_imports_root"`

	// RunID overrides the run folder name derived from the process start time.
	RunID string `mapstructure:"run_id" json:"run_id,omitempty"`
	// Exclude holds doublestar patterns for paths that are never tracked.
	Exclude []string `mapstructure:"exclude" json:"exclude,omitempty"`
	// OutputRule is an optional CEL expression deciding which paths are tracked.
	OutputRule string `mapstructure:"output_rule" json:"output_rule,omitempty"`
	// MaxDepFiles caps the number of dependency files bundled per output.
	MaxDepFiles int `mapstructure:"max_dep_files" json:"max_dep_files"`
	// MaxDepBytes caps the total dependency bytes bundled per output.
	MaxDepBytes int64 `mapstructure:"max_dep_bytes" json:"max_dep_bytes"`
}

// Defaults.
const (
	DefaultArchiveDir  = ".whichscript/archive"
	DefaultMaxDepFiles = 500
	DefaultMaxDepBytes = 50_000_000
)

// Default returns the built-in configuration used when neither an explicit
// override nor an environment variable supplies a value.
func Default() Config {
	return Config{
		Archive:              false,
		ArchiveOnly:          false,
		ArchiveDir:           DefaultArchiveDir,
		HideSidecars:         false,
		WriteMetadata:        true,
		SnapshotScript:       true,
		SnapshotPy:           true,
		LocalImportsSnapshot: true,
		LocalImportsRoot:     nil,
		MaxDepFiles:          DefaultMaxDepFiles,
		MaxDepBytes:          DefaultMaxDepBytes,
	}
}

// WritesSidecars reports whether any sidecar can be produced under c.
func (c Config) WritesSidecars() bool {
	if c.ArchiveOnly {
		return false
	}
	return c.WriteMetadata || c.SnapshotScript || c.SnapshotPy
}

// Roots returns the configured local roots, or fallback when none are set.
func (c Config) Roots(fallback string) []string {
	if len(c.LocalImportsRoot) > 0 {
		out := make([]string, len(c.LocalImportsRoot))
		copy(out, c.LocalImportsRoot)
		return out
	}
	if fallback == "" {
		return nil
	}
	return []string{fallback}
}

// ScriptPathEnv overrides the identity of the current script. It is read at
// every capture, never cached.
const ScriptPathEnv = EnvPrefix + "_SCRIPT_PATH"

// ScriptOverride returns the current script override, if any.
func ScriptOverride() string {
	return os.Getenv(ScriptPathEnv)
}
