package whichscript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine"
	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

var std = NewRegistry()

// Default returns the process-wide registry used by the package functions.
func Default() *Registry { return std }

// Configure merges explicit settings into the process-wide configuration.
func Configure(overrides config.Overrides) error { return std.Configure(overrides) }

// Install activates process-wide tracking. It is idempotent.
func Install(opts ...Option) error { return std.Install(opts...) }

// Installed reports whether process-wide tracking is active.
func Installed() bool { return std.Installed() }

// Fs returns the process-wide tracking filesystem.
func Fs() afero.Fs { return std.Fs() }

// Create creates or truncates name through the tracking filesystem.
func Create(name string) (afero.File, error) {
	return std.Fs().Create(name)
}

// OpenFile opens name through the tracking filesystem.
func OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	return std.Fs().OpenFile(name, flag, perm)
}

// WriteFile writes data to name through the tracking filesystem.
func WriteFile(name string, data []byte, perm os.FileMode) error {
	return afero.WriteFile(std.Fs(), name, data, perm)
}

// SaveOutput installs tracking if needed, writes data to path and returns the
// metadata sidecar path. It returns "" when no metadata sidecar was produced
// (archive_only, write_metadata off, path excluded or a soft failure).
func SaveOutput(data []byte, path string) (string, error) {
	if err := std.Install(); err != nil {
		return "", err
	}
	return std.SaveOutput(data, path)
}

// SaveOutput writes data to path through r and returns the metadata sidecar
// path, if one was written.
func (r *Registry) SaveOutput(data []byte, path string) (string, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := r.state().base.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	f, err := r.Fs().OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}

	tf, ok := f.(*trackedFile)
	if !ok {
		return "", nil
	}
	report, ok := tf.Report()
	if !ok {
		return "", nil
	}
	return MetadataPath(report), nil
}

// MetadataPath returns the metadata sidecar written for report, or "".
func MetadataPath(report engine.Report) string {
	want := report.Output + sidecar.MetadataSuffix
	for _, p := range report.Sidecars {
		if p == want {
			return p
		}
	}
	return ""
}

// Locate finds the script that produced output by inspecting its sidecars.
func Locate(output string) (string, error) {
	path, err := sidecar.Locate(std.state().base, output)
	if errors.Is(err, sidecar.ErrNotFound) {
		return "", fmt.Errorf("no provenance recorded for %s: %w", output, err)
	}
	return path, err
}
