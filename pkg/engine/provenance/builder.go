package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/config"
)

// Build warnings wrap one of these so callers can tell the stages apart.
var (
	ErrSnapshot = errors.New("script snapshot failed")
	ErrVCS      = errors.New("vcs inspection failed")
)

// Request names the write being attributed.
type Request struct {
	// OutputPath is the tracked output; made absolute by Build.
	OutputPath string
	// ScriptHint is the invoking script found on the call stack, or an
	// explicit script chosen by the caller. It must be absolute. The
	// environment override wins.
	ScriptHint string
	// OpenParams are recorded verbatim when present.
	OpenParams *OpenParams
}

// Builder assembles provenance records. It is safe for concurrent use.
type Builder struct {
	Config  config.Config
	Fs      afero.Fs
	Now     func() time.Time
	Runtime Runtime
	// DetectVCS is swapped in tests; nil disables VCS inspection.
	DetectVCS func(ctx context.Context, dir string) (*VCSState, error)
}

// NewBuilder returns a builder reading scripts through fs.
func NewBuilder(cfg config.Config, fsys afero.Fs) *Builder {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Builder{
		Config:    cfg,
		Fs:        fsys,
		Now:       time.Now,
		Runtime:   CurrentRuntime(),
		DetectVCS: DetectVCS,
	}
}

// Build resolves the script, snapshots its bytes and gathers runtime and VCS
// facts. It never fails: anything that goes wrong is returned as a soft
// warning and leaves the corresponding field empty.
func (b *Builder) Build(ctx context.Context, req Request) (Record, []error) {
	var warnings []error

	out, err := filepath.Abs(req.OutputPath)
	if err != nil {
		out = req.OutputPath
	}

	rec := Record{
		ScriptPath: ResolveScript(req.ScriptHint),
		CapturedAt: b.Now().UTC(),
		Runtime:    b.Runtime,
		OutputPath: out,
		OpenParams: req.OpenParams,
		Config:     b.Config,
	}

	if rec.KnownScript() {
		data, err := afero.ReadFile(b.Fs, rec.ScriptPath)
		switch {
		case err == nil:
			rec.snapshot = data
		case errors.Is(err, fs.ErrNotExist):
			// interactive or relocated binary: nothing to copy
		default:
			warnings = append(warnings, fmt.Errorf("%w: read %s: %w", ErrSnapshot, rec.ScriptPath, err))
		}

		if b.DetectVCS != nil {
			vcs, err := b.DetectVCS(ctx, filepath.Dir(rec.ScriptPath))
			if err != nil {
				warnings = append(warnings, fmt.Errorf("%w: %w", ErrVCS, err))
			}
			rec.VCS = vcs
		}
	}
	rec.ScriptHash = Hash(rec.snapshot)

	return rec, warnings
}

// ResolveScript applies the identity precedence: environment override, then
// hint, then the sentinel. Only absolute hints are accepted; frames of a
// -trimpath build carry import-path relative names that point nowhere on disk.
func ResolveScript(hint string) string {
	if override := config.ScriptOverride(); override != "" {
		if abs, err := filepath.Abs(override); err == nil {
			return abs
		}
		return override
	}
	if hint == "" || !filepath.IsAbs(hint) {
		return UnknownScript
	}
	return filepath.Clean(hint)
}

// Hash returns the hex-encoded sha256 of the snapshot bytes.
func Hash(snapshot []byte) string {
	sum := sha256.Sum256(snapshot)
	return hex.EncodeToString(sum[:])
}

// CurrentRuntime describes the running process.
func CurrentRuntime() Runtime {
	rt := Runtime{
		Version:  runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	if exe, err := os.Executable(); err == nil {
		rt.Interpreter = exe
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		rt.MainModule = info.Main.Path
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			rt.MainModule += "@" + info.Main.Version
		}
	}
	return rt
}
