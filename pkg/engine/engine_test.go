package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine/archive"
	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

func noVCS(b *provenance.Builder) {
	b.DetectVCS = nil
	b.Now = func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
}

// project lays out the analysis.py / helpers.py scenario under a temp dir.
func project(t *testing.T) (dir, script string) {
	t.Helper()
	dir = t.TempDir()
	script = filepath.Join(dir, "analysis.py")
	require.NoError(t, os.WriteFile(script, []byte("import json\nimport helpers\n\nhelpers.save(json.dumps({}))\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpers.py"), []byte("def save(x):\n    return x\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	return dir, script
}

func TestEngineInitialization(t *testing.T) {
	eng, err := New(config.Default(), WithLogger(slog.Default()))
	require.NoError(t, err)
	require.NotNil(t, eng)
	assert.NotNil(t, eng.Logger)
	assert.Equal(t, config.Default(), eng.Config())
}

func TestEngineConfigValidation(t *testing.T) {
	cfg := config.Default()
	cfg.OutputRule = `path`
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))

	cfg = config.Default()
	cfg.ArchiveOnly = true
	_, err = New(cfg)
	assert.True(t, config.IsConfigError(err))
}

func TestTrackScenario(t *testing.T) {
	dir, script := project(t)
	cfg := config.Default()
	cfg.Archive = true
	cfg.ArchiveDir = filepath.Join(dir, "archive")
	cfg.RunID = "r1"

	eng, err := New(cfg, WithBuilder(noVCS))
	require.NoError(t, err)

	output := filepath.Join(dir, "out", "result.txt")
	require.NoError(t, os.WriteFile(output, []byte("42\n"), 0o644))

	report := eng.Track(context.Background(), Request{Output: output, Script: script})
	require.Empty(t, report.Warnings)

	for _, suffix := range []string{sidecar.ScriptSuffix, sidecar.ScriptPySuffix, sidecar.MetadataSuffix} {
		assert.FileExists(t, output+suffix)
	}
	assert.Equal(t, []string{"helpers.py"}, report.Dependencies)

	want := filepath.Join(dir, "archive", "result.txt", "2026-10-15", "run-r1", "result.txt.ws.zip")
	assert.Equal(t, want, report.Bundle)

	contents, err := archive.Open(afero.NewOsFs(), report.Bundle)
	require.NoError(t, err)
	var names []string
	for _, e := range contents.Entries {
		names = append(names, e.Name)
		assert.False(t, strings.HasPrefix(e.Name, "deps/json"))
	}
	assert.ElementsMatch(t, []string{"metadata.json", "script.py", "deps/helpers.py"}, names)
}

func TestTrackArchiveOnly(t *testing.T) {
	dir, script := project(t)
	cfg := config.Default()
	cfg.Archive = true
	cfg.ArchiveOnly = true
	cfg.WriteMetadata = false
	cfg.ArchiveDir = filepath.Join(dir, "archive")

	eng, err := New(cfg, WithBuilder(noVCS))
	require.NoError(t, err)

	output := filepath.Join(dir, "out", "result.txt")
	report := eng.Track(context.Background(), Request{Output: output, Script: script})
	require.Empty(t, report.Warnings)
	assert.Empty(t, report.Sidecars)

	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	contents, err := archive.Open(afero.NewOsFs(), report.Bundle)
	require.NoError(t, err)
	assert.Equal(t, archive.MetadataEntry, contents.Entries[0].Name)
}

func TestTrackArchiveDisabled(t *testing.T) {
	dir, script := project(t)
	cfg := config.Default()
	cfg.ArchiveDir = filepath.Join(dir, "archive")

	eng, err := New(cfg, WithBuilder(noVCS))
	require.NoError(t, err)

	report := eng.Track(context.Background(), Request{Output: filepath.Join(dir, "out", "r.txt"), Script: script})
	require.Empty(t, report.Warnings)
	assert.Empty(t, report.Bundle)
	assert.Empty(t, report.Dependencies)
	assert.NoDirExists(t, cfg.ArchiveDir)
}

func TestTrackInteractiveOverride(t *testing.T) {
	t.Setenv(config.ScriptPathEnv, "/tmp/session-that-does-not-exist.py")
	dir := t.TempDir()

	eng, err := New(config.Default(), WithBuilder(noVCS))
	require.NoError(t, err)

	output := filepath.Join(dir, "result.txt")
	report := eng.Track(context.Background(), Request{Output: output})
	require.Empty(t, report.Warnings)

	assert.NoFileExists(t, output+sidecar.ScriptSuffix)
	assert.NoFileExists(t, output+sidecar.ScriptPySuffix)

	data, err := os.ReadFile(output + sidecar.MetadataSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"script_path": "/tmp/session-that-does-not-exist.py"`)
}

func TestTrackSidecarFailureStillArchives(t *testing.T) {
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/w/a.py", []byte("x = 1\n"), 0o644))
	require.NoError(t, mem.MkdirAll("/w/locked", 0o755))

	cfg := config.Default()
	cfg.Archive = true
	cfg.ArchiveDir = "/arch"
	cfg.RunID = "r"

	eng, err := New(cfg, WithFs(&denyDir{Fs: mem, dir: "/w/locked"}), WithBuilder(noVCS))
	require.NoError(t, err)

	report := eng.Track(context.Background(), Request{Output: "/w/locked/out.txt", Script: "/w/a.py"})
	assert.Equal(t, []Stage{StageSidecar}, report.Stages())
	assert.Len(t, report.Warnings, 3)
	assert.NotEmpty(t, report.Bundle)

	ok, err := afero.Exists(mem, report.Bundle)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrackRecoversPanic(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	eng, err := New(config.Default(), WithLogger(logger), WithBuilder(func(b *provenance.Builder) {
		b.DetectVCS = func(context.Context, string) (*provenance.VCSState, error) {
			panic("boom")
		}
	}))
	require.NoError(t, err)

	dir := t.TempDir()
	script := filepath.Join(dir, "s.py")
	require.NoError(t, os.WriteFile(script, []byte("pass\n"), 0o644))

	var report Report
	require.NotPanics(t, func() {
		report = eng.Track(context.Background(), Request{Output: filepath.Join(dir, "o.txt"), Script: script})
	})
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, StagePanic, report.Warnings[0].Stage)
	assert.Contains(t, logs.String(), "CRITICAL FAILURE")
}

func TestWarningUnwraps(t *testing.T) {
	base := errors.New("denied")
	w := Warning{Stage: StageArchive, Path: "/x", Err: base}
	assert.ErrorIs(t, w, base)
	assert.Equal(t, "archive: /x: denied", w.Error())
}

func TestRedactSensitiveData(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: RedactSensitiveData}))
	logger.Info("push", "secret_key", "abc123", "bucket", "b")

	assert.NotContains(t, buf.String(), "abc123")
	assert.Contains(t, buf.String(), "secret_key=[REDACTED]")
	assert.Contains(t, buf.String(), "bucket=b")
}

// denyDir refuses to create files below dir.
type denyDir struct {
	afero.Fs
	dir string
}

func (d *denyDir) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if strings.HasPrefix(name, d.dir+"/") && flag&os.O_CREATE != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return d.Fs.OpenFile(name, flag, perm)
}
