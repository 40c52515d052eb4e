package whichscript

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine"
	"github.com/DrSkyle/whichscript/pkg/engine/archive"
	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

var capturedAt = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func pinned(b *provenance.Builder) {
	b.DetectVCS = nil
	b.Now = func() time.Time { return capturedAt }
}

type reports struct {
	mu   sync.Mutex
	list []engine.Report
}

func (r *reports) hook(rep engine.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, rep)
}

func (r *reports) all() []engine.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Report(nil), r.list...)
}

// install returns an installed registry configured with overrides.
func install(t *testing.T, overrides config.Overrides) (*Registry, *reports) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Configure(overrides))
	got := &reports{}
	require.NoError(t, reg.Install(
		WithReportHook(got.hook),
		WithEngineOptions(engine.WithBuilder(pinned)),
	))
	return reg, got
}

// analysisProject lays out analysis.py importing helpers.py and json.
func analysisProject(t *testing.T) (dir, script string) {
	t.Helper()
	dir = t.TempDir()
	script = filepath.Join(dir, "analysis.py")
	require.NoError(t, os.WriteFile(script, []byte("import json\nimport helpers\n\nhelpers.save(json.dumps({}))\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpers.py"), []byte("def save(x):\n    return x\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	return dir, script
}

func writeThrough(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func stagedLeftovers(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.Contains(d.Name(), sidecar.StagingMarker) {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestUninstalledRegistryPassesThrough(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	assert.False(t, reg.Installed())

	out := filepath.Join(dir, "plain.txt")
	writeThrough(t, reg.Fs(), out, "x")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScenarioAnalysisHelpers(t *testing.T) {
	dir, script := analysisProject(t)
	t.Setenv(config.ScriptPathEnv, script)

	reg, got := install(t, config.Overrides{
		config.KeyArchive:    true,
		config.KeyArchiveDir: filepath.Join(dir, "archive"),
		config.KeyRunID:      "r1",
	})

	out := filepath.Join(dir, "out", "result.txt")
	writeThrough(t, reg.Fs(), out, "42\n")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	assert.FileExists(t, out+sidecar.ScriptSuffix)
	assert.FileExists(t, out+sidecar.ScriptPySuffix)
	assert.FileExists(t, out+sidecar.MetadataSuffix)

	copyData, err := os.ReadFile(out + sidecar.ScriptPySuffix)
	require.NoError(t, err)
	assert.Contains(t, string(copyData), "import helpers")

	reps := got.all()
	require.Len(t, reps, 1)
	assert.Empty(t, reps[0].Warnings)

	bundle := filepath.Join(dir, "archive", "result.txt", "2026-10-15", "run-r1", "result.txt"+archive.BundleSuffix)
	assert.Equal(t, bundle, reps[0].Bundle)

	contents, err := archive.Open(afero.NewOsFs(), bundle)
	require.NoError(t, err)
	var names []string
	for _, e := range contents.Entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"metadata.json", "script.py", "deps/helpers.py"}, names)
	for _, n := range names {
		assert.NotContains(t, n, "json.py")
	}
}

func TestSameNamedOutputsKeepSeparateBundles(t *testing.T) {
	dir, script := analysisProject(t)
	t.Setenv(config.ScriptPathEnv, script)

	reg, got := install(t, config.Overrides{
		config.KeyArchive:    true,
		config.KeyArchiveDir: filepath.Join(dir, "archive"),
		config.KeyRunID:      "r1",
	})

	outputs := []string{filepath.Join(dir, "out", "a", "result.txt"), filepath.Join(dir, "out", "b", "result.txt")}
	for _, out := range outputs {
		require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
		writeThrough(t, reg.Fs(), out, "42\n")
	}

	reps := got.all()
	require.Len(t, reps, 2)
	require.NotEqual(t, reps[0].Bundle, reps[1].Bundle)
	for i, rep := range reps {
		require.Empty(t, rep.Warnings)
		contents, err := archive.Open(afero.NewOsFs(), rep.Bundle)
		require.NoError(t, err)
		assert.Equal(t, outputs[i], contents.Metadata.OutputPath)
	}
}

func TestRepeatedRunsLeaveNoStagedFiles(t *testing.T) {
	dir, script := analysisProject(t)
	t.Setenv(config.ScriptPathEnv, script)
	archiveDir := filepath.Join(dir, "archive")

	for run := 0; run < 2; run++ {
		reg, got := install(t, config.Overrides{
			config.KeyArchive:    true,
			config.KeyArchiveDir: archiveDir,
			config.KeyRunID:      "same",
		})
		writeThrough(t, reg.Fs(), filepath.Join(dir, "out", "result.txt"), strings.Repeat("v", run+1))
		require.Len(t, got.all(), 1)
		assert.Empty(t, got.all()[0].Warnings)
	}

	assert.Empty(t, stagedLeftovers(t, dir))

	bundles, err := filepath.Glob(filepath.Join(archiveDir, "result.txt", "*", "run-same", "*"))
	require.NoError(t, err)
	assert.Len(t, bundles, 1)
}

func TestArchiveOnlyWritesNoSidecars(t *testing.T) {
	dir, script := analysisProject(t)
	t.Setenv(config.ScriptPathEnv, script)

	reg, got := install(t, config.Overrides{
		config.KeyArchiveOnly: true,
		config.KeyArchiveDir:  filepath.Join(dir, "archive"),
	})
	writeThrough(t, reg.Fs(), filepath.Join(dir, "out", "result.txt"), "x")

	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "result.txt", entries[0].Name())

	reps := got.all()
	require.Len(t, reps, 1)
	contents, err := archive.Open(afero.NewOsFs(), reps[0].Bundle)
	require.NoError(t, err)
	assert.Equal(t, script, *contents.Metadata.ScriptPath)
}

func TestArchiveDisabledCreatesNoArchiveTree(t *testing.T) {
	dir, script := analysisProject(t)
	t.Setenv(config.ScriptPathEnv, script)
	archiveDir := filepath.Join(dir, "archive")

	reg, _ := install(t, config.Overrides{
		config.KeyArchive:    false,
		config.KeyArchiveDir: archiveDir,
	})
	writeThrough(t, reg.Fs(), filepath.Join(dir, "out", "result.txt"), "x")

	assert.NoDirExists(t, archiveDir)
	assert.FileExists(t, filepath.Join(dir, "out", "result.txt"+sidecar.MetadataSuffix))
}

func TestInteractiveOverrideSkipsScriptCopies(t *testing.T) {
	t.Setenv(config.ScriptPathEnv, "/tmp/session.py")
	dir := t.TempDir()

	reg, _ := install(t, nil)
	out := filepath.Join(dir, "result.txt")
	writeThrough(t, reg.Fs(), out, "x")

	assert.NoFileExists(t, out+sidecar.ScriptSuffix)
	assert.NoFileExists(t, out+sidecar.ScriptPySuffix)

	data, err := os.ReadFile(out + sidecar.MetadataSuffix)
	require.NoError(t, err)
	var meta provenance.Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	require.NotNil(t, meta.ScriptPath)
	assert.Equal(t, "/tmp/session.py", *meta.ScriptPath)
}

func TestCallerIsTheWritingFile(t *testing.T) {
	dir := t.TempDir()
	reg, got := install(t, nil)

	writeThrough(t, reg.Fs(), filepath.Join(dir, "out.csv"), "a,b\n")

	reps := got.all()
	require.Len(t, reps, 1)
	assert.True(t, strings.HasSuffix(filepath.ToSlash(reps[0].Record.ScriptPath), "whichscript/whichscript_test.go"),
		reps[0].Record.ScriptPath)
	require.NotNil(t, reps[0].Record.OpenParams)
	assert.Equal(t, "O_WRONLY|O_CREATE|O_TRUNC", reps[0].Record.OpenParams.Flag)
	assert.Equal(t, "-rw-r--r--", reps[0].Record.OpenParams.Perm)
}

func TestFailedOpenIsTransparent(t *testing.T) {
	dir := t.TempDir()
	reg, got := install(t, nil)
	missing := filepath.Join(dir, "no", "such", "dir", "out.txt")

	_, baseErr := afero.NewOsFs().OpenFile(missing, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	f, err := reg.Fs().OpenFile(missing, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)

	require.Error(t, err)
	assert.Nil(t, f)
	assert.Equal(t, baseErr.Error(), err.Error())
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Empty(t, got.all())
	assert.NoDirExists(t, filepath.Join(dir, "no"))
}

func TestNonQualifyingOpensAreUntouched(t *testing.T) {
	dir := t.TempDir()
	reg, got := install(t, config.Overrides{config.KeyExclude: "*.log"})
	fsys := reg.Fs()

	existing := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(existing, []byte("data"), 0o644))

	cases := []struct {
		name string
		path string
		flag int
	}{
		{"read only", existing, os.O_RDONLY},
		{"in-place write", existing, os.O_WRONLY},
		{"sidecar name", filepath.Join(dir, "x.txt.metadata.json"), os.O_WRONLY | os.O_CREATE},
		{"excluded glob", filepath.Join(dir, "run.log"), os.O_WRONLY | os.O_CREATE},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := fsys.OpenFile(tc.path, tc.flag, 0o644)
			require.NoError(t, err)
			_, tracked := f.(*trackedFile)
			assert.False(t, tracked)
			require.NoError(t, f.Close())
		})
	}
	assert.Empty(t, got.all())
}

func TestAppendCreateIsTracked(t *testing.T) {
	dir := t.TempDir()
	reg, got := install(t, nil)

	f, err := reg.Fs().OpenFile(filepath.Join(dir, "log.txt"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reps := got.all()
	require.Len(t, reps, 1)
	assert.Equal(t, "O_WRONLY|O_APPEND|O_CREATE", reps[0].Record.OpenParams.Flag)
}

func TestCloseTwiceTracksOnce(t *testing.T) {
	dir := t.TempDir()
	reg, got := install(t, nil)

	f, err := reg.Fs().Create(filepath.Join(dir, "once.txt"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Error(t, f.Close())
	assert.Len(t, got.all(), 1)
}

func TestInstallIsIdempotentAcrossGoroutines(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Install()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, reg.Installed())

	first := reg.state().engine
	require.NoError(t, reg.Install(WithFs(afero.NewMemMapFs())))
	assert.Same(t, first, reg.state().engine)
	_, isOs := reg.state().base.(*afero.OsFs)
	assert.True(t, isOs)
}

func TestConfigureValidatesAndFreezes(t *testing.T) {
	reg := NewRegistry()

	err := reg.Configure(config.Overrides{"archvie": true})
	assert.True(t, config.IsConfigError(err))

	err = reg.Configure(config.Overrides{config.KeyArchiveOnly: true, config.KeyArchive: false})
	assert.True(t, config.IsConfigError(err))

	require.NoError(t, reg.Configure(config.Overrides{config.KeyHideSidecars: true}))
	require.NoError(t, reg.Install())

	cfg, ok := reg.Config()
	require.True(t, ok)
	assert.True(t, cfg.HideSidecars)

	err = reg.Configure(config.Overrides{config.KeyArchive: true})
	assert.ErrorIs(t, err, config.ErrFrozen)
}

func TestRegistrySaveOutput(t *testing.T) {
	dir := t.TempDir()
	reg, _ := install(t, nil)

	out := filepath.Join(dir, "nested", "result.json")
	meta, err := reg.SaveOutput([]byte(`{"ok":true}`), out)
	require.NoError(t, err)
	assert.Equal(t, out+sidecar.MetadataSuffix, meta)
	assert.FileExists(t, meta)

	meta, err = reg.SaveOutput([]byte("x"), filepath.Join(dir, "y.ws.zip"))
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "O_RDONLY", FlagString(os.O_RDONLY))
	assert.Equal(t, "O_RDWR|O_CREATE|O_TRUNC", FlagString(os.O_RDWR|os.O_CREATE|os.O_TRUNC))
	assert.Equal(t, "O_WRONLY|O_CREATE|O_EXCL", FlagString(os.O_WRONLY|os.O_CREATE|os.O_EXCL))
}

func TestProcessWideRegistry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Configure(config.Overrides{config.KeyWriteMetadata: true}))
	require.NoError(t, Install(WithEngineOptions(engine.WithBuilder(pinned))))
	assert.True(t, Installed())
	assert.ErrorIs(t, Configure(nil), config.ErrFrozen)

	out := filepath.Join(dir, "global.txt")
	require.NoError(t, WriteFile(out, []byte("g"), 0o644))
	assert.FileExists(t, out+sidecar.MetadataSuffix)

	script, err := Locate(out)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(script, sidecar.ScriptPySuffix))

	meta, err := SaveOutput([]byte("s"), filepath.Join(dir, "saved.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "saved.txt")+sidecar.MetadataSuffix, meta)

	_, err = Locate(filepath.Join(dir, "never-written.txt"))
	assert.ErrorIs(t, err, sidecar.ErrNotFound)
}
