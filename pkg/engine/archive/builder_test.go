package archive

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine/deps"
	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
)

func archiveConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Archive = true
	cfg.ArchiveDir = dir
	cfg.RunID = "test"
	return cfg
}

func record(t *testing.T, fsys afero.Fs, cfg config.Config, script, output string) provenance.Record {
	t.Helper()
	b := provenance.NewBuilder(cfg, fsys)
	b.DetectVCS = nil
	b.Now = func() time.Time { return time.Date(2026, 10, 15, 23, 59, 0, 0, time.UTC) }
	rec, warnings := b.Build(t.Context(), provenance.Request{OutputPath: output, ScriptHint: script})
	require.Empty(t, warnings)
	return rec
}

func TestBundlePath(t *testing.T) {
	captured := time.Date(2026, 10, 15, 23, 59, 0, 0, time.FixedZone("X", -3*3600))
	got := BundlePath("/arch", "/work/out/result.txt", captured, "20261015-080000-42")
	assert.Equal(t, filepath.FromSlash("/arch/result.txt/2026-10-16/run-20261015-080000-42/result.txt.ws.zip"), got)
}

func TestRunID(t *testing.T) {
	cfg := config.Default()
	id := RunID(cfg)
	assert.Equal(t, id, RunID(cfg), "stable for the process")
	assert.True(t, strings.HasSuffix(id, "-"+strconv.Itoa(os.Getpid())))

	cfg.RunID = "nightly"
	assert.Equal(t, "nightly", RunID(cfg))
}

func TestScriptEntry(t *testing.T) {
	assert.Equal(t, "script.py", ScriptEntry("/w/analysis.py"))
	assert.Equal(t, "script.py", ScriptEntry(provenance.UnknownScript))
	assert.Equal(t, "script.py", ScriptEntry("/w/notebook"))
	assert.Equal(t, "script.go", ScriptEntry("/w/main.go"))
}

func TestBuildBundle(t *testing.T) {
	dir := t.TempDir()
	fsys := afero.NewOsFs()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analysis.py"), []byte("import json\nimport helpers\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpers.py"), []byte("X = 1\n"), 0o644))

	cfg := archiveConfig(filepath.Join(dir, "archive"))
	rec := record(t, fsys, cfg, filepath.Join(dir, "analysis.py"), filepath.Join(dir, "out", "result.txt"))

	set := deps.Closure(fsys, rec.ScriptPath, nil, map[string]bool{})
	selected, warnings := Collect(fsys, set, cfg)
	require.Empty(t, warnings)
	meta, err := rec.Metadata(Rels(selected)).Marshal()
	require.NoError(t, err)

	path, err := NewBuilder(fsys).Build(rec, meta, selected)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archive", "result.txt", "2026-10-15", "run-test", "result.txt.ws.zip"), path)

	contents, err := Open(fsys, path)
	require.NoError(t, err)
	var names []string
	for _, e := range contents.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"metadata.json", "script.py", "deps/helpers.py"}, names)
	assert.Equal(t, []string{"helpers.py"}, contents.Metadata.Dependencies)
	require.NotNil(t, contents.Metadata.ScriptPath)
	assert.Equal(t, rec.ScriptPath, *contents.Metadata.ScriptPath)

	data, err := ReadFile(fsys, path, "deps/helpers.py")
	require.NoError(t, err)
	assert.Equal(t, "X = 1\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staged file left behind")
}

func TestBuildOverwritesSameRun(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/w/a.py", []byte("v1\n"), 0o644))
	cfg := archiveConfig("/arch")
	b := NewBuilder(fsys)

	rec := record(t, fsys, cfg, "/w/a.py", "/w/o.txt")
	first, err := b.Build(rec, []byte("{}"), nil)
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fsys, "/w/a.py", []byte("v2\n"), 0o644))
	rec = record(t, fsys, cfg, "/w/a.py", "/w/o.txt")
	second, err := b.Build(rec, []byte("{}"), nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := ReadFile(fsys, second, "script.py")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(data))

	entries, err := afero.ReadDir(fsys, filepath.Dir(second))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBuildSameBaseNameDistinctBundles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/w/a.py", []byte("x\n"), 0o644))
	cfg := archiveConfig("/arch")
	b := NewBuilder(fsys)

	bundles := map[string]string{}
	for _, output := range []string{"/w/out/a/result.txt", "/w/out/b/result.txt"} {
		rec := record(t, fsys, cfg, "/w/a.py", output)
		meta, err := rec.Metadata(nil).Marshal()
		require.NoError(t, err)
		path, err := b.Build(rec, meta, nil)
		require.NoError(t, err)
		bundles[output] = path
	}

	first, second := bundles["/w/out/a/result.txt"], bundles["/w/out/b/result.txt"]
	assert.Equal(t, filepath.FromSlash("/arch/result.txt/2026-10-15/run-test/result.txt.ws.zip"), first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, DistinctPath(first, "/w/out/b/result.txt"), second)
	assert.Equal(t, filepath.Dir(first), filepath.Dir(second))

	for output, path := range bundles {
		contents, err := Open(fsys, path)
		require.NoError(t, err)
		assert.Equal(t, output, contents.Metadata.OutputPath)
	}

	// Rewriting the first output reuses its bundle.
	rec := record(t, fsys, cfg, "/w/a.py", "/w/out/a/result.txt")
	again, err := b.Build(rec, []byte("{}"), nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestBuildRespectsBundleFromEarlierProcess(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := archiveConfig("/arch")

	rec := record(t, fsys, cfg, "", "/w/x/result.txt")
	meta, err := rec.Metadata(nil).Marshal()
	require.NoError(t, err)
	first, err := NewBuilder(fsys).Build(rec, meta, nil)
	require.NoError(t, err)

	rec = record(t, fsys, cfg, "", "/w/y/result.txt")
	meta, err = rec.Metadata(nil).Marshal()
	require.NoError(t, err)
	second, err := NewBuilder(fsys).Build(rec, meta, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	contents, err := Open(fsys, first)
	require.NoError(t, err)
	assert.Equal(t, "/w/x/result.txt", contents.Metadata.OutputPath)
}

func TestDistinctPathIsDeterministic(t *testing.T) {
	bundle := filepath.FromSlash("/arch/result.txt/2026-10-15/run-r1/result.txt.ws.zip")
	a := DistinctPath(bundle, "/w/out/b/result.txt")
	assert.Equal(t, a, DistinctPath(bundle, "/w/out/b/result.txt"))
	assert.NotEqual(t, a, DistinctPath(bundle, "/w/out/c/result.txt"))
	assert.True(t, strings.HasSuffix(a, BundleSuffix))
	assert.Equal(t, filepath.Dir(bundle), filepath.Dir(a))
}

func TestBuildMetadataWithoutScript(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := archiveConfig("/arch")
	cfg.WriteMetadata = false
	rec := record(t, fsys, cfg, "", "/w/o.txt")

	path, err := NewBuilder(fsys).Build(rec, []byte("{\"script_path\": null}\n"), nil)
	require.NoError(t, err)

	contents, err := Open(fsys, path)
	require.NoError(t, err)
	require.Len(t, contents.Entries, 1)
	assert.Equal(t, MetadataEntry, contents.Entries[0].Name)
	assert.Nil(t, contents.Metadata.ScriptPath)
}

func TestBuildDisabled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.ArchiveDir = "/arch"
	rec := record(t, fsys, cfg, "", "/w/o.txt")

	path, err := NewBuilder(fsys).Build(rec, []byte("{}"), nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	ok, err := afero.DirExists(fsys, "/arch")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildFailureLeavesNothing(t *testing.T) {
	base := afero.NewMemMapFs()
	cfg := archiveConfig("/arch")
	rec := record(t, base, cfg, "", "/w/o.txt")

	_, err := NewBuilder(afero.NewReadOnlyFs(base)).Build(rec, []byte("{}"), nil)
	require.Error(t, err)
}

func TestCollectLimits(t *testing.T) {
	fsys := afero.NewMemMapFs()
	set := deps.Set{}
	for _, name := range []string{"a.py", "b.py", "c.py"} {
		require.NoError(t, afero.WriteFile(fsys, "/p/"+name, []byte("12345"), 0o644))
		set.Files = append(set.Files, deps.File{Path: "/p/" + name, Rel: name})
	}
	set.Files = append(set.Files, deps.File{Path: "/p/missing.py", Rel: "missing.py"})

	cfg := config.Default()
	cfg.MaxDepFiles = 2
	selected, warnings := Collect(fsys, set, cfg)
	assert.Equal(t, []string{"a.py", "b.py"}, Rels(selected))
	assert.Len(t, warnings, 1)

	cfg = config.Default()
	cfg.MaxDepBytes = 12
	selected, warnings = Collect(fsys, set, cfg)
	assert.Equal(t, []string{"a.py", "b.py"}, Rels(selected))
	assert.Len(t, warnings, 2, "one over the byte limit, one unreadable")
}
