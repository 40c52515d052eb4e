package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine/deps"
	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

// Bundle layout.
const (
	BundleSuffix  = ".ws.zip"
	MetadataEntry = "metadata.json"
	DepsPrefix    = "deps/"
)

// processStart names the run folder when no run_id is configured.
var processStart = time.Now()

// RunID returns the configured run identifier or one derived from the
// process start time and pid, shared by every output of this process.
func RunID(cfg config.Config) string {
	if cfg.RunID != "" {
		return cfg.RunID
	}
	return processStart.UTC().Format("20060102-150405") + "-" + strconv.Itoa(os.Getpid())
}

// BundlePath is {archive_dir}/{base}/{YYYY-MM-DD}/run-{run_id}/{base}.ws.zip.
func BundlePath(archiveDir, output string, capturedAt time.Time, runID string) string {
	base := filepath.Base(output)
	return filepath.Join(archiveDir, base, capturedAt.UTC().Format("2006-01-02"), "run-"+runID, base+BundleSuffix)
}

// DistinctPath is the bundle name used when another output with the same base
// name already holds BundlePath in this run: {base}.{dirhash}.ws.zip in the
// same run folder, where dirhash is the first 8 hex digits of the sha256 of
// the output's directory.
func DistinctPath(bundle, output string) string {
	sum := sha256.Sum256([]byte(filepath.ToSlash(filepath.Dir(output))))
	base := filepath.Base(output)
	return filepath.Join(filepath.Dir(bundle), base+"."+hex.EncodeToString(sum[:4])+BundleSuffix)
}

// ScriptEntry names the snapshot inside the bundle: script.py for Python and
// unidentified scripts, script<ext> otherwise.
func ScriptEntry(scriptPath string) string {
	ext := strings.ToLower(filepath.Ext(scriptPath))
	if ext == "" || ext == ".py" || strings.ContainsAny(ext, `/\`) {
		return "script.py"
	}
	return "script" + ext
}

// Dep is a dependency file selected for bundling.
type Dep struct {
	Rel  string
	Data []byte
}

// Collect reads the dependency files of set within the configured limits.
// Files over a limit or unreadable are skipped and reported.
func Collect(fsys afero.Fs, set deps.Set, cfg config.Config) ([]Dep, []error) {
	var (
		out      []Dep
		warnings []error
		total    int64
	)
	for i, f := range set.Files {
		if cfg.MaxDepFiles > 0 && len(out) >= cfg.MaxDepFiles {
			warnings = append(warnings, fmt.Errorf("dependency limit of %d files reached, %d skipped", cfg.MaxDepFiles, len(set.Files)-i))
			break
		}
		data, err := afero.ReadFile(fsys, f.Path)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("read dependency %s: %w", f.Path, err))
			continue
		}
		if cfg.MaxDepBytes > 0 && total+int64(len(data)) > cfg.MaxDepBytes {
			warnings = append(warnings, fmt.Errorf("dependency %s skipped: %d byte limit reached", f.Rel, cfg.MaxDepBytes))
			continue
		}
		total += int64(len(data))
		out = append(out, Dep{Rel: f.Rel, Data: data})
	}
	return out, warnings
}

// Rels lists the relative paths of selected dependencies.
func Rels(selected []Dep) []string {
	if len(selected) == 0 {
		return nil
	}
	out := make([]string, 0, len(selected))
	for _, d := range selected {
		out = append(out, d.Rel)
	}
	return out
}

// Builder writes bundles under the archive directory.
type Builder struct {
	Fs afero.Fs

	mu     sync.Mutex
	claims map[string]string // bundle path -> output path
}

// NewBuilder returns a builder on fsys.
func NewBuilder(fsys afero.Fs) *Builder {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Builder{Fs: fsys, claims: make(map[string]string)}
}

// claim returns the bundle path for output. The first output of a run to
// reach a path keeps it; a different output with the same base name gets
// DistinctPath. Bundles left by an earlier process sharing the run_id are
// consulted through their metadata.
func (b *Builder) claim(path, output string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claims == nil {
		b.claims = make(map[string]string)
	}

	owner, ok := b.claims[path]
	if !ok {
		if existing, err := Open(b.Fs, path); err == nil && existing.Metadata.OutputPath != "" {
			owner = existing.Metadata.OutputPath
		} else {
			owner = output
		}
		b.claims[path] = owner
	}
	if owner == output {
		return path
	}
	return DistinctPath(path, output)
}

// Build writes the bundle for rec and returns its path. The zip is staged in
// the run folder and renamed into place once complete. It does nothing when
// archiving is disabled.
func (b *Builder) Build(rec provenance.Record, metadata []byte, selected []Dep) (string, error) {
	cfg := rec.Config
	if !cfg.Archive {
		return "", nil
	}

	path := b.claim(BundlePath(cfg.ArchiveDir, rec.OutputPath, rec.CapturedAt, RunID(cfg)), rec.OutputPath)
	dir := filepath.Dir(path)
	if err := b.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run folder: %w", err)
	}

	tmp, err := afero.TempFile(b.Fs, dir, filepath.Base(path)+sidecar.StagingMarker+"*")
	if err != nil {
		return "", fmt.Errorf("stage bundle: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = b.Fs.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	if err := addEntry(zw, MetadataEntry, metadata, rec.CapturedAt); err != nil {
		return "", err
	}
	if rec.HasSnapshot() {
		if err := addEntry(zw, ScriptEntry(rec.ScriptPath), rec.Snapshot(), rec.CapturedAt); err != nil {
			return "", err
		}
	}
	for _, d := range selected {
		if err := addEntry(zw, DepsPrefix+d.Rel, d.Data, rec.CapturedAt); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := b.Fs.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("publish bundle: %w", err)
	}
	committed = true
	return path, nil
}

func addEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified.UTC(),
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}
