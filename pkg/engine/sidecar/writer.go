package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
)

// Sidecar names for an output X.
const (
	ScriptSuffix   = ".script"
	ScriptPySuffix = ".script.py"
	MetadataSuffix = ".metadata.json"
)

const sidecarPerm fs.FileMode = 0o644

// ErrNotFound means no sidecar names a script for the output.
var ErrNotFound = errors.New("no provenance found for output")

// Result lists what one pass produced. Write and concealment failures are
// kept apart because only the former lose an artifact.
type Result struct {
	Written       []string
	Errors        []error
	ConcealErrors []error
}

// Writer places sidecars next to tracked outputs.
type Writer struct {
	Fs afero.Fs
	// Conceal hides a written sidecar. Nil skips concealment.
	Conceal func(path string) error
}

// NewWriter returns a writer on fsys. Platform concealment is used only when
// fsys is the OS filesystem.
func NewWriter(fsys afero.Fs) *Writer {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	w := &Writer{Fs: fsys}
	if _, ok := fsys.(*afero.OsFs); ok {
		w.Conceal = conceal
	}
	return w
}

// Write produces the sidecars the record's configuration asks for. Nothing
// is written when archive_only is set. Script copies are skipped when the
// snapshot is empty.
func (w *Writer) Write(rec provenance.Record, metadata []byte) Result {
	var res Result
	cfg := rec.Config
	if !cfg.WritesSidecars() {
		return res
	}

	type item struct {
		path string
		data []byte
	}
	var items []item
	if rec.HasSnapshot() {
		if cfg.SnapshotScript {
			items = append(items, item{rec.OutputPath + ScriptSuffix, rec.Snapshot()})
		}
		if cfg.SnapshotPy {
			items = append(items, item{rec.OutputPath + ScriptPySuffix, rec.Snapshot()})
		}
	}
	if cfg.WriteMetadata {
		items = append(items, item{rec.OutputPath + MetadataSuffix, metadata})
	}

	for _, it := range items {
		if err := WriteAtomic(w.Fs, it.path, it.data, sidecarPerm); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("write sidecar %s: %w", it.path, err))
			continue
		}
		res.Written = append(res.Written, it.path)

		if cfg.HideSidecars && w.Conceal != nil {
			if err := w.Conceal(it.path); err != nil {
				res.ConcealErrors = append(res.ConcealErrors, fmt.Errorf("conceal %s: %w", it.path, err))
			}
		}
	}
	return res
}

// Locate returns the script for output: X.script.py, then X.script, then
// the script_path recorded in X.metadata.json.
func Locate(fsys afero.Fs, output string) (string, error) {
	for _, suffix := range []string{ScriptPySuffix, ScriptSuffix} {
		candidate := output + suffix
		if info, err := fsys.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	data, err := afero.ReadFile(fsys, output+MetadataSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	var meta provenance.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("parse %s: %w", output+MetadataSuffix, err)
	}
	if meta.ScriptPath == nil || *meta.ScriptPath == "" {
		return "", ErrNotFound
	}
	return *meta.ScriptPath, nil
}
