package sidecar

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// StagingMarker is part of every staged file name. Staged files are never
// tracked and never survive a completed write.
const StagingMarker = ".tmp-"

// WriteAtomic writes data to a staged file next to path and renames it into
// place, so readers see either the previous content or the new content.
func WriteAtomic(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(fsys, dir, filepath.Base(path)+StagingMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = fsys.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fsys.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := fsys.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	committed = true
	syncDir(fsys, dir)
	return nil
}

// dirOpen is swapped in tests.
var dirOpen = os.Open

// syncDir flushes the directory entry on real filesystems. The file is
// already in place, so failures are ignored: directory fsync is unsupported
// on some platforms and network shares.
func syncDir(fsys afero.Fs, dir string) {
	if _, ok := fsys.(*afero.OsFs); !ok {
		return
	}
	f, err := dirOpen(dir)
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}
