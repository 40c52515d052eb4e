package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

// MirrorResult summarises one Mirror pass.
type MirrorResult struct {
	Uploaded []string
	Failed   []string
}

// Mirror copies every file under root into store, keyed by its slash path
// relative to root below prefix. Staging leftovers are skipped. A failed
// upload is logged and the walk continues.
func Mirror(ctx context.Context, fsys afero.Fs, root string, store BlobStore, prefix string, logger *slog.Logger) (MirrorResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res MirrorResult

	logger.Info("Mirroring archive", "root", root, "prefix", prefix)

	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || strings.Contains(info.Name(), sidecar.StagingMarker) {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := joinKey(prefix, filepath.ToSlash(relPath))

		data, err := afero.ReadFile(fsys, path)
		if err == nil {
			err = store.Put(ctx, key, data)
		}
		if err != nil {
			logger.Warn("Failed to push artifact", "file", relPath, "error", err)
			res.Failed = append(res.Failed, key)
			return nil
		}
		res.Uploaded = append(res.Uploaded, key)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("mirror %s: %w", root, err)
	}
	return res, nil
}
