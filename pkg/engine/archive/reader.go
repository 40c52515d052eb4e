package archive

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
)

// Entry describes one file stored in a bundle.
type Entry struct {
	Name string `json:"name" yaml:"name"`
	Size uint64 `json:"size" yaml:"size"`
}

// Contents is a decoded bundle.
type Contents struct {
	Path     string              `json:"path" yaml:"path"`
	Entries  []Entry             `json:"entries" yaml:"entries"`
	Metadata provenance.Metadata `json:"metadata" yaml:"metadata"`
}

// Open reads the entry list and metadata document of the bundle at path.
func Open(fsys afero.Fs, path string) (*Contents, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}

	c := &Contents{Path: path}
	var sawMetadata bool
	for _, zf := range zr.File {
		c.Entries = append(c.Entries, Entry{Name: zf.Name, Size: zf.UncompressedSize64})
		if zf.Name != MetadataEntry {
			continue
		}
		data, err := readEntry(zf)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode %s: %w", MetadataEntry, err)
		}
		sawMetadata = true
	}
	if !sawMetadata {
		return nil, fmt.Errorf("bundle %s has no %s", path, MetadataEntry)
	}
	return c, nil
}

// ReadFile returns the content of one entry.
func ReadFile(fsys afero.Fs, path, name string) ([]byte, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	for _, zf := range zr.File {
		if zf.Name == name {
			return readEntry(zf)
		}
	}
	return nil, fmt.Errorf("bundle %s has no entry %s", path, name)
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", zf.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
