package deps

import (
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/mod/modfile"
)

// goModule is the module enclosing a directory.
type goModule struct {
	Path string
	Dir  string
}

func scanGo(fsys afero.Fs, file string, src []byte, _ []string, mods map[string]*goModule) ([]string, []error, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, file, src, parser.ImportsOnly)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", file, err)
	}

	var warnings []error
	dir := filepath.Dir(file)

	// Files of the same package compile together with this one.
	targets, err := packageFiles(fsys, dir, f.Name.Name)
	if err != nil {
		warnings = append(warnings, err)
	}

	mod, err := findModule(fsys, dir, mods)
	if err != nil {
		warnings = append(warnings, err)
	}
	if mod == nil {
		return targets, warnings, nil
	}

	for _, spec := range f.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		if path != mod.Path && !strings.HasPrefix(path, mod.Path+"/") {
			continue
		}
		pkgDir := filepath.Join(mod.Dir, filepath.FromSlash(strings.TrimPrefix(path, mod.Path)))
		files, err := packageFiles(fsys, pkgDir, "")
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		targets = append(targets, files...)
	}
	return targets, warnings, nil
}

// packageFiles lists the non-test Go files in dir. When name is set, files
// declaring a different package are skipped.
func packageFiles(fsys afero.Fs, dir, name string) ([]string, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		base := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(base, ".go") || strings.HasSuffix(base, "_test.go") {
			continue
		}
		path := filepath.Join(dir, base)
		if name != "" {
			src, err := afero.ReadFile(fsys, path)
			if err != nil {
				continue
			}
			f, err := parser.ParseFile(token.NewFileSet(), path, src, parser.PackageClauseOnly)
			if err != nil || f.Name.Name != name {
				continue
			}
		}
		files = append(files, path)
	}
	return files, nil
}

// findModule walks up from dir to the nearest go.mod. Results are cached per
// directory for the duration of one walk.
func findModule(fsys afero.Fs, dir string, mods map[string]*goModule) (*goModule, error) {
	var seen []string
	defer func() {
		for _, d := range seen {
			if _, ok := mods[d]; !ok {
				mods[d] = nil
			}
		}
	}()

	for cur := dir; ; cur = filepath.Dir(cur) {
		if mod, ok := mods[cur]; ok {
			for _, d := range seen {
				mods[d] = mod
			}
			return mod, nil
		}
		seen = append(seen, cur)

		gomod := filepath.Join(cur, "go.mod")
		if exists(fsys, gomod) {
			data, err := afero.ReadFile(fsys, gomod)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", gomod, err)
			}
			path := modfile.ModulePath(data)
			if path == "" {
				return nil, fmt.Errorf("%s: no module directive", gomod)
			}
			mod := &goModule{Path: path, Dir: cur}
			for _, d := range seen {
				mods[d] = mod
			}
			return mod, nil
		}

		if parent := filepath.Dir(cur); parent == cur {
			return nil, nil
		}
	}
}
