package deps

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the number of memoized closures.
const DefaultCacheSize = 256

// ErrDynamicImport marks an import whose target is computed at run time.
var ErrDynamicImport = errors.New("dynamic import not resolved")

// File is one local source file reachable from the script.
type File struct {
	// Path is absolute.
	Path string
	// Rel is the slash-separated path under the local root that contains Path.
	Rel string
}

// Set is the dependency closure of a script. It never contains the script itself.
type Set struct {
	Files    []File
	Warnings []error
}

// Rels lists the relative paths in order.
func (s Set) Rels() []string {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Rel)
	}
	return out
}

func (s Set) clone() Set {
	return Set{
		Files:    append([]File(nil), s.Files...),
		Warnings: append([]error(nil), s.Warnings...),
	}
}

// Resolver memoizes closures per script path, modification time and root set.
// Concurrent first-time resolution of the same key walks the graph once.
type Resolver struct {
	fs    afero.Fs
	cache *lru.Cache[string, Set]
	group singleflight.Group
}

// NewResolver returns a resolver reading sources through fsys.
func NewResolver(fsys afero.Fs, size int) (*Resolver, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Set](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dependency cache: %w", err)
	}
	return &Resolver{fs: fsys, cache: cache}, nil
}

// Resolve returns the local dependency closure of script. Roots default to
// the script's directory. A script that cannot be stat'ed has no dependencies.
func (r *Resolver) Resolve(script string, roots []string) Set {
	if scannerFor(script) == nil {
		return Set{}
	}
	info, err := r.fs.Stat(script)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Set{}
		}
		return Set{Warnings: []error{fmt.Errorf("%s: %w", script, err)}}
	}
	roots = normalizeRoots(script, roots)

	key := script + "\x00" + strconv.FormatInt(info.ModTime().UnixNano(), 10) + "\x00" + strings.Join(roots, "\x00")
	if set, ok := r.cache.Get(key); ok {
		return set.clone()
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		set := Closure(r.fs, script, roots, make(map[string]bool))
		r.cache.Add(key, set)
		return set, nil
	})
	return v.(Set).clone()
}

// Len reports how many closures are memoized.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Closure walks the import graph of script breadth-first and collects every
// local file it reaches. visited is shared with the caller so a walk can be
// continued or seeded with already known nodes.
func Closure(fsys afero.Fs, script string, roots []string, visited map[string]bool) Set {
	roots = normalizeRoots(script, roots)
	var set Set
	mods := make(map[string]*goModule)

	visited[script] = true
	queue := []string{script}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		scan := scannerFor(current)
		if scan == nil {
			continue
		}

		src, err := afero.ReadFile(fsys, current)
		if err != nil {
			set.Warnings = append(set.Warnings, fmt.Errorf("%s: %w", current, err))
			continue
		}

		targets, warnings, err := scan(fsys, current, src, roots, mods)
		set.Warnings = append(set.Warnings, warnings...)
		if err != nil {
			// Unparseable node: excluded, the rest of the graph is still walked.
			set.Warnings = append(set.Warnings, err)
			continue
		}

		if current != script {
			set.Files = append(set.Files, File{Path: current, Rel: relTo(roots, current)})
		}

		for _, target := range targets {
			if visited[target] {
				continue
			}
			visited[target] = true
			if !isLocal(roots, target) {
				continue
			}
			queue = append(queue, target)
		}
	}

	sort.Slice(set.Files, func(i, j int) bool { return set.Files[i].Rel < set.Files[j].Rel })
	return set
}

type scanFunc func(fsys afero.Fs, file string, src []byte, roots []string, mods map[string]*goModule) ([]string, []error, error)

func scannerFor(path string) scanFunc {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return scanPython
	case ".go":
		return scanGo
	}
	return nil
}

func normalizeRoots(script string, roots []string) []string {
	if len(roots) == 0 {
		return []string{filepath.Dir(script)}
	}
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		out = append(out, filepath.Clean(root))
	}
	return out
}

// installedMarkers identify directories populated by package managers.
var installedMarkers = []string{"site-packages", "dist-packages", ".venv", "venv", "__pycache__", "node_modules"}

func isLocal(roots []string, path string) bool {
	slash := filepath.ToSlash(path)
	if strings.Contains(slash, "/pkg/mod/") {
		return false
	}
	for _, part := range strings.Split(slash, "/") {
		for _, marker := range installedMarkers {
			if part == marker {
				return false
			}
		}
	}
	return rootOf(roots, path) != ""
}

func rootOf(roots []string, path string) string {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func relTo(roots []string, path string) string {
	root := rootOf(roots, path)
	if root == "" {
		return filepath.ToSlash(filepath.Base(path))
	}
	rel, _ := filepath.Rel(root, path)
	return filepath.ToSlash(rel)
}

func exists(fsys afero.Fs, path string) bool {
	info, err := fsys.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(fsys afero.Fs, path string) bool {
	info, err := fsys.Stat(path)
	return err == nil && info.IsDir()
}
