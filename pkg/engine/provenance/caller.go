package provenance

import (
	"path/filepath"
	"runtime"
	"strings"
)

// libraryRoot is the directory holding this module's pkg/ tree. Non-test
// frames below it belong to the tracker itself, never to the writing script.
var libraryRoot = func() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	// <root>/pkg/engine/provenance/caller.go
	return filepath.ToSlash(filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(file)))))
}()

// CallerScript walks the current goroutine's stack and returns the source file
// of the first frame that belongs to the writing program: not the standard
// library, not a third-party module and not this library. It returns "" when
// no such frame exists.
func CallerScript(skip int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.File != "" && !skipFrame(frame) {
			return frame.File
		}
		if !more {
			return ""
		}
	}
}

// goroot is empty for binaries built with -trimpath; their standard library
// frames carry relative file names instead.
var goroot = filepath.ToSlash(runtime.GOROOT())

func skipFrame(frame runtime.Frame) bool {
	file := filepath.ToSlash(frame.File)
	if goroot != "" && strings.HasPrefix(file, goroot+"/src/") {
		return true
	}
	if !filepath.IsAbs(frame.File) && (isStdlib(frame.Function) || isModuleFrame(file)) {
		return true
	}
	if strings.Contains(file, "/pkg/mod/") || strings.Contains(file, "/vendor/") {
		return true
	}
	if libraryRoot != "" && strings.HasPrefix(file, libraryRoot+"/pkg/") && !strings.HasSuffix(file, "_test.go") {
		return true
	}
	return false
}

// isModuleFrame reports whether a trimmed file name belongs to a versioned
// module, e.g. "github.com/spf13/afero@v1.15.0/ioutil.go".
func isModuleFrame(file string) bool {
	first, _, _ := strings.Cut(file, "/")
	return strings.Contains(first, "@")
}

// isStdlib reports whether fn lives in a standard library package, whose
// import paths have no dot in their first element.
func isStdlib(fn string) bool {
	pkg := funcPackage(fn)
	if pkg == "" || pkg == "main" {
		return false
	}
	first, _, _ := strings.Cut(pkg, "/")
	return !strings.Contains(first, ".")
}

// funcPackage extracts the import path from a fully qualified function name
// such as "github.com/spf13/afero.(*OsFs).OpenFile".
func funcPackage(fn string) string {
	slash := strings.LastIndex(fn, "/")
	dot := strings.Index(fn[slash+1:], ".")
	if dot < 0 {
		return fn
	}
	return fn[:slash+1+dot]
}
