package deps

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// SyntaxError reports a source file the scanner could not tokenize.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// pyImport is one imported module. Level counts leading dots of a relative import.
type pyImport struct {
	Module string
	Level  int
	Names  []string
	Line   int
}

func scanPython(fsys afero.Fs, file string, src []byte, roots []string, _ map[string]*goModule) ([]string, []error, error) {
	imports, dynamic, err := parsePython(file, src)
	if err != nil {
		return nil, nil, err
	}

	var warnings []error
	for _, line := range dynamic {
		warnings = append(warnings, fmt.Errorf("%s:%d: %w", file, line, ErrDynamicImport))
	}

	var targets []string
	for _, imp := range imports {
		targets = append(targets, resolvePython(fsys, file, imp, roots)...)
	}
	return targets, warnings, nil
}

// resolvePython maps an import to the files that define it, including the
// package __init__.py files on the way. Modules found nowhere under the
// importing directory or the roots are left to the interpreter's search path.
func resolvePython(fsys afero.Fs, file string, imp pyImport, roots []string) []string {
	var bases []string
	if imp.Level > 0 {
		base := filepath.Dir(file)
		for i := 1; i < imp.Level; i++ {
			base = filepath.Dir(base)
		}
		bases = []string{base}
	} else {
		bases = append([]string{filepath.Dir(file)}, roots...)
	}

	var parts []string
	if imp.Module != "" {
		parts = strings.Split(imp.Module, ".")
	}

	for _, base := range bases {
		found, ok := pythonModule(fsys, base, parts)
		if !ok {
			continue
		}
		pkgDir := filepath.Join(append([]string{base}, parts...)...)
		for _, name := range imp.Names {
			if sub, ok := pythonModule(fsys, pkgDir, []string{name}); ok && len(sub) > 0 {
				found = append(found, sub[len(sub)-1])
			}
		}
		return found
	}
	return nil
}

// pythonModule resolves dotted parts below base. When the module is a file
// it is the last element of the result.
func pythonModule(fsys afero.Fs, base string, parts []string) ([]string, bool) {
	if len(parts) == 0 {
		if init := filepath.Join(base, "__init__.py"); exists(fsys, init) {
			return []string{init}, true
		}
		return nil, isDir(fsys, base)
	}

	var found []string
	dir := base
	for _, pkg := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, pkg)
		if init := filepath.Join(dir, "__init__.py"); exists(fsys, init) {
			found = append(found, init)
		}
	}

	leaf := parts[len(parts)-1]
	if mod := filepath.Join(dir, leaf+".py"); exists(fsys, mod) {
		return append(found, mod), true
	}
	if init := filepath.Join(dir, leaf, "__init__.py"); exists(fsys, init) {
		return append(found, init), true
	}
	// namespace package
	if isDir(fsys, filepath.Join(dir, leaf)) {
		return found, true
	}
	return nil, false
}

// parsePython extracts import statements from Python source without
// evaluating it. It returns the lines holding importlib.import_module or
// __import__ calls separately.
func parsePython(file string, src []byte) ([]pyImport, []int, error) {
	lines, err := logicalLines(file, src)
	if err != nil {
		return nil, nil, err
	}

	var imports []pyImport
	var dynamic []int
	for _, ll := range lines {
		for _, stmt := range strings.Split(ll.text, ";") {
			stmt = strings.TrimSpace(stmt)
			for {
				body, ok := compoundBody(stmt)
				if !ok {
					break
				}
				stmt = body
			}
			if strings.Contains(stmt, "import_module(") || strings.Contains(stmt, "__import__(") {
				dynamic = append(dynamic, ll.line)
			}
			fields := strings.Fields(stmt)
			if len(fields) < 2 {
				continue
			}
			switch fields[0] {
			case "import":
				for _, clause := range strings.Split(strings.TrimPrefix(stmt, "import"), ",") {
					name := firstField(clause)
					if name == "" {
						continue
					}
					imports = append(imports, pyImport{Module: name, Line: ll.line})
				}
			case "from":
				imp, ok := parseFrom(stmt)
				if ok {
					imp.Line = ll.line
					imports = append(imports, imp)
				}
			}
		}
	}
	return imports, dynamic, nil
}

// compoundKeywords open a block whose body may follow the colon on the
// same line, as in "try: import helpers".
var compoundKeywords = map[string]bool{
	"if": true, "elif": true, "else": true, "try": true, "except": true,
	"finally": true, "with": true, "for": true, "while": true, "def": true,
	"class": true,
}

// compoundBody returns the statement after the header colon of a one-line
// compound statement. Colons inside brackets do not end the header.
func compoundBody(stmt string) (string, bool) {
	end := strings.IndexFunc(stmt, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ':' || r == '('
	})
	if end <= 0 || !compoundKeywords[stmt[:end]] {
		return "", false
	}
	depth := 0
	for i := end; i < len(stmt); i++ {
		switch stmt[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 {
				body := strings.TrimSpace(stmt[i+1:])
				return body, body != ""
			}
		}
	}
	return "", false
}

func parseFrom(stmt string) (pyImport, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(stmt, "from"))
	idx := strings.Index(rest, " import ")
	if idx < 0 {
		return pyImport{}, false
	}
	module := strings.TrimSpace(rest[:idx])
	names := strings.TrimSpace(rest[idx+len(" import "):])

	var imp pyImport
	for strings.HasPrefix(module, ".") {
		imp.Level++
		module = module[1:]
	}
	imp.Module = module

	names = strings.TrimSuffix(strings.TrimPrefix(names, "("), ")")
	for _, clause := range strings.Split(names, ",") {
		name := firstField(clause)
		if name == "" || name == "*" {
			continue
		}
		imp.Names = append(imp.Names, name)
	}
	return imp, true
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

type logicalLine struct {
	text string
	line int
}

// logicalLines joins bracketed and backslash continuations, drops comments
// and blanks string literals.
func logicalLines(file string, src []byte) ([]logicalLine, error) {
	var (
		out   []logicalLine
		cur   strings.Builder
		depth int
		line  = 1
		start = 1
	)
	fail := func(at int, msg string) error {
		return &SyntaxError{Path: file, Line: at, Msg: msg}
	}
	flush := func() {
		if text := strings.TrimSpace(cur.String()); text != "" {
			out = append(out, logicalLine{text: text, line: start})
		}
		cur.Reset()
	}

	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '#':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			opened := line
			if i+2 < n && src[i+1] == c && src[i+2] == c {
				j := i + 3
				for ; j < n; j++ {
					if src[j] == '\\' {
						j++
						if j < n && src[j] == '\n' {
							line++
						}
						continue
					}
					if src[j] == '\n' {
						line++
					}
					if j+2 < n && src[j] == c && src[j+1] == c && src[j+2] == c {
						break
					}
				}
				if j+2 >= n {
					return nil, fail(opened, "unterminated triple-quoted string")
				}
				i = j + 3
			} else {
				j := i + 1
				for ; j < n && src[j] != c; j++ {
					if src[j] == '\\' {
						j++
						if j < n && src[j] == '\n' {
							line++
						}
						continue
					}
					if src[j] == '\n' {
						return nil, fail(opened, "unterminated string literal")
					}
				}
				if j >= n {
					return nil, fail(opened, "unterminated string literal")
				}
				i = j + 1
			}
			cur.WriteString(`""`)
		case c == '\\' && i+1 < n && src[i+1] == '\n':
			cur.WriteByte(' ')
			line++
			i += 2
		case c == '\\' && i+2 < n && src[i+1] == '\r' && src[i+2] == '\n':
			cur.WriteByte(' ')
			line++
			i += 3
		case c == '(' || c == '[' || c == '{':
			depth++
			cur.WriteByte(c)
			i++
		case c == ')' || c == ']' || c == '}':
			depth--
			if depth < 0 {
				return nil, fail(line, fmt.Sprintf("unmatched %q", c))
			}
			cur.WriteByte(c)
			i++
		case c == '\n':
			line++
			i++
			if depth == 0 {
				flush()
				start = line
			} else {
				cur.WriteByte(' ')
			}
		default:
			cur.WriteByte(c)
			i++
		}
	}
	if depth > 0 {
		return nil, fail(start, "unclosed bracket")
	}
	flush()
	return out, nil
}
