package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// OutputRule is a compiled CEL expression deciding whether a path is tracked.
// Variables: path (absolute, slash separated), name, ext, dir.
//
//	ext == ".csv" && !dir.contains("/scratch")
type OutputRule struct {
	expr string
	prg  cel.Program
}

// CompileRule type-checks expr. It must evaluate to a bool.
func CompileRule(expr string) (*OutputRule, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("path", decls.String),
			decls.NewVar("name", decls.String),
			decls.NewVar("ext", decls.String),
			decls.NewVar("dir", decls.String),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule compilation error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule program creation error: %w", err)
	}
	return &OutputRule{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (r *OutputRule) String() string {
	return r.expr
}

// Match evaluates the rule for one target.
func (r *OutputRule) Match(t Target) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{
		"path": t.Path,
		"name": t.Name,
		"ext":  t.Ext,
		"dir":  t.Dir,
	})
	if err != nil {
		return false, err
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule returned %T", out.Value())
	}
	return match, nil
}
