package provenance

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// execCmd allows mocking exec.CommandContext for testing
var execCmd = exec.CommandContext

// errNoRepository marks the normal "nothing to inspect" outcomes: git is not
// installed or the directory is not inside a work tree.
var errNoRepository = errors.New("no git repository")

// DetectVCS returns the commit and dirty flag of the work tree containing dir.
// A missing git binary or a directory outside any repository yields
// (nil, nil); other failures are returned for the caller to downgrade.
func DetectVCS(ctx context.Context, dir string) (*VCSState, error) {
	commit, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		if errors.Is(err, errNoRepository) {
			return nil, nil
		}
		return nil, err
	}
	status, err := git(ctx, dir, "status", "--porcelain")
	if err != nil {
		if errors.Is(err, errNoRepository) {
			return nil, nil
		}
		return nil, err
	}
	return &VCSState{
		Commit: strings.TrimSpace(commit),
		Dirty:  strings.TrimSpace(status) != "",
	}, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := execCmd(ctx, "git", full...)
	out, err := cmd.Output()
	if err == nil {
		return string(out), nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return "", errNoRepository
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		stderr := string(exitErr.Stderr)
		if strings.Contains(stderr, "not a git repository") || strings.Contains(stderr, "unknown revision") ||
			strings.Contains(stderr, "ambiguous argument 'HEAD'") {
			return "", errNoRepository
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr))
	}
	return "", fmt.Errorf("git %s: %w", args[0], err)
}
