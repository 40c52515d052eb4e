package policy

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine/archive"
	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

// Target is the path under classification.
type Target struct {
	Path string
	Name string
	Ext  string
	Dir  string
}

// NewTarget splits an absolute path into the rule variables.
func NewTarget(path string) Target {
	slash := filepath.ToSlash(path)
	return Target{
		Path: slash,
		Name: filepath.Base(path),
		Ext:  filepath.Ext(path),
		Dir:  filepath.ToSlash(filepath.Dir(path)),
	}
}

// Reason explains why a path is not tracked.
type Reason string

const (
	Tracked         Reason = ""
	ReasonMode      Reason = "mode"
	ReasonArtifact  Reason = "artifact"
	ReasonArchive   Reason = "archive_dir"
	ReasonExclude   Reason = "exclude"
	ReasonRule      Reason = "output_rule"
	ReasonRuleError Reason = "output_rule_error"
)

// artifactSuffixes are the files this library writes itself.
var artifactSuffixes = []string{
	sidecar.ScriptPySuffix,
	sidecar.ScriptSuffix,
	sidecar.MetadataSuffix,
	archive.BundleSuffix,
}

// Classifier decides which opened paths are outputs worth annotating.
type Classifier struct {
	archiveDir string
	exclude    []string
	rule       *OutputRule
}

// NewClassifier compiles the exclusion settings of cfg. Bad glob patterns and
// rules that do not compile to bool are configuration errors.
func NewClassifier(cfg config.Config) (*Classifier, error) {
	c := &Classifier{}
	if cfg.ArchiveDir != "" {
		if abs, err := filepath.Abs(cfg.ArchiveDir); err == nil {
			c.archiveDir = filepath.Clean(abs)
		}
	}
	for _, pattern := range cfg.Exclude {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return nil, &config.Error{Key: config.KeyExclude, Value: pattern, Reason: err.Error()}
		}
		c.exclude = append(c.exclude, pattern)
	}
	if cfg.OutputRule != "" {
		rule, err := CompileRule(cfg.OutputRule)
		if err != nil {
			return nil, &config.Error{Key: config.KeyOutputRule, Value: cfg.OutputRule, Reason: err.Error()}
		}
		c.rule = rule
	}
	return c, nil
}

// IsWriteMode reports whether flag opens for writing and creates or
// truncates content.
func IsWriteMode(flag int) bool {
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	creates := flag&(os.O_CREATE|os.O_TRUNC) != 0
	return writable && creates
}

// Classify returns Tracked when an open of path with flag produces an output.
func (c *Classifier) Classify(path string, flag int) Reason {
	if !IsWriteMode(flag) {
		return ReasonMode
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return c.classifyPath(path)
}

// Qualifies is Classify reduced to a bool.
func (c *Classifier) Qualifies(path string, flag int) bool {
	return c.Classify(path, flag) == Tracked
}

func (c *Classifier) classifyPath(path string) Reason {
	name := filepath.Base(path)
	if IsArtifact(name) {
		return ReasonArtifact
	}
	if c.underArchive(path) {
		return ReasonArchive
	}

	t := NewTarget(path)
	candidates := []string{t.Path, strings.TrimPrefix(t.Path, "/"), t.Name}
	for _, pattern := range c.exclude {
		for _, candidate := range candidates {
			if ok, _ := doublestar.Match(pattern, candidate); ok {
				return ReasonExclude
			}
		}
	}

	if c.rule != nil {
		match, err := c.rule.Match(t)
		if err != nil {
			return ReasonRuleError
		}
		if !match {
			return ReasonRule
		}
	}
	return Tracked
}

// IsArtifact reports whether name is a sidecar, a bundle or a staging file.
func IsArtifact(name string) bool {
	if strings.Contains(name, sidecar.StagingMarker) {
		return true
	}
	for _, suffix := range artifactSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (c *Classifier) underArchive(path string) bool {
	if c.archiveDir == "" {
		return false
	}
	rel, err := filepath.Rel(c.archiveDir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
