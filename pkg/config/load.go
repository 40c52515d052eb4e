package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix is the fixed prefix of every recognised environment variable.
const EnvPrefix = "WHICH_SCRIPT"

// Recognised keys. Explicit overrides and WHICH_SCRIPT_<KEY> variables use
// exactly these names.
const (
	KeyArchive              = "archive"
	KeyArchiveOnly          = "archive_only"
	KeyArchiveDir           = "archive_dir"
	KeyHideSidecars         = "hide_sidecars"
	KeyWriteMetadata        = "write_metadata"
	KeySnapshotScript       = "snapshot_script"
	KeySnapshotPy           = "snapshot_py"
	KeyLocalImportsSnapshot = "local_imports_snapshot"
	KeyLocalImportsRoot     = "local_imports_root"
	KeyRunID                = "run_id"
	KeyExclude              = "exclude"
	KeyOutputRule           = "output_rule"
	KeyMaxDepFiles          = "max_dep_files"
	KeyMaxDepBytes          = "max_dep_bytes"
)

type kind int

const (
	kindBool kind = iota
	kindString
	kindPathList
	kindList
	kindInt
)

var keyKinds = map[string]kind{
	KeyArchive:              kindBool,
	KeyArchiveOnly:          kindBool,
	KeyArchiveDir:           kindString,
	KeyHideSidecars:         kindBool,
	KeyWriteMetadata:        kindBool,
	KeySnapshotScript:       kindBool,
	KeySnapshotPy:           kindBool,
	KeyLocalImportsSnapshot: kindBool,
	KeyLocalImportsRoot:     kindPathList,
	KeyRunID:                kindString,
	KeyExclude:              kindList,
	KeyOutputRule:           kindString,
	KeyMaxDepFiles:          kindInt,
	KeyMaxDepBytes:          kindInt,
}

// Keys returns every recognised key in lexical order.
func Keys() []string {
	keys := make([]string, 0, len(keyKinds))
	for k := range keyKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvName returns the environment variable bound to key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// Overrides carries explicit configuration values keyed by the names above.
// Explicit values win over environment variables, which win over defaults.
type Overrides map[string]any

// Load resolves the configuration from overrides, the environment and the
// built-in defaults. Unknown keys, unparsable values and conflicting settings
// are reported as *Error.
func Load(overrides Overrides) (Config, error) {
	for key := range overrides {
		if _, ok := keyKinds[key]; !ok {
			return Config{}, &Error{Key: key, Reason: "unknown configuration key"}
		}
	}
	if err := rejectUnknownEnv(os.Environ()); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	for key := range keyKinds {
		if err := v.BindEnv(key, EnvName(key)); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	for key, val := range overrides {
		v.Set(key, val)
	}

	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}

	// archive_only alone implies archive; an explicit archive=false is a conflict.
	if cfg.ArchiveOnly && !cfg.Archive {
		if isExplicit(overrides, KeyArchive) {
			return Config{}, &Error{Key: KeyArchiveOnly, Value: true, Reason: "archive_only requires archive to be enabled"}
		}
		cfg.Archive = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.absolutize()
}

// Validate checks values that are individually well-formed but unusable.
func (c Config) Validate() error {
	if c.Archive && strings.TrimSpace(c.ArchiveDir) == "" {
		return &Error{Key: KeyArchiveDir, Reason: "archive_dir is required when archive is enabled"}
	}
	if c.ArchiveOnly && !c.Archive {
		return &Error{Key: KeyArchiveOnly, Value: true, Reason: "archive_only requires archive to be enabled"}
	}
	if c.MaxDepFiles < 0 {
		return &Error{Key: KeyMaxDepFiles, Value: c.MaxDepFiles, Reason: "must not be negative"}
	}
	if c.MaxDepBytes < 0 {
		return &Error{Key: KeyMaxDepBytes, Value: c.MaxDepBytes, Reason: "must not be negative"}
	}
	if strings.ContainsAny(c.RunID, `/\`) {
		return &Error{Key: KeyRunID, Value: c.RunID, Reason: "must not contain path separators"}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyArchive, d.Archive)
	v.SetDefault(KeyArchiveOnly, d.ArchiveOnly)
	v.SetDefault(KeyArchiveDir, d.ArchiveDir)
	v.SetDefault(KeyHideSidecars, d.HideSidecars)
	v.SetDefault(KeyWriteMetadata, d.WriteMetadata)
	v.SetDefault(KeySnapshotScript, d.SnapshotScript)
	v.SetDefault(KeySnapshotPy, d.SnapshotPy)
	v.SetDefault(KeyLocalImportsSnapshot, d.LocalImportsSnapshot)
	v.SetDefault(KeyLocalImportsRoot, []string{})
	v.SetDefault(KeyRunID, "")
	v.SetDefault(KeyExclude, []string{})
	v.SetDefault(KeyOutputRule, "")
	v.SetDefault(KeyMaxDepFiles, d.MaxDepFiles)
	v.SetDefault(KeyMaxDepBytes, d.MaxDepBytes)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	var err error
	bools := map[string]*bool{
		KeyArchive:              &cfg.Archive,
		KeyArchiveOnly:          &cfg.ArchiveOnly,
		KeyHideSidecars:         &cfg.HideSidecars,
		KeyWriteMetadata:        &cfg.WriteMetadata,
		KeySnapshotScript:       &cfg.SnapshotScript,
		KeySnapshotPy:           &cfg.SnapshotPy,
		KeyLocalImportsSnapshot: &cfg.LocalImportsSnapshot,
	}
	for key, dst := range bools {
		if *dst, err = toBool(key, v.Get(key)); err != nil {
			return Config{}, err
		}
	}
	if cfg.ArchiveDir, err = toString(KeyArchiveDir, v.Get(KeyArchiveDir)); err != nil {
		return Config{}, err
	}
	if cfg.RunID, err = toString(KeyRunID, v.Get(KeyRunID)); err != nil {
		return Config{}, err
	}
	if cfg.OutputRule, err = toString(KeyOutputRule, v.Get(KeyOutputRule)); err != nil {
		return Config{}, err
	}
	if cfg.LocalImportsRoot, err = toList(KeyLocalImportsRoot, v.Get(KeyLocalImportsRoot), string(os.PathListSeparator)); err != nil {
		return Config{}, err
	}
	if cfg.Exclude, err = toList(KeyExclude, v.Get(KeyExclude), ","); err != nil {
		return Config{}, err
	}
	files, err := toInt(KeyMaxDepFiles, v.Get(KeyMaxDepFiles))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxDepFiles = int(files)
	if cfg.MaxDepBytes, err = toInt(KeyMaxDepBytes, v.Get(KeyMaxDepBytes)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) absolutize() (Config, error) {
	if c.ArchiveDir != "" {
		abs, err := filepath.Abs(c.ArchiveDir)
		if err != nil {
			return Config{}, &Error{Key: KeyArchiveDir, Value: c.ArchiveDir, Reason: err.Error()}
		}
		c.ArchiveDir = abs
	}
	roots := make([]string, 0, len(c.LocalImportsRoot))
	for _, r := range c.LocalImportsRoot {
		abs, err := filepath.Abs(r)
		if err != nil {
			return Config{}, &Error{Key: KeyLocalImportsRoot, Value: r, Reason: err.Error()}
		}
		roots = append(roots, abs)
	}
	c.LocalImportsRoot = roots
	return c, nil
}

func rejectUnknownEnv(environ []string) error {
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, EnvPrefix+"_") || name == ScriptPathEnv {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix+"_"))
		if _, ok := keyKinds[key]; !ok {
			return &Error{Key: name, Reason: "unknown environment variable"}
		}
	}
	return nil
}

func isExplicit(overrides Overrides, key string) bool {
	if _, ok := overrides[key]; ok {
		return true
	}
	_, ok := os.LookupEnv(EnvName(key))
	return ok
}

func toBool(key string, raw any) (bool, error) {
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return false, &Error{Key: key, Value: raw, Reason: "expected a boolean (1/0)"}
	}
	return b, nil
}

func toString(key string, raw any) (string, error) {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return "", &Error{Key: key, Value: raw, Reason: "expected a string"}
	}
	return strings.TrimSpace(s), nil
}

func toInt(key string, raw any) (int64, error) {
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	n, err := cast.ToInt64E(raw)
	if err != nil {
		return 0, &Error{Key: key, Value: raw, Reason: "expected an integer"}
	}
	return n, nil
}

func toList(key string, raw any, sep string) ([]string, error) {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		parts = strings.Split(val, sep)
	default:
		items, err := cast.ToStringSliceE(val)
		if err != nil {
			return nil, &Error{Key: key, Value: raw, Reason: "expected a list of strings"}
		}
		parts = items
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Error is a configuration error: an unknown key, an unparsable value or a
// conflicting combination. It is raised synchronously, before installation.
type Error struct {
	Key    string
	Value  any
	Reason string
}

func (e *Error) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("config: %s=%v: %s", e.Key, e.Value, e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// ErrFrozen is returned when configuration is attempted after installation.
var ErrFrozen = errors.New("config: configuration is frozen once the interceptor is installed")

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce) || errors.Is(err, ErrFrozen)
}
