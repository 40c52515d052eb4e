// Package whichscript attaches provenance to every file a program writes.
//
// Install swaps nothing in the runtime; it records the base filesystem and
// the resolved configuration once. Files opened through OpenFile, Create,
// WriteFile or the afero.Fs returned by Fs are then tracked on Close.
package whichscript

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/spf13/afero"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine"
)

// ReportHook observes the outcome of every tracked write.
type ReportHook func(engine.Report)

// Registry is the single-initialization holder of the original write
// primitive and the active configuration. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	installed bool
	overrides config.Overrides

	base   afero.Fs
	engine *engine.Engine
	logger *slog.Logger
	hooks  []ReportHook
}

// NewRegistry returns an uninstalled registry over the OS filesystem.
func NewRegistry() *Registry {
	return &Registry{
		overrides: config.Overrides{},
		base:      afero.NewOsFs(),
		logger:    slog.Default(),
	}
}

// Option customises a registry at installation.
type Option func(*installOptions)

type installOptions struct {
	logger     *slog.Logger
	base       afero.Fs
	hooks      []ReportHook
	engineOpts []engine.Option
}

// WithLogger sets the logger used for soft provenance failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *installOptions) {
		o.logger = l
	}
}

// WithFs replaces the base filesystem whose OpenFile is wrapped.
func WithFs(fsys afero.Fs) Option {
	return func(o *installOptions) {
		o.base = fsys
	}
}

// WithReportHook registers fn to receive every tracking report.
func WithReportHook(fn ReportHook) Option {
	return func(o *installOptions) {
		if fn != nil {
			o.hooks = append(o.hooks, fn)
		}
	}
}

// WithEngineOptions passes options through to the provenance engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *installOptions) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// Configure merges explicit settings into the pending configuration. The
// merged result is validated immediately; an invalid merge leaves the
// pending settings unchanged. After Install it returns config.ErrFrozen.
func (r *Registry) Configure(overrides config.Overrides) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.installed {
		return config.ErrFrozen
	}

	merged := maps.Clone(r.overrides)
	maps.Copy(merged, overrides)
	if _, err := config.Load(merged); err != nil {
		return err
	}
	r.overrides = merged
	return nil
}

// Install resolves the configuration and activates tracking. Calling it
// again, from any goroutine, is a no-op; options passed to later calls are
// ignored.
func (r *Registry) Install(opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.installed {
		return nil
	}

	o := installOptions{logger: r.logger, base: r.base}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.base == nil {
		o.base = afero.NewOsFs()
	}

	cfg, err := config.Load(r.overrides)
	if err != nil {
		return err
	}

	engineOpts := append([]engine.Option{engine.WithLogger(o.logger), engine.WithFs(o.base)}, o.engineOpts...)
	eng, err := engine.New(cfg, engineOpts...)
	if err != nil {
		return fmt.Errorf("whichscript: install: %w", err)
	}

	r.base = o.base
	r.logger = o.logger
	r.hooks = o.hooks
	r.engine = eng
	r.installed = true

	r.logger.Debug("whichscript installed", "archive", cfg.Archive, "archive_only", cfg.ArchiveOnly, "archive_dir", cfg.ArchiveDir)
	return nil
}

// Installed reports whether Install has completed.
func (r *Registry) Installed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installed
}

// Config returns the active configuration, or false before Install.
func (r *Registry) Config() (config.Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.installed {
		return config.Config{}, false
	}
	return r.engine.Config(), true
}

// state is a consistent view of the registry for one open.
type state struct {
	base   afero.Fs
	engine *engine.Engine
	hooks  []ReportHook
	logger *slog.Logger
}

// state returns the base primitive and, once installed, the engine.
func (r *Registry) state() state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return state{base: r.base, engine: r.engine, hooks: r.hooks, logger: r.logger}
}

// Fs returns the tracking filesystem backed by r.
func (r *Registry) Fs() afero.Fs {
	return &Interceptor{reg: r}
}
