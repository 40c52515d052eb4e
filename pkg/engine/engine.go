package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/whichscript/pkg/config"
	"github.com/DrSkyle/whichscript/pkg/engine/archive"
	"github.com/DrSkyle/whichscript/pkg/engine/deps"
	"github.com/DrSkyle/whichscript/pkg/engine/policy"
	"github.com/DrSkyle/whichscript/pkg/engine/provenance"
	"github.com/DrSkyle/whichscript/pkg/engine/sidecar"
)

const instrumentation = "whichscript/engine"

// Stage names the pipeline step a warning came from.
type Stage string

const (
	StageIdentity Stage = "identity"
	StageVCS      Stage = "vcs"
	StageDeps     Stage = "deps"
	StageSidecar  Stage = "sidecar"
	StageConceal  Stage = "conceal"
	StageArchive  Stage = "archive"
	StagePanic    Stage = "panic"
)

// Warning is a non-fatal provenance failure. It never reaches the writer.
type Warning struct {
	Stage Stage
	Path  string
	Err   error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %s: %v", w.Stage, w.Path, w.Err)
}

func (w Warning) Unwrap() error {
	return w.Err
}

// Report is the outcome of tracking one output.
type Report struct {
	Output       string
	Record       provenance.Record
	Dependencies []string
	Sidecars     []string
	Bundle       string
	Warnings     []Warning
}

// Stages lists the distinct stages that produced warnings.
func (r Report) Stages() []Stage {
	seen := make(map[Stage]bool)
	var out []Stage
	for _, w := range r.Warnings {
		if !seen[w.Stage] {
			seen[w.Stage] = true
			out = append(out, w.Stage)
		}
	}
	return out
}

// Request names an output whose write just completed.
type Request struct {
	Output string
	// Script is the invoking script; the environment override still wins.
	Script     string
	OpenParams *provenance.OpenParams
}

// Engine runs the provenance pipeline: record, dependencies, sidecars and
// archive. It is safe for concurrent use; the dependency memo is the only
// shared mutable state.
type Engine struct {
	Logger *slog.Logger
	Tracer trace.Tracer

	// Immutable config.
	config config.Config
	fs     afero.Fs

	// Pipeline stages.
	classifier *policy.Classifier
	builder    *provenance.Builder
	resolver   *deps.Resolver
	sidecars   *sidecar.Writer
	archiver   *archive.Builder

	builderHooks []func(*provenance.Builder)

	tracked  metric.Int64Counter
	warnings metric.Int64Counter
}

// Option defines a functional configuration override.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.Logger = l
		}
	}
}

// WithFs sets the filesystem scripts are read from and artifacts written to.
func WithFs(fsys afero.Fs) Option {
	return func(e *Engine) {
		if fsys != nil {
			e.fs = fsys
		}
	}
}

// WithBuilder adjusts the provenance builder once it exists, e.g. to pin the
// clock or stub version control.
func WithBuilder(configure func(*provenance.Builder)) Option {
	return func(e *Engine) {
		e.builderHooks = append(e.builderHooks, configure)
	}
}

// New validates cfg and initializes the pipeline. Invalid exclusion settings
// are returned as *config.Error.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	classifier, err := policy.NewClassifier(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Logger:     slog.Default(),
		Tracer:     otel.Tracer(instrumentation),
		config:     cfg,
		fs:         afero.NewOsFs(),
		classifier: classifier,
	}

	// Apply options.
	for _, opt := range opts {
		opt(e)
	}

	resolver, err := deps.NewResolver(e.fs, deps.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	e.resolver = resolver
	e.builder = provenance.NewBuilder(cfg, e.fs)
	for _, hook := range e.builderHooks {
		hook(e.builder)
	}
	e.sidecars = sidecar.NewWriter(e.fs)
	e.archiver = archive.NewBuilder(e.fs)

	meter := otel.Meter(instrumentation)
	if e.tracked, err = meter.Int64Counter("whichscript.outputs.tracked",
		metric.WithDescription("Outputs whose provenance pipeline ran")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if e.warnings, err = meter.Int64Counter("whichscript.warnings",
		metric.WithDescription("Soft provenance failures by stage")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	return e, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config {
	return e.config
}

// Classify reports why an open of path with flag is not tracked, or
// policy.Tracked.
func (e *Engine) Classify(path string, flag int) policy.Reason {
	return e.classifier.Classify(path, flag)
}

// Qualifies reports whether an open of path with flag is a tracked output.
func (e *Engine) Qualifies(path string, flag int) bool {
	return e.classifier.Qualifies(path, flag)
}

// Track runs the pipeline for an output whose write completed. It never
// fails: every problem is a Warning in the report. Sidecar and archive
// stages are independent; one failing does not skip the other.
func (e *Engine) Track(ctx context.Context, req Request) (report Report) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Track", trace.WithAttributes(attribute.String("output", req.Output)))
	defer span.End()

	report.Output = req.Output
	defer func() {
		e.tracked.Add(ctx, 1)
		span.SetAttributes(attribute.Int("provenance.warnings", len(report.Warnings)))
	}()

	// Crash safety.
	defer e.recoverPanic(ctx, &report)

	cfg := e.config

	// 1. Provenance record.
	rec, buildWarnings := e.recordStage(ctx, req)
	report.Record = rec
	report.Output = rec.OutputPath
	for _, err := range buildWarnings {
		stage := StageIdentity
		if errors.Is(err, provenance.ErrVCS) {
			stage = StageVCS
		}
		e.warn(ctx, &report, stage, rec.ScriptPath, err)
	}

	// 2. Dependencies, bundled only with the archive.
	var selected []archive.Dep
	if cfg.Archive && cfg.LocalImportsSnapshot && rec.KnownScript() {
		selected = e.depsStage(ctx, &report, rec)
	}
	report.Dependencies = archive.Rels(selected)

	metadata, err := rec.Metadata(report.Dependencies).Marshal()
	if err != nil {
		e.warn(ctx, &report, StageSidecar, rec.OutputPath, fmt.Errorf("encode metadata: %w", err))
		return report
	}

	// 3. Sidecars.
	e.sidecarStage(ctx, &report, rec, metadata)

	// 4. Archive.
	if cfg.Archive {
		e.archiveStage(ctx, &report, rec, metadata, selected)
	}

	return report
}

func (e *Engine) recordStage(ctx context.Context, req Request) (provenance.Record, []error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Record")
	defer span.End()

	rec, warnings := e.builder.Build(ctx, provenance.Request{
		OutputPath: req.Output,
		ScriptHint: req.Script,
		OpenParams: req.OpenParams,
	})
	span.SetAttributes(
		attribute.String("script.path", rec.ScriptPath),
		attribute.Bool("script.snapshot", rec.HasSnapshot()),
	)
	return rec, warnings
}

func (e *Engine) depsStage(ctx context.Context, report *Report, rec provenance.Record) []archive.Dep {
	_, span := e.Tracer.Start(ctx, "Engine.Dependencies")
	defer span.End()

	set := e.resolver.Resolve(rec.ScriptPath, e.config.Roots(""))
	for _, err := range set.Warnings {
		e.warn(ctx, report, StageDeps, rec.ScriptPath, err)
	}
	selected, warnings := archive.Collect(e.fs, set, e.config)
	for _, err := range warnings {
		e.warn(ctx, report, StageDeps, rec.ScriptPath, err)
	}
	span.SetAttributes(attribute.Int("deps.count", len(selected)))
	return selected
}

func (e *Engine) sidecarStage(ctx context.Context, report *Report, rec provenance.Record, metadata []byte) {
	_, span := e.Tracer.Start(ctx, "Engine.Sidecars")
	defer span.End()

	res := e.sidecars.Write(rec, metadata)
	report.Sidecars = res.Written
	for _, err := range res.Errors {
		e.warn(ctx, report, StageSidecar, rec.OutputPath, err)
	}
	for _, err := range res.ConcealErrors {
		e.warn(ctx, report, StageConceal, rec.OutputPath, err)
	}
	if len(res.Errors) > 0 {
		span.SetStatus(codes.Error, "sidecar write failed")
	}
}

func (e *Engine) archiveStage(ctx context.Context, report *Report, rec provenance.Record, metadata []byte, selected []archive.Dep) {
	_, span := e.Tracer.Start(ctx, "Engine.Archive")
	defer span.End()

	path, err := e.archiver.Build(rec, metadata, selected)
	if err != nil {
		span.SetStatus(codes.Error, "archive failed")
		e.warn(ctx, report, StageArchive, rec.OutputPath, err)
		return
	}
	report.Bundle = path
	span.SetAttributes(attribute.String("archive.path", path))
}

func (e *Engine) warn(ctx context.Context, report *Report, stage Stage, path string, err error) {
	report.Warnings = append(report.Warnings, Warning{Stage: stage, Path: path, Err: err})
	e.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	e.Logger.Warn("provenance capture degraded", "output", report.Output, "stage", string(stage), "error", err)
}

// recoverPanic handles failures.
func (e *Engine) recoverPanic(ctx context.Context, report *Report) {
	if r := recover(); r != nil {
		// Use independent context.
		_, span := e.Tracer.Start(ctx, "CriticalPanic")

		stack := debug.Stack()

		// Record Exception in OTEL
		span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
		span.SetStatus(codes.Error, "CRITICAL FAILURE")
		span.SetAttributes(
			attribute.String("crash.stack", string(stack)),
			attribute.String("crash.reason", fmt.Sprintf("%v", r)),
		)
		span.End()

		e.Logger.Error("CRITICAL FAILURE", "error", r, "stack", string(stack))
		e.warn(ctx, report, StagePanic, report.Output, fmt.Errorf("recovered: %v", r))
	}
}

// RedactSensitiveData scrubs sensitive keys from logs. It is meant as a
// slog.HandlerOptions.ReplaceAttr.
func RedactSensitiveData(groups []string, a slog.Attr) slog.Attr {
	// List of keys to redact
	sensitiveKeys := map[string]bool{
		"password": true, "access_key": true, "token": true,
		"secret": true, "api_key": true, "private_key": true, "auth_token": true,
		"refresh_token": true, "credential": true, "ssh_key": true,
		"connection_string": true, "secret_key": true, "session_token": true,
	}

	if sensitiveKeys[a.Key] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}
