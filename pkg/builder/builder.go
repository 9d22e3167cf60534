// Package builder runs one firmware build from checkout to stored artifact.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wbld/backend/pkg/build"
	"github.com/wbld/backend/pkg/platformio"
	"github.com/wbld/backend/pkg/workspace"
)

var (
	ErrEnvironmentNotFound = errors.New("environment doesn't exist")
	ErrPlatformUnavailable = errors.New("platform unavailable")
	ErrNotProject          = errors.New("checkout is not a PlatformIO project")
	ErrNotSetUp            = errors.New("builder has not been set up")
)

// EnvironmentError names the environment missing from the project.
type EnvironmentError struct {
	Env string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment doesn't exist: %s", e.Env)
}

func (e *EnvironmentError) Is(target error) bool { return target == ErrEnvironmentNotFound }

// PlatformError reports a platform that could not be made available.
type PlatformError struct {
	Env      string
	Platform string
	Err      error
}

func (e *PlatformError) Error() string {
	if e.Platform == "" {
		return fmt.Sprintf("no platform configured for environment %s", e.Env)
	}
	if e.Err != nil {
		return fmt.Sprintf("platform %s unavailable: %v", e.Platform, e.Err)
	}
	return fmt.Sprintf("platform %s unavailable", e.Platform)
}

func (e *PlatformError) Unwrap() error { return e.Err }

func (e *PlatformError) Is(target error) bool { return target == ErrPlatformUnavailable }

// Tool is the build tool collaborator, satisfied by *platformio.CLI.
type Tool interface {
	Environments(ctx context.Context, dir string) ([]string, error)
	EnvPlatform(ctx context.Context, dir, env string) (string, error)
	PlatformInstalled(ctx context.Context, spec string) (bool, error)
	InstallPlatform(ctx context.Context, spec string, out io.Writer) error
	Run(ctx context.Context, opts platformio.RunOptions) (int, error)
}

// Workspaces hands out private checkouts, satisfied by *workspace.Provider.
type Workspaces interface {
	Acquire(ctx context.Context, revision string) (*workspace.Workspace, error)
}

// Engine holds what every build shares.
type Engine struct {
	tool       Tool
	workspaces Workspaces
	store      *build.Store
	logger     *slog.Logger
	tracer     trace.Tracer
	jobs       int
	verbose    bool
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithJobs sets the parallelism passed to the build tool.
func WithJobs(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.jobs = n
		}
	}
}

func WithVerbose(v bool) Option {
	return func(e *Engine) { e.verbose = v }
}

func NewEngine(tool Tool, workspaces Workspaces, store *build.Store, opts ...Option) *Engine {
	e := &Engine{
		tool:       tool,
		workspaces: workspaces,
		store:      store,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/wbld/backend/pkg/builder"),
		jobs:       platformio.DefaultJobs,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request describes one build.
type Request struct {
	Source   Source
	Revision string
	Author   *build.Author
}

// Builder tracks a single build through setup, run and cleanup.
type Builder struct {
	engine *Engine
	source Source
	author *build.Author

	ws      *workspace.Workspace
	dir     string
	env     string
	rec     *build.Record
	cleanup sync.Once
}

func (e *Engine) New(src Source, author *build.Author) *Builder {
	return &Builder{engine: e, source: src, author: author}
}

// Build runs setup, run and cleanup. The record is returned whenever it was
// created, even together with an error.
func (e *Engine) Build(ctx context.Context, req Request) (*build.Record, error) {
	b := e.New(req.Source, req.Author)
	if err := b.Setup(ctx, req.Revision); err != nil {
		return nil, err
	}
	defer b.Cleanup()
	return b.Run(ctx)
}

// Record is nil until Setup succeeds.
func (b *Builder) Record() *build.Record { return b.rec }

// Env is the environment being built, known after Setup.
func (b *Builder) Env() string { return b.env }

// Setup checks out revision, prepares and validates the environment and
// creates the pending record. On error nothing is left behind.
func (b *Builder) Setup(ctx context.Context, revision string) (err error) {
	e := b.engine
	ctx, span := e.tracer.Start(ctx, "builder.Setup", trace.WithAttributes(
		attribute.String("revision", revision),
		attribute.String("kind", b.source.Kind().String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ws, err := e.workspaces.Acquire(ctx, revision)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if relErr := ws.Release(); relErr != nil {
				e.logger.Warn("release workspace after failed setup", "error", relErr)
			}
		}
	}()

	dir, err := ws.Path()
	if err != nil {
		return err
	}
	if !platformio.IsProject(dir) {
		e.logger.Error("checkout has no platformio.ini", "revision", revision, "path", dir)
		return fmt.Errorf("%w: %s", ErrNotProject, revision)
	}

	env, err := b.source.PrepareEnvironment(dir)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("env", env))

	envs, err := e.tool.Environments(ctx, dir)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}
	if !slices.Contains(envs, "env:"+env) {
		return &EnvironmentError{Env: env}
	}

	rec, err := e.store.Create(build.Metadata{
		Kind:    b.source.Kind(),
		Env:     env,
		Version: revision,
		SHA1:    ws.CommitHash(),
		Snippet: b.source.Snippet(),
		Author:  b.author,
	})
	if err != nil {
		return fmt.Errorf("create build record: %w", err)
	}

	b.ws, b.dir, b.env, b.rec = ws, dir, env, rec
	span.SetAttributes(attribute.String("build", rec.ID()))
	e.logger.Debug("builder set up", "build", rec.ID(), "env", env, "revision", revision, "path", dir)
	return nil
}

// Run compiles the environment, streaming tool output into the record's log.
// A failed compilation is reported through the record state, not as an
// error. The workspace is released when Run returns.
func (b *Builder) Run(ctx context.Context) (_ *build.Record, err error) {
	if b.rec == nil {
		return nil, ErrNotSetUp
	}
	defer b.Cleanup()

	e := b.engine
	rec := b.rec
	logger := e.logger.With("build", rec.ID(), "env", b.env)
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "builder.Run", trace.WithAttributes(
		attribute.String("build", rec.ID()),
		attribute.String("env", b.env),
	))
	defer func() {
		span.SetAttributes(attribute.String("state", rec.State().String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	finish := func(state build.State) {
		if err := rec.SetDuration(time.Since(start)); err != nil {
			logger.Error("set build duration", "error", err)
		}
		if err := rec.SetState(state); err != nil {
			logger.Error("set final build state", "state", state.String(), "error", err)
		}
		logger.Info("build finished", "state", state.String(), "duration", time.Since(start).Round(time.Millisecond))
	}

	logFile, err := os.Create(rec.LogPath())
	if err != nil {
		if stErr := rec.SetState(build.StateBuilding); stErr != nil {
			logger.Error("set build state", "error", stErr)
		}
		finish(build.StateFailed)
		return rec, fmt.Errorf("open build log: %w", err)
	}
	var closeOnce sync.Once
	closeLog := func() {
		closeOnce.Do(func() {
			if err := logFile.Close(); err != nil {
				logger.Warn("close build log", "error", err)
			}
		})
	}
	defer closeLog()

	if err := rec.SetState(build.StateBuilding); err != nil {
		closeLog()
		if durErr := rec.SetDuration(time.Since(start)); durErr != nil {
			logger.Error("set build duration", "error", durErr)
		}
		logger.Error("set build state", "error", err)
		return rec, err
	}
	logger.Info("build started")

	if err := b.ensurePlatform(ctx, logFile); err != nil {
		fmt.Fprintf(logFile, "%v\n", err)
		closeLog()
		finish(build.StateFailed)
		return rec, err
	}

	code, runErr := e.tool.Run(ctx, platformio.RunOptions{
		ProjectDir:  b.dir,
		Environment: b.env,
		Jobs:        e.jobs,
		Verbose:     e.verbose,
		Output:      logFile,
	})
	if runErr != nil {
		logger.Error("build tool did not complete", "error", runErr)
		fmt.Fprintf(logFile, "%v\n", runErr)
	}
	closeLog()

	if runErr != nil || code != 0 {
		logger.Debug("build tool exited", "code", code)
		finish(build.StateFailed)
		return rec, nil
	}

	if err := copyFile(platformio.FirmwarePath(b.dir, b.env), rec.FirmwarePath()); err != nil {
		logger.Error("gather firmware", "error", err)
		finish(build.StateFailed)
		return rec, nil
	}
	finish(build.StateSuccess)
	return rec, nil
}

// ensurePlatform installs the environment's platform at most once.
func (b *Builder) ensurePlatform(ctx context.Context, out io.Writer) error {
	e := b.engine
	spec, err := e.tool.EnvPlatform(ctx, b.dir, b.env)
	if err != nil {
		return &PlatformError{Env: b.env, Err: err}
	}
	if spec == "" {
		return &PlatformError{Env: b.env}
	}

	installed, err := e.tool.PlatformInstalled(ctx, spec)
	if err != nil {
		return &PlatformError{Env: b.env, Platform: spec, Err: err}
	}
	if installed {
		return nil
	}

	if err := e.tool.InstallPlatform(ctx, spec, out); err != nil {
		e.logger.Warn("platform install failed", "platform", spec, "error", err)
	}
	installed, err = e.tool.PlatformInstalled(ctx, spec)
	if err != nil || !installed {
		return &PlatformError{Env: b.env, Platform: spec, Err: err}
	}
	return nil
}

// Cleanup releases the workspace. It is safe to call any number of times.
func (b *Builder) Cleanup() {
	b.cleanup.Do(func() {
		if err := b.ws.Release(); err != nil {
			b.engine.logger.Warn("release workspace", "error", err)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
