package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/canon/internal/correlate"
	"github.com/roach88/canon/internal/materialize"
	"github.com/roach88/canon/internal/monitor"
	"github.com/roach88/canon/internal/pipeline"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/runtime"
	"github.com/roach88/canon/internal/schedule"
	"github.com/roach88/canon/internal/store"
)

// app is the assembled engine a command operates on.
type app struct {
	store     *store.Store
	registry  *registry.Registry
	pipeline  *pipeline.Pipeline
	scheduler *schedule.Scheduler
	runtime   *runtime.Runtime
	logger    *slog.Logger
}

// openApp builds and starts the engine from the global flags. Every error
// here is a command error: the operation itself never ran.
func openApp(ctx context.Context, opts *RootOptions, rtOpts ...runtime.Option) (*app, error) {
	if opts.Models == "" {
		return nil, NewExitError(ExitCommandError, "--models is required")
	}

	reg := registry.New()
	if err := registry.LoadFile(reg, opts.Models); err != nil {
		return nil, WrapExitError(ExitCommandError, "load models", err)
	}

	st, err := store.Open(opts.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	logger := newLogger(opts)
	sched := schedule.New(st, schedule.WithLogger(logger))

	pipe, err := pipeline.NewBuilder(reg, st).
		Standardize().
		Key().
		Associate(correlate.New(st, logger)).
		Project(materialize.NewEngine(), monitor.NewChain(logger), sched).
		Logger(logger).
		Build(ctx)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "build pipeline", err)
	}

	rt := runtime.New(reg, st, sched, append([]runtime.Option{runtime.WithLogger(logger)}, rtOpts...)...)
	if err := rt.Start(ctx); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "start runtime", err)
	}

	return &app{
		store:     st,
		registry:  reg,
		pipeline:  pipe,
		scheduler: sched,
		runtime:   rt,
		logger:    logger,
	}, nil
}

// Close stops the runtime and closes the store.
func (a *app) Close(ctx context.Context) {
	_ = a.runtime.Stop(ctx)
	_ = a.store.Close()
}
