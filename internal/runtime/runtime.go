// Package runtime owns the engine lifecycle and the operator-facing
// replay and reproject operations. A runtime is explicit state: it is
// constructed with its registry, store, and scheduler, started once, and
// passed to whatever drives ingest. Replay and reproject only schedule
// work; materialization stays with the ingest pipeline and task consumers.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/schedule"
	"github.com/roach88/canon/internal/store"
)

// State is the runtime lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const defaultReplayBatchSize = 256

// Runtime coordinates the engine's components behind a small lifecycle.
type Runtime struct {
	registry  *registry.Registry
	store     *store.Store
	scheduler *schedule.Scheduler
	logger    *slog.Logger

	strictReproject bool
	replayBatchSize int

	mu    sync.Mutex
	state State
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStrictReproject makes Reproject fail on unknown references instead
// of logging and skipping.
func WithStrictReproject() Option {
	return func(r *Runtime) { r.strictReproject = true }
}

// WithReplayBatchSize sets how many source window entries a replay reads
// per page.
func WithReplayBatchSize(n int) Option {
	return func(r *Runtime) { r.replayBatchSize = n }
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// New creates a stopped runtime.
func New(reg *registry.Registry, st *store.Store, sched *schedule.Scheduler, opts ...Option) *Runtime {
	r := &Runtime{
		registry:        reg,
		store:           st,
		scheduler:       sched,
		logger:          slog.Default(),
		replayBatchSize: defaultReplayBatchSize,
		state:           StateStopped,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start validates the configuration and moves the runtime to running.
// Validation is fail-fast: an empty registry or a model without a default
// view is a configuration error and the runtime stays stopped.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.transition(StateStopped, StateStarting); err != nil {
		return err
	}

	if err := r.validate(); err != nil {
		r.setState(StateStopped)
		return err
	}
	if err := ctx.Err(); err != nil {
		r.setState(StateStopped)
		return err
	}

	r.setState(StateRunning)
	r.logger.Info("runtime started", "models", r.registry.Len())
	return nil
}

// Stop moves the runtime back to stopped. The store stays open; closing it
// belongs to whoever opened it.
func (r *Runtime) Stop(ctx context.Context) error {
	if err := r.transition(StateRunning, StateStopping); err != nil {
		return err
	}
	_ = ctx
	r.setState(StateStopped)
	r.logger.Info("runtime stopped")
	return nil
}

func (r *Runtime) validate() error {
	if r.registry.Len() == 0 {
		return model.NewConfigurationError("no models registered")
	}
	for _, spec := range r.registry.Models() {
		if spec.DefaultView == "" {
			return model.NewConfigurationError(
				fmt.Sprintf("model %s has no default view", spec.Name))
		}
	}
	return nil
}

func (r *Runtime) transition(from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("runtime is %s, expected %s", r.state, from)
	}
	r.state = to
	return nil
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runtime) requireRunning() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return fmt.Errorf("runtime is %s, expected running", r.state)
	}
	return nil
}

// ReplayFailure records one reference a replay could not re-project.
type ReplayFailure struct {
	ReferenceID string `json:"reference_id"`
	Error       string `json:"error"`
}

// ReplayReport summarizes a replay pass.
type ReplayReport struct {
	From           *time.Time      `json:"from,omitempty"`
	Until          *time.Time      `json:"until,omitempty"`
	RecordsScanned int             `json:"records_scanned"`
	ReferencesSeen int             `json:"references_seen"`
	TasksCreated   int             `json:"tasks_created"`
	Failures       []ReplayFailure `json:"failures,omitempty"`
}

// Replay schedules work for every reference observed in the half-open
// window [from, until). A nil bound leaves that end open. Replay is
// read-only with respect to canonical state: each affected reference is
// enqueued at its current head version for its model's default view, and
// re-materialization is left to the task consumers. References without a
// projected head are skipped.
//
// Failures on individual references are collected in the report rather
// than aborting the pass; cancellation between batches aborts with the
// partial report.
func (r *Runtime) Replay(ctx context.Context, from, until *time.Time) (ReplayReport, error) {
	report := ReplayReport{From: from, Until: until}
	if err := r.requireRunning(); err != nil {
		return report, err
	}

	r.logger.Info("replay started",
		"from", formatBound(from),
		"until", formatBound(until))

	seen := make(map[string]bool)
	var cursor store.SourceCursor
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		entries, next, err := r.store.ScanSourceWindow(ctx, from, until, cursor, r.replayBatchSize)
		if err != nil {
			return report, fmt.Errorf("replay: scan source window: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		report.RecordsScanned += len(entries)
		cursor = next

		for _, entry := range entries {
			if seen[entry.ReferenceID] {
				continue
			}
			seen[entry.ReferenceID] = true
			report.ReferencesSeen++

			if err := r.replayReference(ctx, entry, &report); err != nil {
				return report, err
			}
		}
	}

	r.logger.Info("replay finished",
		"references", report.ReferencesSeen,
		"tasks", report.TasksCreated,
		"failures", len(report.Failures))
	return report, nil
}

// replayReference schedules one reference at its current head version,
// recording per-reference failures in the report. Only context cancellation
// propagates as an error.
func (r *Runtime) replayReference(ctx context.Context, entry store.SourceWindowEntry, report *ReplayReport) error {
	fail := func(err error) {
		report.Failures = append(report.Failures, ReplayFailure{
			ReferenceID: entry.ReferenceID,
			Error:       err.Error(),
		})
		r.logger.Warn("replay failure", "reference_id", entry.ReferenceID, "error", err)
	}

	spec, ok := r.registry.Lookup(entry.Model)
	if !ok {
		fail(model.NewConfigurationError(fmt.Sprintf("unknown model %q", entry.Model)))
		return nil
	}

	ref, err := r.store.GetReference(ctx, entry.ReferenceID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if model.IsNotFound(err) {
			// never projected, so there is no version to schedule against
			r.logger.Debug("replay skipped unprojected reference",
				"reference_id", entry.ReferenceID)
			return nil
		}
		fail(err)
		return nil
	}

	_, created, err := r.scheduler.EnqueueIfMissing(ctx, ref.ID, ref.Version, spec.DefaultView)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fail(err)
		return nil
	}
	if created {
		report.TasksCreated++
	}
	return nil
}

// Reproject schedules a fresh projection of one reference at its current
// head version. An empty view means the model's default. Failed tasks for
// the triple are reopened.
//
// An unknown reference is skipped with a warning by default; with strict
// reprojection it is a NOT_FOUND error.
func (r *Runtime) Reproject(ctx context.Context, referenceID, view string) (model.ProjectionTask, bool, error) {
	if err := r.requireRunning(); err != nil {
		return model.ProjectionTask{}, false, err
	}

	ref, err := r.store.GetReference(ctx, referenceID)
	if err != nil {
		if model.IsNotFound(err) && !r.strictReproject {
			r.logger.Warn("reproject skipped unknown reference", "reference_id", referenceID)
			return model.ProjectionTask{}, false, nil
		}
		return model.ProjectionTask{}, false, err
	}

	if view == "" {
		spec, ok := r.registry.Lookup(ref.Model)
		if !ok {
			return model.ProjectionTask{}, false, model.NewConfigurationError(
				fmt.Sprintf("reference %s has unregistered model %q", referenceID, ref.Model))
		}
		view = spec.DefaultView
	}

	return r.scheduler.EnqueueWithOverride(ctx, ref.ID, ref.Version, view)
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "open"
	}
	return t.UTC().Format(time.RFC3339)
}
