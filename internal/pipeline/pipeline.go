// Package pipeline is the ingest path: a raw source record flows through
// standardize, key, associate, project, and distribute stages, ending as an
// appended source log entry, an updated canonical snapshot, and a scheduled
// projection task.
//
// Stage execution order is fixed. The builder's methods configure which
// stages run and with what collaborators; calling them in a different order
// changes nothing about the flow a record takes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/canon/internal/correlate"
	"github.com/roach88/canon/internal/materialize"
	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/monitor"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/schedule"
	"github.com/roach88/canon/internal/store"
)

// commitRetries bounds optimistic commit attempts per projection. Conflicts
// are re-resolved from the full observation set, so a retry converges as
// long as writers make progress.
const commitRetries = 3

// Distributor receives committed references after their task is scheduled.
// Implementations push snapshots to downstream consumers.
type Distributor interface {
	Distribute(ctx context.Context, ref model.Reference, task model.ProjectionTask) error
}

// Incoming is one raw observation entering the pipeline.
type Incoming struct {
	Source      string
	Model       string
	ReferenceID string // optional when the key stage derives it
	Fields      model.Map
	ObservedAt  time.Time // zero means ingest time
}

// Result reports what one record produced.
type Result struct {
	Record      model.SourceRecord
	Links       []model.IdentityLink
	Reference   model.Reference
	Changed     bool // snapshot advanced to a new version
	Task        *model.ProjectionTask
	TaskCreated bool
}

// Builder assembles a Pipeline.
type Builder struct {
	registry    *registry.Registry
	store       *store.Store
	standardize bool
	deriveKeys  bool
	correlator  *correlate.Correlator
	engine      *materialize.Engine
	monitors    *monitor.Chain
	scheduler   *schedule.Scheduler
	distributor Distributor
	clock       *Clock
	now         func() time.Time
	logger      *slog.Logger
}

// NewBuilder starts a pipeline over the registry and store.
func NewBuilder(reg *registry.Registry, st *store.Store) *Builder {
	return &Builder{registry: reg, store: st}
}

// Standardize enables the field normalization stage.
func (b *Builder) Standardize() *Builder {
	b.standardize = true
	return b
}

// Key enables reference id derivation from the model's key property for
// records that arrive without one.
func (b *Builder) Key() *Builder {
	b.deriveKeys = true
	return b
}

// Associate enables identity correlation.
func (b *Builder) Associate(c *correlate.Correlator) *Builder {
	b.correlator = c
	return b
}

// Project enables materialization, the monitor chain, and task scheduling.
func (b *Builder) Project(e *materialize.Engine, mon *monitor.Chain, sch *schedule.Scheduler) *Builder {
	b.engine = e
	b.monitors = mon
	b.scheduler = sch
	return b
}

// Distribute enables post-commit distribution.
func (b *Builder) Distribute(d Distributor) *Builder {
	b.distributor = d
	return b
}

// Clock overrides the logical clock. Without it, Build seeds a clock from
// the store's last persisted seq.
func (b *Builder) Clock(c *Clock) *Builder {
	b.clock = c
	return b
}

// WallClock overrides the wall clock used for observation timestamps.
func (b *Builder) WallClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Logger overrides the logger.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the configuration and creates the pipeline.
func (b *Builder) Build(ctx context.Context) (*Pipeline, error) {
	if b.registry == nil || b.store == nil {
		return nil, model.NewConfigurationError("pipeline requires a registry and a store")
	}
	if b.engine != nil && (b.monitors == nil || b.scheduler == nil) {
		return nil, model.NewConfigurationError("project stage requires monitors and a scheduler")
	}
	if b.distributor != nil && b.engine == nil {
		return nil, model.NewConfigurationError("distribute stage requires the project stage")
	}

	clock := b.clock
	if clock == nil {
		last, err := b.store.LastSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed logical clock: %w", err)
		}
		clock = NewClock(last)
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		registry:    b.registry,
		store:       b.store,
		standardize: b.standardize,
		deriveKeys:  b.deriveKeys,
		correlator:  b.correlator,
		engine:      b.engine,
		monitors:    b.monitors,
		scheduler:   b.scheduler,
		distributor: b.distributor,
		clock:       clock,
		now:         now,
		logger:      logger,
	}, nil
}

// Pipeline executes the ingest stages in fixed order.
type Pipeline struct {
	registry    *registry.Registry
	store       *store.Store
	standardize bool
	deriveKeys  bool
	correlator  *correlate.Correlator
	engine      *materialize.Engine
	monitors    *monitor.Chain
	scheduler   *schedule.Scheduler
	distributor Distributor
	clock       *Clock
	now         func() time.Time
	logger      *slog.Logger
}

// Process runs one record through every enabled stage. Reprocessing the
// same observation is safe end to end: the record id is content-addressed,
// the snapshot commit skips when nothing changed, and enqueue is idempotent
// per triple.
func (p *Pipeline) Process(ctx context.Context, in Incoming) (Result, error) {
	var res Result

	spec, ok := p.registry.Lookup(in.Model)
	if !ok {
		return res, model.NewConfigurationError(fmt.Sprintf("unknown model %q", in.Model))
	}

	fields := in.Fields.Clone()
	if fields == nil {
		fields = model.Map{}
	}

	if p.standardize {
		var err error
		fields, err = materialize.Standardize(spec, fields)
		if err != nil {
			return res, err
		}
	}

	referenceID := in.ReferenceID
	if referenceID == "" {
		if !p.deriveKeys {
			return res, model.NewConfigurationError(
				fmt.Sprintf("record from %s has no reference id and key derivation is disabled", in.Source))
		}
		var err error
		referenceID, err = deriveReferenceID(spec, fields)
		if err != nil {
			return res, err
		}
	}

	observedAt := in.ObservedAt
	if observedAt.IsZero() {
		observedAt = p.now()
	}

	rec := model.SourceRecord{
		Source:      in.Source,
		Model:       spec.Name,
		ReferenceID: referenceID,
		Fields:      fields,
		Seq:         p.clock.Next(),
		ObservedAt:  observedAt.UTC(),
	}

	// Correlation runs before the record id is computed so an injected
	// external id field is part of the logged record and survives replay.
	if p.correlator != nil {
		links, err := p.correlator.Associate(ctx, spec, &rec)
		if err != nil {
			return res, err
		}
		res.Links = links
	}

	id, err := model.RecordID(rec.Source, rec.ReferenceID, rec.Fields)
	if err != nil {
		return res, err
	}
	rec.ID = id

	if err := p.store.AppendSourceRecord(ctx, rec); err != nil {
		return res, err
	}
	res.Record = rec

	if p.engine == nil {
		return res, nil
	}

	ref, changed, err := p.ProjectReference(ctx, spec, referenceID)
	if err != nil {
		return res, err
	}
	res.Reference = ref
	res.Changed = changed

	if changed {
		task, created, err := p.scheduler.EnqueueIfMissing(ctx, ref.ID, ref.Version, spec.DefaultView)
		if err != nil {
			return res, err
		}
		res.Task = &task
		res.TaskCreated = created

		if p.distributor != nil {
			if err := p.distributor.Distribute(ctx, ref, task); err != nil {
				return res, fmt.Errorf("distribute %s v%d: %w", ref.ID, ref.Version, err)
			}
		}
	}

	return res, nil
}

// ProjectReference re-resolves a reference from its full observation set
// and commits the result optimistically. Returns the committed (or
// unchanged current) reference and whether the snapshot advanced.
//
// A version conflict means another writer committed between our read and
// our write; the resolution is recomputed from scratch against the new
// head, a bounded number of times.
func (p *Pipeline) ProjectReference(ctx context.Context, spec registry.ModelSpec, referenceID string) (model.Reference, bool, error) {
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		head, err := p.store.GetReference(ctx, referenceID)
		headVersion := int64(0)
		switch {
		case err == nil:
			headVersion = head.Version
		case model.IsNotFound(err):
			// first projection
		default:
			return model.Reference{}, false, err
		}

		observations, err := p.store.Observations(ctx, referenceID)
		if err != nil {
			return model.Reference{}, false, err
		}
		if len(observations) == 0 {
			return model.Reference{}, false, model.NewNotFound(referenceID)
		}

		snapshot, policies, err := p.engine.Materialize(spec, observations)
		if err != nil {
			return model.Reference{}, false, err
		}

		if p.monitors != nil {
			err := p.monitors.Run(ctx, monitor.Context{
				Model:       spec.Name,
				ReferenceID: referenceID,
				Version:     headVersion + 1,
				Snapshot:    snapshot,
				Policies:    policies,
			})
			if err != nil {
				return model.Reference{}, false, err
			}
		}

		// The comparison happens after the monitor chain so a monitor that
		// rewrites fields still converges on redelivery.
		if headVersion > 0 {
			same, err := snapshotsEqual(head.Snapshot, snapshot)
			if err != nil {
				return model.Reference{}, false, err
			}
			if same {
				return head, false, nil
			}
		}

		candidate := model.Reference{
			ID:       referenceID,
			Model:    spec.Name,
			Snapshot: snapshot,
			Policies: policies,
		}

		newVersion, err := p.store.CommitSnapshot(ctx, candidate, headVersion, p.clock.Current())
		if err == nil {
			candidate.Version = newVersion
			p.logger.Debug("snapshot committed",
				"reference_id", referenceID,
				"model", spec.Name,
				"version", newVersion)
			return candidate, true, nil
		}
		if !model.IsVersionConflict(err) {
			return model.Reference{}, false, err
		}
		lastErr = err
	}
	return model.Reference{}, false, lastErr
}

// deriveReferenceID builds "model:key" from the model's key property.
func deriveReferenceID(spec registry.ModelSpec, fields model.Map) (string, error) {
	if spec.KeyProperty == "" {
		return "", model.NewConfigurationError(
			fmt.Sprintf("model %s declares no key property", spec.Name))
	}
	raw, ok := fields[spec.KeyProperty]
	if !ok {
		return "", model.NewConfigurationError(
			fmt.Sprintf("model %s: record missing key property %q", spec.Name, spec.KeyProperty))
	}
	switch v := raw.(type) {
	case model.String:
		if v == "" {
			return "", model.NewConfigurationError(
				fmt.Sprintf("model %s: empty key property %q", spec.Name, spec.KeyProperty))
		}
		return spec.Name + ":" + string(v), nil
	case model.Int:
		return fmt.Sprintf("%s:%d", spec.Name, int64(v)), nil
	default:
		return "", model.NewConfigurationError(
			fmt.Sprintf("model %s: key property %q must be a string or integer", spec.Name, spec.KeyProperty))
	}
}

// snapshotsEqual compares two snapshots by canonical digest.
func snapshotsEqual(a, b model.Map) (bool, error) {
	ha, err := model.SnapshotHash(a)
	if err != nil {
		return false, err
	}
	hb, err := model.SnapshotHash(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
