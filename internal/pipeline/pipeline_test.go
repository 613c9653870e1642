package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canon/internal/correlate"
	"github.com/roach88/canon/internal/materialize"
	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/monitor"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/schedule"
	"github.com/roach88/canon/internal/store"
	"github.com/roach88/canon/internal/testutil"
)

type fixture struct {
	store    *store.Store
	registry *registry.Registry
	monitors *monitor.Chain
	pipeline *Pipeline
}

func newFixture(t *testing.T, mutate ...func(*Builder)) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(filepath.Join(t.TempDir(), "canon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(registry.ModelSpec{
		Name:        "person",
		DefaultView: "search",
		KeyProperty: "email",
		Fields: map[string]registry.FieldSpec{
			"email": {Standardize: []string{"trim", "lower"}},
			"name":  {Policy: "first_non_null"},
		},
	}))

	monitors := monitor.NewChain(logger)
	sched := schedule.New(st,
		schedule.WithIDGenerator(testutil.NewSequentialIDs("task")),
		schedule.WithClock(testutil.NewFrozenClock(time.Unix(1700000000, 0).UTC()).Now),
		schedule.WithLogger(logger),
	)

	b := NewBuilder(reg, st).
		Standardize().
		Key().
		Associate(correlate.New(st, logger)).
		Project(materialize.NewEngine(), monitors, sched).
		Clock(NewClock(0)).
		WallClock(testutil.NewFrozenClock(time.Unix(1700000000, 0).UTC()).Now).
		Logger(logger)
	for _, fn := range mutate {
		fn(b)
	}

	p, err := b.Build(context.Background())
	require.NoError(t, err)

	return &fixture{store: st, registry: reg, monitors: monitors, pipeline: p}
}

func TestProcessEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{
			"email": model.String(" Ada@Example.com "),
			"name":  model.String("Ada"),
		},
	})
	require.NoError(t, err)

	// standardization ran before keying
	assert.Equal(t, "person:ada@example.com", res.Record.ReferenceID)

	// auto-populate injected the external id into the logged record
	assert.Equal(t, model.String("ada@example.com"),
		res.Record.Fields[model.ExternalIDField("crm")])
	require.Len(t, res.Links, 1)

	// snapshot committed at version 1
	assert.True(t, res.Changed)
	assert.Equal(t, int64(1), res.Reference.Version)
	assert.Equal(t, model.String("Ada"), res.Reference.Snapshot["name"])

	// and a task was scheduled for the default view
	require.NotNil(t, res.Task)
	assert.True(t, res.TaskCreated)
	assert.Equal(t, "search", res.Task.View)
	assert.Equal(t, int64(1), res.Task.Version)
}

func TestReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{
			"email": model.String("ada@example.com"),
			"name":  model.String("Ada"),
		},
		ObservedAt: time.Unix(1700000000, 0),
	}

	first, err := f.pipeline.Process(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Changed)

	// same payload again: the content-addressed id collapses the append
	// into a no-op and the resolved snapshot is identical, so nothing
	// advances and the log does not grow
	second, err := f.pipeline.Process(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Reference.Version, second.Reference.Version)
	assert.Nil(t, second.Task)

	obs, err := f.store.Observations(ctx, first.Record.ReferenceID)
	require.NoError(t, err)
	assert.Len(t, obs["email"], 1, "redelivery must not duplicate the source log")
}

func TestMonitorMutationIsCommitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.monitors.Register("activate", func(_ context.Context, mc monitor.Context) error {
		mc.Snapshot["status"] = model.String("active")
		mc.Policies["status"] = "monitor:activate"
		return nil
	}))

	in := Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{
			"email": model.String("ada@example.com"),
			"name":  model.String("Ada"),
		},
		ObservedAt: time.Unix(1700000000, 0),
	}

	first, err := f.pipeline.Process(ctx, in)
	require.NoError(t, err)
	require.True(t, first.Changed)
	assert.Equal(t, model.String("active"), first.Reference.Snapshot["status"])
	assert.Equal(t, "monitor:activate", first.Reference.Policies["status"])

	// the mutated snapshot is the comparison baseline, so redelivery
	// converges instead of committing a new version every time
	second, err := f.pipeline.Process(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Reference.Version, second.Reference.Version)
}

func TestMultiSourceConflictResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{
			"email": model.String("ada@example.com"),
			"name":  model.String("Ada"),
			"phone": model.String("555-1234"),
		},
	})
	require.NoError(t, err)

	res, err := f.pipeline.Process(ctx, Incoming{
		Source: "billing",
		Model:  "person",
		Fields: model.Map{
			"email": model.String("ada@example.com"),
			"name":  model.String("Ada L."),
			"phone": model.String("555-9999"),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Changed)
	assert.Equal(t, int64(2), res.Reference.Version)

	// name is first_non_null: the crm value holds
	assert.Equal(t, model.String("Ada"), res.Reference.Snapshot["name"])
	assert.Equal(t, "first_non_null:crm", res.Reference.Policies["name"])

	// phone defaults to last_writer_wins: billing wins
	assert.Equal(t, model.String("555-9999"), res.Reference.Snapshot["phone"])
	assert.Equal(t, "last_writer_wins:billing", res.Reference.Policies["phone"])
}

func TestUnknownModelRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Process(context.Background(), Incoming{
		Source: "crm",
		Model:  "spaceship",
		Fields: model.Map{"email": model.String("x@example.com")},
	})
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}

func TestMissingKeyPropertyRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Process(context.Background(), Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{"name": model.String("Ada")},
	})
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}

func TestMonitorFailureBlocksCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.monitors.Register("require-name", func(_ context.Context, mc monitor.Context) error {
		if _, ok := mc.Snapshot["name"]; !ok {
			return errors.New("snapshot missing name")
		}
		return nil
	}))

	_, err := f.pipeline.Process(ctx, Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{"email": model.String("ada@example.com")},
	})
	require.Error(t, err)
	assert.True(t, model.IsMonitorFailure(err))

	// nothing was committed
	_, err = f.store.GetReference(ctx, "person:ada@example.com")
	assert.True(t, model.IsNotFound(err))
}

type captureDistributor struct {
	refs []model.Reference
}

func (d *captureDistributor) Distribute(_ context.Context, ref model.Reference, _ model.ProjectionTask) error {
	d.refs = append(d.refs, ref)
	return nil
}

func TestDistributeRunsAfterCommit(t *testing.T) {
	dist := &captureDistributor{}
	f := newFixture(t, func(b *Builder) { b.Distribute(dist) })

	res, err := f.pipeline.Process(context.Background(), Incoming{
		Source: "crm",
		Model:  "person",
		Fields: model.Map{
			"email": model.String("ada@example.com"),
			"name":  model.String("Ada"),
		},
	})
	require.NoError(t, err)
	require.Len(t, dist.refs, 1)
	assert.Equal(t, res.Reference.Version, dist.refs[0].Version)
}

func TestExplicitReferenceIDSkipsDerivation(t *testing.T) {
	f := newFixture(t)

	res, err := f.pipeline.Process(context.Background(), Incoming{
		Source:      "crm",
		Model:       "person",
		ReferenceID: "person:custom-id",
		Fields: model.Map{
			"email": model.String("ada@example.com"),
			"name":  model.String("Ada"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "person:custom-id", res.Record.ReferenceID)
}

func TestBuilderValidation(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(filepath.Join(t.TempDir(), "canon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// distribute without project
	_, err = NewBuilder(registry.New(), st).
		Distribute(&captureDistributor{}).
		Logger(logger).
		Build(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}
