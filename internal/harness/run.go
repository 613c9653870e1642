package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/canon/internal/correlate"
	"github.com/roach88/canon/internal/materialize"
	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/monitor"
	"github.com/roach88/canon/internal/pipeline"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/schedule"
	"github.com/roach88/canon/internal/store"
	"github.com/roach88/canon/internal/testutil"
)

// scenarioEpoch is the frozen wall clock start for every scenario run.
var scenarioEpoch = time.Unix(1700000000, 0).UTC()

// StepFailure records one record step that failed with its expected code.
type StepFailure struct {
	Record int
	Code   model.ErrorCode
}

// Result is the final state after a scenario run.
type Result struct {
	References []model.Reference
	Tasks      []model.ProjectionTask
	Failures   []StepFailure
}

// Run executes a scenario against a fresh temporary store with
// deterministic clocks and task ids. The same scenario always produces the
// same result, which is what the golden comparison relies on.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "canon-harness-*")
	if err != nil {
		return nil, fmt.Errorf("scenario temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "canon.db"))
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	reg := registry.New()
	for _, decl := range scenario.Models {
		if err := reg.Register(toModelSpec(decl)); err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.DiscardHandler)
	wall := testutil.NewFrozenClock(scenarioEpoch)
	sched := schedule.New(st,
		schedule.WithIDGenerator(testutil.NewSequentialIDs("task")),
		schedule.WithClock(wall.Now),
		schedule.WithLogger(logger),
	)

	ctx := context.Background()
	pipe, err := pipeline.NewBuilder(reg, st).
		Standardize().
		Key().
		Associate(correlate.New(st, logger)).
		Project(materialize.NewEngine(), monitor.NewChain(logger), sched).
		Clock(pipeline.NewClock(0)).
		WallClock(wall.Now).
		Logger(logger).
		Build(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	seenRefs := make(map[string]bool)

	for i, step := range scenario.Records {
		fields, err := toFields(step.Fields)
		if err != nil {
			return nil, fmt.Errorf("records[%d]: %w", i, err)
		}

		res, err := pipe.Process(ctx, pipeline.Incoming{
			Source:      step.Source,
			Model:       step.Model,
			ReferenceID: step.ReferenceID,
			Fields:      fields,
		})
		wall.Advance(time.Second)

		if step.ExpectError != "" {
			code := model.CodeOf(err)
			if code != model.ErrorCode(step.ExpectError) {
				return nil, fmt.Errorf("records[%d]: expected error %s, got %v", i, step.ExpectError, err)
			}
			result.Failures = append(result.Failures, StepFailure{Record: i, Code: code})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("records[%d]: %w", i, err)
		}
		seenRefs[res.Record.ReferenceID] = true
	}

	refIDs := make([]string, 0, len(seenRefs))
	for id := range seenRefs {
		refIDs = append(refIDs, id)
	}
	sort.Strings(refIDs)
	for _, id := range refIDs {
		ref, err := st.GetReference(ctx, id)
		if err != nil {
			if model.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result.References = append(result.References, ref)
	}

	for _, status := range []model.TaskStatus{
		model.TaskPending, model.TaskProcessing, model.TaskCompleted, model.TaskFailed,
	} {
		afterID := ""
		for {
			page, err := st.ScanTasks(ctx, status, afterID, 100)
			if err != nil {
				return nil, err
			}
			if len(page) == 0 {
				break
			}
			result.Tasks = append(result.Tasks, page...)
			afterID = page[len(page)-1].ID
		}
	}
	sort.Slice(result.Tasks, func(i, j int) bool {
		return result.Tasks[i].ID < result.Tasks[j].ID
	})

	return result, nil
}

func toModelSpec(decl ModelDecl) registry.ModelSpec {
	spec := registry.ModelSpec{
		Name:             decl.Name,
		DefaultView:      decl.DefaultView,
		ExternalID:       model.ExternalIDPolicy(decl.ExternalID),
		IdentityProperty: decl.IdentityProperty,
		KeyProperty:      decl.KeyProperty,
		DefaultPolicy:    decl.DefaultPolicy,
	}
	if len(decl.Fields) > 0 {
		spec.Fields = make(map[string]registry.FieldSpec, len(decl.Fields))
		for name, f := range decl.Fields {
			spec.Fields[name] = registry.FieldSpec{
				Policy:      f.Policy,
				Standardize: f.Standardize,
			}
		}
	}
	return spec
}

func toFields(raw map[string]any) (model.Map, error) {
	fields := make(model.Map, len(raw))
	for k, v := range raw {
		value, err := model.ToValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = value
	}
	return fields, nil
}
