package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/canon/internal/model"
)

// snapshot converts a scenario result into a canonical map. Timestamps are
// deliberately excluded so the golden bytes depend only on resolved state.
func snapshot(scenarioName string, result *Result) model.Map {
	refs := make(model.List, len(result.References))
	for i, ref := range result.References {
		policies := model.Map{}
		for field, tag := range ref.Policies {
			policies[field] = model.String(tag)
		}
		refs[i] = model.Map{
			"id":       model.String(ref.ID),
			"model":    model.String(ref.Model),
			"version":  model.Int(ref.Version),
			"snapshot": ref.Snapshot,
			"policies": policies,
		}
	}

	tasks := make(model.List, len(result.Tasks))
	for i, task := range result.Tasks {
		tasks[i] = model.Map{
			"id":           model.String(task.ID),
			"reference_id": model.String(task.ReferenceID),
			"version":      model.Int(task.Version),
			"view":         model.String(task.View),
			"status":       model.String(string(task.Status)),
		}
	}

	out := model.Map{
		"scenario_name": model.String(scenarioName),
		"references":    refs,
		"tasks":         tasks,
	}
	if len(result.Failures) > 0 {
		failures := make(model.List, len(result.Failures))
		for i, f := range result.Failures {
			failures[i] = model.Map{
				"record": model.Int(f.Record),
				"code":   model.String(string(f.Code)),
			}
		}
		out["failures"] = failures
	}
	return out
}

// RunWithGolden executes a scenario and compares the canonical result
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}

	data, err := model.MarshalCanonical(snapshot(scenario.Name, result))
	if err != nil {
		return err
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
