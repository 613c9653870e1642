package materialize

import (
	"fmt"
	"strings"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/registry"
)

// Engine resolves observation sets into canonical snapshots using named
// conflict policies.
type Engine struct {
	policies map[string]Policy
}

// NewEngine creates an engine with the built-in policies registered.
func NewEngine() *Engine {
	e := &Engine{policies: make(map[string]Policy)}
	e.Register("last_writer_wins", PolicyFunc(lastWriterWins))
	e.Register("first_non_null", PolicyFunc(firstNonNull))
	return e
}

// Register adds or replaces a named policy. Names starting with "expr:" are
// reserved for inline expressions.
func (e *Engine) Register(name string, p Policy) {
	e.policies[name] = p
}

// lookup resolves a policy name, compiling inline expressions on demand.
func (e *Engine) lookup(name string) (Policy, error) {
	if strings.HasPrefix(name, exprPrefix) {
		return compileExpr(name)
	}
	p, ok := e.policies[name]
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("unknown conflict policy %q", name))
	}
	return p, nil
}

// Materialize resolves every observed field into a snapshot. Fields are
// visited in canonical key order so policy evaluation order is stable; the
// returned policy map records, per materialized field, which policy decided
// it and which source won (e.g. "last_writer_wins:crm").
func (e *Engine) Materialize(spec registry.ModelSpec, observations map[string][]model.Observation) (model.Map, map[string]string, error) {
	snapshot := model.Map{}
	applied := map[string]string{}

	fields := make(model.Map, len(observations))
	for field := range observations {
		fields[field] = model.Null{}
	}

	for _, field := range fields.SortedKeys() {
		values := observations[field]
		if len(values) == 0 {
			continue
		}

		policyName := spec.FieldPolicy(field)
		policy, err := e.lookup(policyName)
		if err != nil {
			return nil, nil, err
		}

		decision, ok, err := policy.Decide(DecisionContext{
			Field:  field,
			Values: values,
			Record: observations,
		})
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}

		snapshot[field] = decision.Value
		applied[field] = policyTag(policyName, decision.Source)
	}
	return snapshot, applied, nil
}

// policyTag builds the provenance tag recorded alongside each materialized
// field. Inline expressions are tagged "expr" without the source suffix
// since their result is synthesized, not selected.
func policyTag(policyName, source string) string {
	if strings.HasPrefix(policyName, exprPrefix) {
		return "expr"
	}
	if source == "" {
		return policyName
	}
	return policyName + ":" + source
}
