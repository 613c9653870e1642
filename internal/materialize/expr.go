package materialize

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/canon/internal/model"
)

// exprPrefix marks a policy name as an inline expression rather than a
// registered built-in.
const exprPrefix = "expr:"

// exprPolicy evaluates a user-declared expression over the field's
// observations. Programs are compiled once and cached; evaluation shares
// the compiled program across goroutines (expr programs are reentrant).
type exprPolicy struct {
	program *vm.Program
}

// exprEnv is the evaluation environment. Observations are exposed as plain
// maps so expressions stay free of engine types.
type exprEnv struct {
	Field        string           `expr:"field"`
	Values       []any            `expr:"values"`
	Observations []map[string]any `expr:"observations"`
	Record       map[string][]any `expr:"record"`
}

var (
	exprCacheMu sync.Mutex
	exprCache   = map[string]*vm.Program{}
)

// compileExpr compiles (or fetches from cache) the expression after the
// "expr:" prefix.
func compileExpr(name string) (*exprPolicy, error) {
	src := strings.TrimPrefix(name, exprPrefix)
	if strings.TrimSpace(src) == "" {
		return nil, model.NewConfigurationError("empty expression policy")
	}

	exprCacheMu.Lock()
	defer exprCacheMu.Unlock()

	if prog, ok := exprCache[src]; ok {
		return &exprPolicy{program: prog}, nil
	}

	prog, err := expr.Compile(src, expr.Env(exprEnv{}))
	if err != nil {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("compile policy expression %q: %v", src, err))
	}
	exprCache[src] = prog
	return &exprPolicy{program: prog}, nil
}

func (p *exprPolicy) Decide(dc DecisionContext) (Decision, bool, error) {
	env := exprEnv{
		Field:        dc.Field,
		Values:       make([]any, len(dc.Values)),
		Observations: make([]map[string]any, len(dc.Values)),
		Record:       make(map[string][]any, len(dc.Record)),
	}
	for i, obs := range dc.Values {
		env.Values[i] = model.FromValue(obs.Value)
		env.Observations[i] = map[string]any{
			"source":      obs.Source,
			"value":       model.FromValue(obs.Value),
			"seq":         obs.Seq,
			"observed_at": obs.ObservedAt.UTC().Format(time.RFC3339),
		}
	}
	for field, observations := range dc.Record {
		vals := make([]any, len(observations))
		for i, obs := range observations {
			vals[i] = model.FromValue(obs.Value)
		}
		env.Record[field] = vals
	}

	out, err := expr.Run(p.program, env)
	if err != nil {
		return Decision{}, false, fmt.Errorf("evaluate policy for field %s: %w", dc.Field, err)
	}
	if out == nil {
		return Decision{}, false, nil
	}

	value, err := model.ToValue(out)
	if err != nil {
		return Decision{}, false, fmt.Errorf("policy result for field %s: %w", dc.Field, err)
	}
	return Decision{Value: value}, true, nil
}
