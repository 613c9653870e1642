// Package materialize resolves multi-source observations into canonical
// field values. Resolution is pure: the same ordered observations and the
// same policy configuration always produce the same snapshot, which is what
// makes replay reproduce identical references.
package materialize

import (
	"github.com/roach88/canon/internal/model"
)

// DecisionContext carries everything a policy may consult when resolving
// one field. Values are ordered by logical sequence, oldest first; Record
// exposes the sibling fields for cross-field policies.
type DecisionContext struct {
	Field  string
	Values []model.Observation
	Record map[string][]model.Observation
}

// Decision is a policy's resolution of one field. Source names the winning
// observation's origin when the policy selects a single observation; it is
// empty for synthesized values.
type Decision struct {
	Value  model.Value
	Source string
}

// Policy resolves one canonical field from its observations. Returning
// ok=false omits the field from the snapshot entirely.
type Policy interface {
	Decide(dc DecisionContext) (d Decision, ok bool, err error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(dc DecisionContext) (Decision, bool, error)

func (f PolicyFunc) Decide(dc DecisionContext) (Decision, bool, error) {
	return f(dc)
}

// lastWriterWins selects the most recent observation. Values arrive in
// sequence order, so the last entry is the winner. A Null value is still a
// writer: a source deliberately clearing a field beats older data.
func lastWriterWins(dc DecisionContext) (Decision, bool, error) {
	if len(dc.Values) == 0 {
		return Decision{}, false, nil
	}
	last := dc.Values[len(dc.Values)-1]
	return Decision{Value: last.Value, Source: last.Source}, true, nil
}

// firstNonNull selects the oldest observation carrying a non-null value,
// preserving the first source to ever state the field.
func firstNonNull(dc DecisionContext) (Decision, bool, error) {
	for _, obs := range dc.Values {
		if _, isNull := obs.Value.(model.Null); isNull || obs.Value == nil {
			continue
		}
		return Decision{Value: obs.Value, Source: obs.Source}, true, nil
	}
	return Decision{}, false, nil
}
