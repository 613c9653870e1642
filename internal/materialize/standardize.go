package materialize

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/registry"
)

// standardizers are the named normalization rules a field spec may declare.
// All operate on string values and leave other types untouched.
var standardizers = map[string]func(string) string{
	"trim":  strings.TrimSpace,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"nfc":   norm.NFC.String,
}

// Standardize applies each field's declared normalization rules to a raw
// record, in declaration order. Unknown rule names are configuration
// faults. The input map is not mutated.
func Standardize(spec registry.ModelSpec, fields model.Map) (model.Map, error) {
	out := fields.Clone()
	for field, fs := range spec.Fields {
		if len(fs.Standardize) == 0 {
			continue
		}
		raw, present := out[field]
		if !present {
			continue
		}
		str, isString := raw.(model.String)
		if !isString {
			continue
		}

		s := string(str)
		for _, rule := range fs.Standardize {
			fn, ok := standardizers[rule]
			if !ok {
				return nil, model.NewConfigurationError(
					fmt.Sprintf("model %s: field %s: unknown standardize rule %q", spec.Name, field, rule))
			}
			s = fn(s)
		}
		out[field] = model.String(s)
	}
	return out, nil
}
