package registry

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/canon/internal/model"
)

// CompileModel parses a CUE value into a ModelSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the model struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`model: person: { ... }`)
//	spec, err := CompileModel(v.LookupPath(cue.ParsePath("model.person")))
func CompileModel(v cue.Value) (ModelSpec, error) {
	var spec ModelSpec

	if err := v.Err(); err != nil {
		return spec, formatCUEError(err)
	}

	// Model name comes from the struct label (the path selector)
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}

	var err error
	spec.DefaultView, err = optionalString(v, "defaultView")
	if err != nil {
		return spec, err
	}

	extID, err := optionalString(v, "externalID")
	if err != nil {
		return spec, err
	}
	spec.ExternalID = model.ExternalIDPolicy(extID)
	if extID != "" && !model.ValidExternalIDPolicies[spec.ExternalID] {
		return spec, &CompileError{
			Field:   "externalID",
			Message: fmt.Sprintf("unknown external id policy %q", extID),
			Pos:     v.LookupPath(cue.ParsePath("externalID")).Pos(),
		}
	}

	spec.IdentityProperty, err = optionalString(v, "identityProperty")
	if err != nil {
		return spec, err
	}
	spec.KeyProperty, err = optionalString(v, "keyProperty")
	if err != nil {
		return spec, err
	}
	spec.DefaultPolicy, err = optionalString(v, "defaultPolicy")
	if err != nil {
		return spec, err
	}

	spec.Fields, err = parseFields(v)
	if err != nil {
		return spec, err
	}

	if err := spec.Validate(); err != nil {
		return spec, &CompileError{
			Field:   spec.Name,
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	return spec, nil
}

// parseFields parses the optional fields block into per-field specs.
func parseFields(v cue.Value) (map[string]FieldSpec, error) {
	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, nil
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	fields := make(map[string]FieldSpec)
	for iter.Next() {
		name := iter.Selector().String()
		fs, err := parseFieldSpec(iter.Value())
		if err != nil {
			return nil, err
		}
		fields[name] = fs
	}
	return fields, nil
}

// parseFieldSpec parses a single field spec. Supports a bare string
// (shorthand for the policy) or a structured object.
func parseFieldSpec(v cue.Value) (FieldSpec, error) {
	var fs FieldSpec

	// Try as string first (policy shorthand)
	if policy, err := v.String(); err == nil {
		fs.Policy = policy
		return fs, nil
	}

	var err error
	fs.Policy, err = optionalString(v, "policy")
	if err != nil {
		return fs, err
	}

	stdVal := v.LookupPath(cue.ParsePath("standardize"))
	if stdVal.Exists() {
		iter, err := stdVal.List()
		if err != nil {
			return fs, formatCUEError(err)
		}
		for iter.Next() {
			rule, err := iter.Value().String()
			if err != nil {
				return fs, formatCUEError(err)
			}
			fs.Standardize = append(fs.Standardize, rule)
		}
	}
	return fs, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	fieldVal := v.LookupPath(cue.ParsePath(path))
	if !fieldVal.Exists() {
		return "", nil
	}
	s, err := fieldVal.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileModels compiles every entry under the top-level "model" struct.
func CompileModels(v cue.Value) ([]ModelSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	modelsVal := v.LookupPath(cue.ParsePath("model"))
	if !modelsVal.Exists() {
		return nil, &CompileError{
			Field:   "model",
			Message: "no top-level model struct",
			Pos:     v.Pos(),
		}
	}

	iter, err := modelsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var specs []ModelSpec
	for iter.Next() {
		spec, err := CompileModel(iter.Value())
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, &CompileError{
			Field:   "model",
			Message: "at least one model is required",
			Pos:     modelsVal.Pos(),
		}
	}
	return specs, nil
}

// CompileFile reads a CUE file from disk and compiles its models.
func CompileFile(path string) ([]ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}

	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	return CompileModels(v)
}

// LoadFile compiles a CUE file and registers every model it declares.
func LoadFile(r *Registry, path string) error {
	specs, err := CompileFile(path)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// CompileError is a structured compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError converts a CUE SDK error into a CompileError, pulling the
// first position out of the error chain when one exists.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Field: "cue", Message: err.Error()}
	}

	first := errs[0]
	pos := token.NoPos
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		pos = positions[0]
	}
	return &CompileError{
		Field:   "cue",
		Message: first.Error(),
		Pos:     pos,
	}
}
