// Package registry holds the declared entity models the canon engine
// projects. The registry is explicit state constructed during process
// startup and passed by reference into the runtime - there is no global
// "ensure registered" manifest.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/canon/internal/model"
)

// FieldSpec configures standardization and materialization for one
// canonical field path.
type FieldSpec struct {
	// Policy names the conflict policy: a built-in ("last_writer_wins",
	// "first_non_null") or an "expr:" prefixed expression evaluated over
	// the ordered observation slice. Empty means the model default.
	Policy string

	// Standardize lists named normalization rules applied in order during
	// the Standardize stage: "trim", "lower", "upper", "nfc".
	Standardize []string
}

// ModelSpec declares one entity model: how its records are keyed,
// correlated, standardized, and materialized.
type ModelSpec struct {
	Name string

	// DefaultView is the view name used when replay and reproject are not
	// given an explicit one. Required by the runtime at start.
	DefaultView string

	// ExternalID selects the correlation policy. Defaults to auto-populate.
	ExternalID model.ExternalIDPolicy

	// IdentityProperty is the source field carrying the source-native key
	// under auto-populate. Defaults to KeyProperty.
	IdentityProperty string

	// KeyProperty is the source field carrying the reference id when the
	// record doesn't state one directly.
	KeyProperty string

	// DefaultPolicy is the conflict policy for fields without their own.
	// Empty means "last_writer_wins".
	DefaultPolicy string

	// Fields holds per-field overrides. Fields not listed use defaults.
	Fields map[string]FieldSpec
}

// FieldPolicy returns the effective conflict policy name for a field.
func (m ModelSpec) FieldPolicy(field string) string {
	if f, ok := m.Fields[field]; ok && f.Policy != "" {
		return f.Policy
	}
	if m.DefaultPolicy != "" {
		return m.DefaultPolicy
	}
	return "last_writer_wins"
}

// Validate checks structural validity. DefaultView is deliberately not
// checked here - the runtime fails fast on it at start, so a registry can
// be assembled incrementally.
func (m ModelSpec) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return model.NewConfigurationError("model name is required")
	}
	if m.ExternalID != "" && !model.ValidExternalIDPolicies[m.ExternalID] {
		return model.NewConfigurationError(
			fmt.Sprintf("model %s: unknown external id policy %q", m.Name, m.ExternalID))
	}
	if m.ExternalID == model.ExternalIDAutoPopulate || m.ExternalID == "" {
		if m.IdentityProperty == "" && m.KeyProperty == "" {
			return model.NewConfigurationError(
				fmt.Sprintf("model %s: auto-populate requires an identity or key property", m.Name))
		}
	}
	return nil
}

// EffectiveIdentityProperty returns the property used to derive source keys
// under auto-populate.
func (m ModelSpec) EffectiveIdentityProperty() string {
	if m.IdentityProperty != "" {
		return m.IdentityProperty
	}
	return m.KeyProperty
}

// EffectiveExternalID returns the external id policy with the default applied.
func (m ModelSpec) EffectiveExternalID() model.ExternalIDPolicy {
	if m.ExternalID == "" {
		return model.ExternalIDAutoPopulate
	}
	return m.ExternalID
}

// Registry is a thread-safe collection of model specs.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelSpec
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{models: make(map[string]ModelSpec)}
}

// Register adds a model spec. Duplicate names are rejected - registration
// is a startup activity, not a reconciliation one.
func (r *Registry) Register(spec ModelSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[spec.Name]; exists {
		return model.NewConfigurationError(fmt.Sprintf("duplicate model: %s", spec.Name))
	}
	r.models[spec.Name] = spec
	return nil
}

// Lookup returns the spec for a model name.
func (r *Registry) Lookup(name string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.models[name]
	return spec, ok
}

// Models returns all registered specs sorted by name for deterministic
// iteration.
func (r *Registry) Models() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ModelSpec, 0, len(r.models))
	for _, spec := range r.models {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
