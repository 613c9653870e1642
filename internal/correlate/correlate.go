// Package correlate maintains identity links between source-system keys and
// canonical reference ids. Links are the ground truth for "which source row
// is which entity": they are created once, surface conflicts rather than
// silently relinking, and are superseded only by explicit operator action.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/store"
)

// externalIDPrefix is the canonical field namespace for manually supplied
// external identifiers.
const externalIDPrefix = "identifier.external."

// Correlator derives and persists identity links for incoming records.
type Correlator struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a correlator backed by the given store.
func New(st *store.Store, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{store: st, logger: logger}
}

// Associate applies the model's external id policy to a record, creating
// identity links and, under auto-populate, injecting the external id field
// into the record's canonical fields. The record is mutated in place so the
// injected field flows into the source log and materialization.
//
// A source key already linked to a different reference is a correlation
// conflict: the first link stays intact and the error carries both sides.
func (c *Correlator) Associate(ctx context.Context, spec registry.ModelSpec, rec *model.SourceRecord) ([]model.IdentityLink, error) {
	switch spec.EffectiveExternalID() {
	case model.ExternalIDDisabled:
		return nil, nil
	case model.ExternalIDSourceOnly:
		return c.associateSourceOnly(ctx, rec)
	case model.ExternalIDManual:
		return c.associateManual(ctx, rec)
	case model.ExternalIDAutoPopulate:
		return c.autoPopulate(ctx, spec, rec)
	default:
		return nil, model.NewConfigurationError(
			fmt.Sprintf("model %s: unknown external id policy %q", spec.Name, spec.ExternalID))
	}
}

// autoPopulate reads the model's identifying property off the record,
// records it under identifier.external.{source}, and links it. A record
// without the identifying property is rejected rather than passed through
// uncorrelated.
func (c *Correlator) autoPopulate(ctx context.Context, spec registry.ModelSpec, rec *model.SourceRecord) ([]model.IdentityLink, error) {
	prop := spec.EffectiveIdentityProperty()
	raw, ok := rec.Fields[prop]
	if !ok {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("model %s: record %s from %s missing identifying property %q",
				spec.Name, rec.ReferenceID, rec.Source, prop))
	}

	key, err := keyString(raw)
	if err != nil {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("model %s: identifying property %q: %v", spec.Name, prop, err))
	}

	if rec.Fields == nil {
		rec.Fields = model.Map{}
	}
	rec.Fields[model.ExternalIDField(rec.Source)] = model.String(key)

	link, err := c.link(ctx, model.IdentityLink{
		Source:      rec.Source,
		SourceKey:   key,
		ReferenceID: rec.ReferenceID,
		Policy:      model.ExternalIDAutoPopulate,
	})
	if err != nil {
		return nil, err
	}
	return []model.IdentityLink{link}, nil
}

// associateManual validates and links the identifier.external.* entries the
// record carries. At least one is required: a record that claims manual
// correlation but supplies nothing is a configuration fault at the source.
func (c *Correlator) associateManual(ctx context.Context, rec *model.SourceRecord) ([]model.IdentityLink, error) {
	var links []model.IdentityLink
	for _, field := range rec.Fields.SortedKeys() {
		system, ok := strings.CutPrefix(field, externalIDPrefix)
		if !ok || system == "" {
			continue
		}
		key, err := keyString(rec.Fields[field])
		if err != nil {
			return nil, model.NewConfigurationError(
				fmt.Sprintf("field %s: %v", field, err))
		}

		link, err := c.link(ctx, model.IdentityLink{
			Source:      system,
			SourceKey:   key,
			ReferenceID: rec.ReferenceID,
			Policy:      model.ExternalIDManual,
		})
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}

	if len(links) == 0 {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("record %s from %s: manual policy requires at least one %s* field",
				rec.ReferenceID, rec.Source, externalIDPrefix))
	}
	return links, nil
}

// associateSourceOnly records a keyless contribution marker for the source.
func (c *Correlator) associateSourceOnly(ctx context.Context, rec *model.SourceRecord) ([]model.IdentityLink, error) {
	link, err := c.link(ctx, model.IdentityLink{
		Source:      rec.Source,
		SourceKey:   "",
		ReferenceID: rec.ReferenceID,
		Policy:      model.ExternalIDSourceOnly,
	})
	if err != nil {
		return nil, err
	}
	return []model.IdentityLink{link}, nil
}

func (c *Correlator) link(ctx context.Context, link model.IdentityLink) (model.IdentityLink, error) {
	stored, created, err := c.store.CreateIdentityLink(ctx, link)
	if err != nil {
		return model.IdentityLink{}, err
	}
	if created {
		c.logger.Debug("identity link created",
			"source", link.Source,
			"source_key", link.SourceKey,
			"reference_id", link.ReferenceID,
			"policy", string(link.Policy))
	}
	return stored, nil
}

// Links returns the active identity links for a reference.
func (c *Correlator) Links(ctx context.Context, referenceID string) ([]model.IdentityLink, error) {
	return c.store.GetLinksForReference(ctx, referenceID)
}

// Resolve maps a source-system key to its canonical reference id.
func (c *Correlator) Resolve(ctx context.Context, source, sourceKey string) (string, error) {
	return c.store.ResolveSourceKey(ctx, source, sourceKey)
}

// Relink supersedes an existing link and creates a replacement pointing at a
// different reference. This is the operator path for resolving a correlation
// conflict; it is never invoked automatically.
func (c *Correlator) Relink(ctx context.Context, linkID int64, newReferenceID string) (model.IdentityLink, error) {
	links, err := c.store.Query(ctx,
		`SELECT source_system, source_key, policy FROM identity_links WHERE id = ?`, linkID)
	if err != nil {
		return model.IdentityLink{}, fmt.Errorf("load link %d: %w", linkID, err)
	}
	defer links.Close()

	if !links.Next() {
		return model.IdentityLink{}, model.NewNotFound(fmt.Sprintf("link %d", linkID))
	}
	var source, sourceKey, policy string
	if err := links.Scan(&source, &sourceKey, &policy); err != nil {
		return model.IdentityLink{}, fmt.Errorf("scan link %d: %w", linkID, err)
	}
	if err := links.Close(); err != nil {
		return model.IdentityLink{}, err
	}

	if err := c.store.SupersedeLink(ctx, linkID); err != nil {
		return model.IdentityLink{}, err
	}

	replacement, _, err := c.store.CreateIdentityLink(ctx, model.IdentityLink{
		Source:      source,
		SourceKey:   sourceKey,
		ReferenceID: newReferenceID,
		Policy:      model.ExternalIDPolicy(policy),
	})
	if err != nil {
		return model.IdentityLink{}, err
	}

	c.logger.Info("identity link reassigned",
		"link_id", linkID,
		"source", source,
		"source_key", sourceKey,
		"reference_id", newReferenceID)
	return replacement, nil
}

// keyString coerces a field value into a link key. Only scalars qualify:
// a structured value as an identifier means the model declaration points at
// the wrong property.
func keyString(v model.Value) (string, error) {
	switch val := v.(type) {
	case model.String:
		if val == "" {
			return "", fmt.Errorf("empty identifier")
		}
		return string(val), nil
	case model.Int:
		return fmt.Sprintf("%d", int64(val)), nil
	default:
		return "", fmt.Errorf("identifier must be a string or integer, got %T", v)
	}
}
