package correlate

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/canon/internal/model"
	"github.com/roach88/canon/internal/registry"
	"github.com/roach88/canon/internal/store"
)

func newCorrelator(t *testing.T) *Correlator {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "canon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, slog.New(slog.DiscardHandler))
}

func personSpec() registry.ModelSpec {
	return registry.ModelSpec{
		Name:        "person",
		DefaultView: "search",
		KeyProperty: "email",
	}
}

func record(source, refID string, fields model.Map) model.SourceRecord {
	return model.SourceRecord{
		ID:          model.MustRecordID(source, refID, fields),
		Source:      source,
		Model:       "person",
		ReferenceID: refID,
		Fields:      fields,
		Seq:         1,
		ObservedAt:  time.Unix(1700000000, 0),
	}
}

func TestAutoPopulateInjectsExternalID(t *testing.T) {
	c := newCorrelator(t)
	ctx := context.Background()

	rec := record("crm", "person-1", model.Map{"email": model.String("ada@example.com")})
	links, err := c.Associate(ctx, personSpec(), &rec)
	require.NoError(t, err)
	require.Len(t, links, 1)

	assert.Equal(t, "crm", links[0].Source)
	assert.Equal(t, "ada@example.com", links[0].SourceKey)
	assert.Equal(t, "person-1", links[0].ReferenceID)

	// the record itself now carries the external id field
	assert.Equal(t, model.String("ada@example.com"), rec.Fields[model.ExternalIDField("crm")])
}

func TestAutoPopulateMissingPropertyFailsClosed(t *testing.T) {
	c := newCorrelator(t)

	rec := record("crm", "person-1", model.Map{"name": model.String("Ada")})
	_, err := c.Associate(context.Background(), personSpec(), &rec)
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}

func TestCorrelationConflictKeepsFirstLink(t *testing.T) {
	c := newCorrelator(t)
	ctx := context.Background()

	first := record("crm", "person-1", model.Map{"email": model.String("ada@example.com")})
	_, err := c.Associate(ctx, personSpec(), &first)
	require.NoError(t, err)

	// same source key claimed by a different reference
	second := record("crm", "person-2", model.Map{"email": model.String("ada@example.com")})
	_, err = c.Associate(ctx, personSpec(), &second)
	require.Error(t, err)
	assert.True(t, model.IsCorrelationConflict(err))

	// first link survives
	ref, err := c.Resolve(ctx, "crm", "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "person-1", ref)
}

func TestRedeliveryConfirmsExistingLink(t *testing.T) {
	c := newCorrelator(t)
	ctx := context.Background()

	rec := record("crm", "person-1", model.Map{"email": model.String("ada@example.com")})
	_, err := c.Associate(ctx, personSpec(), &rec)
	require.NoError(t, err)

	again := record("crm", "person-1", model.Map{"email": model.String("ada@example.com")})
	links, err := c.Associate(ctx, personSpec(), &again)
	require.NoError(t, err)
	require.Len(t, links, 1)

	all, err := c.Links(ctx, "person-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestManualPolicyLinksDeclaredIdentifiers(t *testing.T) {
	c := newCorrelator(t)
	spec := personSpec()
	spec.ExternalID = model.ExternalIDManual

	rec := record("webhook", "person-1", model.Map{
		"email":                   model.String("ada@example.com"),
		"identifier.external.crm": model.String("crm-42"),
		"identifier.external.erp": model.Int(7),
	})
	links, err := c.Associate(context.Background(), spec, &rec)
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "crm", links[0].Source)
	assert.Equal(t, "crm-42", links[0].SourceKey)
	assert.Equal(t, "erp", links[1].Source)
	assert.Equal(t, "7", links[1].SourceKey)
}

func TestManualPolicyRequiresAnIdentifier(t *testing.T) {
	c := newCorrelator(t)
	spec := personSpec()
	spec.ExternalID = model.ExternalIDManual

	rec := record("webhook", "person-1", model.Map{"email": model.String("ada@example.com")})
	_, err := c.Associate(context.Background(), spec, &rec)
	require.Error(t, err)
	assert.True(t, model.IsConfigurationError(err))
}

func TestDisabledPolicyCreatesNothing(t *testing.T) {
	c := newCorrelator(t)
	spec := personSpec()
	spec.ExternalID = model.ExternalIDDisabled

	rec := record("crm", "person-1", model.Map{"email": model.String("ada@example.com")})
	links, err := c.Associate(context.Background(), spec, &rec)
	require.NoError(t, err)
	assert.Empty(t, links)

	all, err := c.Links(context.Background(), "person-1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSourceOnlyPolicyRecordsKeylessMarker(t *testing.T) {
	c := newCorrelator(t)
	spec := personSpec()
	spec.ExternalID = model.ExternalIDSourceOnly

	rec := record("newsletter", "person-1", model.Map{"email": model.String("ada@example.com")})
	links, err := c.Associate(context.Background(), spec, &rec)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Empty(t, links[0].SourceKey)
	assert.Equal(t, model.ExternalIDSourceOnly, links[0].Policy)
}

func TestRelinkSupersedesAndReplaces(t *testing.T) {
	c := newCorrelator(t)
	ctx := context.Background()

	rec := record("crm", "person-1", model.Map{"email": model.String("ada@example.com")})
	links, err := c.Associate(ctx, personSpec(), &rec)
	require.NoError(t, err)

	replacement, err := c.Relink(ctx, links[0].ID, "person-2")
	require.NoError(t, err)
	assert.Equal(t, "person-2", replacement.ReferenceID)
	assert.Equal(t, "ada@example.com", replacement.SourceKey)

	ref, err := c.Resolve(ctx, "crm", "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "person-2", ref)

	// the original reference no longer holds an active link
	remaining, err := c.Links(ctx, "person-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
