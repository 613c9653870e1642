package store

import (
	"context"
	"errors"
	"testing"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/canon/internal/model"
)

func TestCreateIdentityLink_New(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	link, created, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source:      "crm",
		SourceKey:   "42",
		ReferenceID: "ref-1",
		Policy:      model.ExternalIDAutoPopulate,
	})
	if err != nil {
		t.Fatalf("CreateIdentityLink() failed: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if link.ID == 0 {
		t.Error("expected assigned link id")
	}
}

func TestCreateIdentityLink_ConfirmExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	link := model.IdentityLink{Source: "crm", SourceKey: "42", ReferenceID: "ref-1", Policy: model.ExternalIDAutoPopulate}
	first, _, err := s.CreateIdentityLink(ctx, link)
	if err != nil {
		t.Fatal(err)
	}

	second, created, err := s.CreateIdentityLink(ctx, link)
	if err != nil {
		t.Fatalf("confirming the same link must not fail: %v", err)
	}
	if created {
		t.Error("confirming should not create a new row")
	}
	if second.ID != first.ID {
		t.Errorf("confirmed link id = %d, want %d", second.ID, first.ID)
	}
}

func TestCreateIdentityLink_CorrelationConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := model.IdentityLink{Source: "sys1", SourceKey: "42", ReferenceID: "ref-a", Policy: model.ExternalIDAutoPopulate}
	if _, _, err := s.CreateIdentityLink(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Same (source, key) observed for a different reference.
	_, _, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source: "sys1", SourceKey: "42", ReferenceID: "ref-b", Policy: model.ExternalIDAutoPopulate,
	})
	if !model.IsCorrelationConflict(err) {
		t.Fatalf("expected CORRELATION_CONFLICT, got %v", err)
	}

	// First link remains intact.
	refID, err := s.ResolveSourceKey(ctx, "sys1", "42")
	if err != nil {
		t.Fatal(err)
	}
	if refID != "ref-a" {
		t.Errorf("resolved reference = %q, want ref-a (first link must survive)", refID)
	}
}

func TestCreateIdentityLink_InsertRaceMapsToConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// The row a writer on another connection managed to insert first.
	if _, _, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source: "sys1", SourceKey: "42", ReferenceID: "ref-a", Policy: model.ExternalIDAutoPopulate,
	}); err != nil {
		t.Fatal(err)
	}

	uniqueErr := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}

	// The loser raced in a different reference: the constraint failure must
	// surface as a correlation conflict, not a raw SQLite error.
	_, _, err := s.resolveInsertRace(ctx, model.IdentityLink{
		Source: "sys1", SourceKey: "42", ReferenceID: "ref-b", Policy: model.ExternalIDAutoPopulate,
	}, uniqueErr)
	if !model.IsCorrelationConflict(err) {
		t.Fatalf("expected CORRELATION_CONFLICT, got %v", err)
	}
	refID, err := s.ResolveSourceKey(ctx, "sys1", "42")
	if err != nil {
		t.Fatal(err)
	}
	if refID != "ref-a" {
		t.Errorf("resolved reference = %q, want ref-a (winner must survive)", refID)
	}

	// The loser raced in the same reference: the lost insert is a confirm.
	winner, created, err := s.resolveInsertRace(ctx, model.IdentityLink{
		Source: "sys1", SourceKey: "42", ReferenceID: "ref-a", Policy: model.ExternalIDAutoPopulate,
	}, uniqueErr)
	if err != nil {
		t.Fatalf("same-reference race must confirm: %v", err)
	}
	if created || winner.ReferenceID != "ref-a" {
		t.Errorf("confirm: created=%v reference=%q", created, winner.ReferenceID)
	}

	// Failures other than the unique constraint pass through untouched.
	_, _, err = s.resolveInsertRace(ctx, model.IdentityLink{
		Source: "sys1", SourceKey: "42", ReferenceID: "ref-b", Policy: model.ExternalIDAutoPopulate,
	}, errors.New("disk I/O error"))
	if err == nil || model.IsCorrelationConflict(err) {
		t.Errorf("non-constraint failure must pass through, got %v", err)
	}
}

func TestCreateIdentityLink_SourceOnlyMarkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	marker := model.IdentityLink{Source: "census", ReferenceID: "ref-1", Policy: model.ExternalIDSourceOnly}
	if _, created, err := s.CreateIdentityLink(ctx, marker); err != nil || !created {
		t.Fatalf("first marker: created=%v err=%v", created, err)
	}

	// Same source contributing again to the same reference: confirm.
	if _, created, err := s.CreateIdentityLink(ctx, marker); err != nil || created {
		t.Fatalf("repeat marker should confirm, not create: created=%v err=%v", created, err)
	}

	// Coarse sources may contribute to many references without conflict.
	other := model.IdentityLink{Source: "census", ReferenceID: "ref-2", Policy: model.ExternalIDSourceOnly}
	if _, created, err := s.CreateIdentityLink(ctx, other); err != nil || !created {
		t.Fatalf("marker for second reference: created=%v err=%v", created, err)
	}
}

func TestSupersedeLink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	link, _, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source: "crm", SourceKey: "42", ReferenceID: "ref-a", Policy: model.ExternalIDAutoPopulate,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SupersedeLink(ctx, link.ID); err != nil {
		t.Fatalf("SupersedeLink() failed: %v", err)
	}

	// After supersession the key is free to relink.
	if _, created, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source: "crm", SourceKey: "42", ReferenceID: "ref-b", Policy: model.ExternalIDAutoPopulate,
	}); err != nil || !created {
		t.Fatalf("relink after supersede: created=%v err=%v", created, err)
	}

	// Superseding twice is NOT_FOUND.
	if err := s.SupersedeLink(ctx, link.ID); !model.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND on double supersede, got %v", err)
	}
}

func TestGetLinksForReference_ExcludesSuperseded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source: "crm", SourceKey: "42", ReferenceID: "ref-1", Policy: model.ExternalIDAutoPopulate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateIdentityLink(ctx, model.IdentityLink{
		Source: "billing", SourceKey: "acct-9", ReferenceID: "ref-1", Policy: model.ExternalIDManual,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SupersedeLink(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	links, err := s.GetLinksForReference(ctx, "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].Source != "billing" {
		t.Errorf("surviving link source = %q, want billing", links[0].Source)
	}
}
