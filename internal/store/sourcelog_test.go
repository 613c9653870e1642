package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/canon/internal/model"
)

func writeRecord(t *testing.T, s *Store, source, ref string, fields model.Map, seq int64, at time.Time) {
	t.Helper()
	rec := model.SourceRecord{
		ID:          model.MustRecordID(source, ref, fields),
		Source:      source,
		Model:       "person",
		ReferenceID: ref,
		Fields:      fields,
		Seq:         seq,
		ObservedAt:  at,
	}
	if err := s.AppendSourceRecord(context.Background(), rec); err != nil {
		t.Fatalf("AppendSourceRecord() failed: %v", err)
	}
}

func TestAppendSourceRecord_IdempotentByContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	fields := model.Map{"email": model.String("a@x.com")}
	writeRecord(t, s, "crm", "ref-1", fields, 1, at)
	writeRecord(t, s, "crm", "ref-1", fields, 1, at) // redelivery

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM source_records").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("record count = %d, want 1 (redelivery must be a no-op)", count)
	}

	obs, err := s.Observations(ctx, "ref-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs["email"]) != 1 {
		t.Errorf("email observations = %d, want 1", len(obs["email"]))
	}
}

func TestObservations_DeterministicOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	writeRecord(t, s, "crm", "ref-1", model.Map{"email": model.String("a@x.com")}, 1, base)
	writeRecord(t, s, "billing", "ref-1", model.Map{"email": model.String("b@x.com")}, 2, base.Add(time.Hour))
	writeRecord(t, s, "crm", "ref-other", model.Map{"email": model.String("c@x.com")}, 3, base)

	for i := 0; i < 3; i++ {
		obs, err := s.Observations(ctx, "ref-1")
		if err != nil {
			t.Fatal(err)
		}
		emails := obs["email"]
		if len(emails) != 2 {
			t.Fatalf("email observations = %d, want 2", len(emails))
		}
		if emails[0].Source != "crm" || emails[1].Source != "billing" {
			t.Errorf("iteration %d: order = [%s, %s], want [crm, billing]", i, emails[0].Source, emails[1].Source)
		}
	}
}

func TestScanSourceWindow_HalfOpenWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	writeRecord(t, s, "crm", "ref-before", model.Map{"x": model.Int(1)}, 1, t0)
	writeRecord(t, s, "crm", "ref-in", model.Map{"x": model.Int(2)}, 2, t1)
	writeRecord(t, s, "crm", "ref-boundary", model.Map{"x": model.Int(3)}, 3, t2)

	// [t1, t2): includes t1, excludes t2.
	entries, _, err := s.ScanSourceWindow(ctx, &t1, &t2, SourceCursor{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].ReferenceID != "ref-in" {
		t.Errorf("entry = %q, want ref-in", entries[0].ReferenceID)
	}
}

func TestScanSourceWindow_OpenEnds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	writeRecord(t, s, "crm", "ref-1", model.Map{"x": model.Int(1)}, 1, base)
	writeRecord(t, s, "crm", "ref-2", model.Map{"x": model.Int(2)}, 2, base.Add(time.Hour))

	entries, _, err := s.ScanSourceWindow(ctx, nil, nil, SourceCursor{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("open window entries = %d, want 2", len(entries))
	}
}

func TestScanSourceWindow_EmptyWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	writeRecord(t, s, "crm", "ref-1", model.Map{"x": model.Int(1)}, 1, base)

	from := base.Add(24 * time.Hour)
	until := from // empty window
	entries, _, err := s.ScanSourceWindow(ctx, &from, &until, SourceCursor{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("empty window entries = %d, want 0", len(entries))
	}
}

func TestScanSourceWindow_CursorResumes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		writeRecord(t, s, "crm", "ref-1", model.Map{"n": model.Int(int64(i))}, int64(i+1), base.Add(time.Duration(i)*time.Minute))
	}

	var (
		cursor SourceCursor
		total  int
	)
	for {
		entries, next, err := s.ScanSourceWindow(ctx, nil, nil, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 0 {
			break
		}
		total += len(entries)

		// Round-trip the cursor through its string encoding, as a
		// restarted backfill would.
		parsed, err := ParseSourceCursor(next.String())
		if err != nil {
			t.Fatal(err)
		}
		cursor = parsed
	}

	if total != 5 {
		t.Errorf("total scanned = %d, want 5", total)
	}
}

func TestLastSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seq, err := s.LastSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("empty log LastSeq = %d, want 0", seq)
	}

	writeRecord(t, s, "crm", "ref-1", model.Map{"x": model.Int(1)}, 41, time.Now())
	writeRecord(t, s, "crm", "ref-1", model.Map{"x": model.Int(2)}, 7, time.Now())

	seq, err = s.LastSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 41 {
		t.Errorf("LastSeq = %d, want 41", seq)
	}
}
