package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/canon/internal/model"
)

// AppendSourceRecord appends a raw observation to the historical source log.
// Records are content-addressed; ON CONFLICT(id) DO NOTHING makes redelivery
// and replayed ingestion a no-op.
func (s *Store) AppendSourceRecord(ctx context.Context, rec model.SourceRecord) error {
	fieldsJSON, err := marshalSnapshot(rec.Fields)
	if err != nil {
		return fmt.Errorf("append source record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_records (id, source_system, model, reference_id, fields, seq, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Source,
		rec.Model,
		rec.ReferenceID,
		fieldsJSON,
		rec.Seq,
		rec.ObservedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append source record: %w", err)
	}

	return nil
}

// Observations returns the complete ordered collection of source-observed
// values per canonical field for a reference. Ordering is (seq, id), so the
// materialization engine sees an identical slice on every invocation -
// last-writer semantics are stable across replays.
func (s *Store) Observations(ctx context.Context, referenceID string) (map[string][]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_system, fields, seq, observed_at
		FROM source_records
		WHERE reference_id = ?
		ORDER BY seq ASC, id ASC
	`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("observations for %s: %w", referenceID, err)
	}
	defer rows.Close()

	observations := make(map[string][]model.Observation)
	for rows.Next() {
		var (
			source     string
			fieldsJSON string
			seq        int64
			observedAt int64
		)
		if err := rows.Scan(&source, &fieldsJSON, &seq, &observedAt); err != nil {
			return nil, fmt.Errorf("scan source record: %w", err)
		}

		fields, err := unmarshalSnapshot(fieldsJSON)
		if err != nil {
			return nil, fmt.Errorf("observations for %s: %w", referenceID, err)
		}

		at := time.UnixMilli(observedAt).UTC()
		// Field iteration order doesn't matter here: each field's slice is
		// appended in record order, which is the deterministic (seq, id) order.
		for field, value := range fields {
			observations[field] = append(observations[field], model.Observation{
				Source:     source,
				Value:      value,
				Seq:        seq,
				ObservedAt: at,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source records: %w", err)
	}

	return observations, nil
}

// SourceWindowEntry is one source-log hit from a replay window scan.
type SourceWindowEntry struct {
	ReferenceID string
	Model       string
	ObservedAt  time.Time
}

// SourceCursor is an opaque, restartable position in a window scan.
// The zero value starts from the beginning of the window.
type SourceCursor struct {
	observedAt int64
	id         string
}

// String encodes the cursor for persistence between runs.
func (c SourceCursor) String() string {
	if c.id == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s", c.observedAt, c.id)
}

// ParseSourceCursor decodes a cursor previously produced by String.
// An empty string is the zero cursor.
func ParseSourceCursor(s string) (SourceCursor, error) {
	if s == "" {
		return SourceCursor{}, nil
	}
	at, id, ok := strings.Cut(s, ":")
	if !ok {
		return SourceCursor{}, fmt.Errorf("malformed source cursor %q", s)
	}
	millis, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return SourceCursor{}, fmt.Errorf("malformed source cursor %q: %w", s, err)
	}
	return SourceCursor{observedAt: millis, id: id}, nil
}

// ScanSourceWindow returns one batch of source-log entries within the
// half-open window [from, until), resuming after cursor. A nil from means
// "from the beginning"; a nil until means "through the most recent record".
//
// Ordering is (observed_at, id) keyset pagination: the scan never
// materializes the window in memory and can restart from a saved cursor.
// An empty batch means the window is exhausted.
func (s *Store) ScanSourceWindow(
	ctx context.Context,
	from, until *time.Time,
	cursor SourceCursor,
	limit int,
) ([]SourceWindowEntry, SourceCursor, error) {
	if limit <= 0 {
		return nil, cursor, fmt.Errorf("scan source window: limit must be positive, got %d", limit)
	}

	query := `
		SELECT id, reference_id, model, observed_at
		FROM source_records
		WHERE (observed_at > ? OR (observed_at = ? AND id > ?))
	`
	args := []any{cursor.observedAt, cursor.observedAt, cursor.id}

	if from != nil {
		query += " AND observed_at >= ?"
		args = append(args, from.UnixMilli())
	}
	if until != nil {
		query += " AND observed_at < ?"
		args = append(args, until.UnixMilli())
	}
	query += " ORDER BY observed_at ASC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("scan source window: %w", err)
	}
	defer rows.Close()

	var entries []SourceWindowEntry
	next := cursor
	for rows.Next() {
		var (
			id         string
			entry      SourceWindowEntry
			observedAt int64
		)
		if err := rows.Scan(&id, &entry.ReferenceID, &entry.Model, &observedAt); err != nil {
			return nil, cursor, fmt.Errorf("scan source window row: %w", err)
		}
		entry.ObservedAt = time.UnixMilli(observedAt).UTC()
		entries = append(entries, entry)
		next = SourceCursor{observedAt: observedAt, id: id}
	}

	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("iterate source window: %w", err)
	}

	return entries, next, nil
}

// LastSeq returns the highest seq number in the source log. Used on startup
// to resume the logical clock past everything already recorded.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM source_records
	`).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return maxSeq, nil
}
