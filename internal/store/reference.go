package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/canon/internal/model"
)

// GetReference returns the current snapshot for a reference id.
// Returns a NOT_FOUND model.Error if no snapshot has ever been committed.
func (s *Store) GetReference(ctx context.Context, referenceID string) (model.Reference, error) {
	var (
		ref           model.Reference
		snapshotJSON  string
		policiesJSON  string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT reference_id, model, version, snapshot, policies
		FROM reference_heads
		WHERE reference_id = ?
	`, referenceID).Scan(&ref.ID, &ref.Model, &ref.Version, &snapshotJSON, &policiesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reference{}, model.NewNotFound(referenceID)
	}
	if err != nil {
		return model.Reference{}, fmt.Errorf("get reference %s: %w", referenceID, err)
	}

	if ref.Snapshot, err = unmarshalSnapshot(snapshotJSON); err != nil {
		return model.Reference{}, fmt.Errorf("get reference %s: %w", referenceID, err)
	}
	if ref.Policies, err = unmarshalPolicies(policiesJSON); err != nil {
		return model.Reference{}, fmt.Errorf("get reference %s: %w", referenceID, err)
	}

	return ref, nil
}

// CommitSnapshot persists a new canonical snapshot with an optimistic
// version check. expectedVersion is the version the projection read before
// materializing; 0 means "no snapshot exists yet". If the persisted version
// has advanced past expectedVersion the commit is rejected with a
// VERSION_CONFLICT model.Error and nothing is written.
//
// The superseded version is copied to reference_history in the same
// transaction, so history rows are immutable from the moment the head moves.
//
// Returns the committed version (expectedVersion + 1).
func (s *Store) CommitSnapshot(
	ctx context.Context,
	ref model.Reference,
	expectedVersion int64,
	seq int64,
) (int64, error) {
	snapshotJSON, err := marshalSnapshot(ref.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	policiesJSON, err := marshalPolicies(ref.Policies)
	if err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}

	newVersion := expectedVersion + 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("commit snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if expectedVersion == 0 {
		// First projection for this reference. ON CONFLICT DO NOTHING turns
		// a lost creation race into rowsAffected == 0.
		result, err := tx.ExecContext(ctx, `
			INSERT INTO reference_heads (reference_id, model, version, snapshot, policies, updated_seq)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(reference_id) DO NOTHING
		`, ref.ID, ref.Model, newVersion, snapshotJSON, policiesJSON, seq)
		if err != nil {
			return 0, fmt.Errorf("commit snapshot: insert head: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("commit snapshot: rows affected: %w", err)
		}
		if affected == 0 {
			return 0, s.versionConflict(ctx, tx, ref.ID, expectedVersion)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE reference_heads
			SET version = ?, snapshot = ?, policies = ?, updated_seq = ?
			WHERE reference_id = ? AND version = ?
		`, newVersion, snapshotJSON, policiesJSON, seq, ref.ID, expectedVersion)
		if err != nil {
			return 0, fmt.Errorf("commit snapshot: update head: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("commit snapshot: rows affected: %w", err)
		}
		if affected == 0 {
			return 0, s.versionConflict(ctx, tx, ref.ID, expectedVersion)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reference_history (reference_id, version, snapshot, policies)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(reference_id, version) DO NOTHING
	`, ref.ID, newVersion, snapshotJSON, policiesJSON)
	if err != nil {
		return 0, fmt.Errorf("commit snapshot: write history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: commit: %w", err)
	}

	return newVersion, nil
}

// versionConflict builds the VERSION_CONFLICT error carrying the version
// that actually won the race.
func (s *Store) versionConflict(ctx context.Context, tx *sql.Tx, referenceID string, expected int64) error {
	var actual int64
	err := tx.QueryRowContext(ctx, `
		SELECT version FROM reference_heads WHERE reference_id = ?
	`, referenceID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		// Head vanished mid-transaction; report the conflict with what we know.
		return model.NewVersionConflict(referenceID, expected, 0)
	}
	if err != nil {
		return fmt.Errorf("commit snapshot: read conflicting version: %w", err)
	}
	return model.NewVersionConflict(referenceID, expected, actual)
}

// GetSnapshotVersion returns a specific historical snapshot version.
func (s *Store) GetSnapshotVersion(ctx context.Context, referenceID string, version int64) (model.Reference, error) {
	var (
		ref          model.Reference
		snapshotJSON string
		policiesJSON string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT reference_id, version, snapshot, policies
		FROM reference_history
		WHERE reference_id = ? AND version = ?
	`, referenceID, version).Scan(&ref.ID, &ref.Version, &snapshotJSON, &policiesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reference{}, model.NewNotFound(referenceID)
	}
	if err != nil {
		return model.Reference{}, fmt.Errorf("get snapshot version: %w", err)
	}

	if ref.Snapshot, err = unmarshalSnapshot(snapshotJSON); err != nil {
		return model.Reference{}, fmt.Errorf("get snapshot version: %w", err)
	}
	if ref.Policies, err = unmarshalPolicies(policiesJSON); err != nil {
		return model.Reference{}, fmt.Errorf("get snapshot version: %w", err)
	}

	return ref, nil
}
