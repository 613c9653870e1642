package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/canon/internal/model"
)

// CreateIdentityLink creates or confirms an identity link.
//
// For keyed policies (auto/manual) the pair (source, key) may map to exactly
// one reference id. Observing the same pair for a different reference is a
// correlation conflict: the existing link stays intact and a
// CORRELATION_CONFLICT model.Error is returned, never a silent overwrite.
//
// Returns the link (new or existing) and whether a new row was inserted.
func (s *Store) CreateIdentityLink(ctx context.Context, link model.IdentityLink) (model.IdentityLink, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.IdentityLink{}, false, fmt.Errorf("create identity link: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := findActiveLink(ctx, tx, link)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.IdentityLink{}, false, fmt.Errorf("create identity link: lookup: %w", err)
	}

	if err == nil {
		// Link already present. Same reference confirms it; a different
		// reference is a conflict surfaced for operator review.
		if existing.ReferenceID != link.ReferenceID {
			return existing, false, model.NewCorrelationConflict(
				link.Source, link.SourceKey, existing.ReferenceID, link.ReferenceID)
		}
		if err := tx.Commit(); err != nil {
			return model.IdentityLink{}, false, fmt.Errorf("create identity link: commit (existing): %w", err)
		}
		return existing, false, nil
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO identity_links (source_system, source_key, reference_id, policy, superseded)
		VALUES (?, ?, ?, ?, 0)
	`, link.Source, link.SourceKey, link.ReferenceID, string(link.Policy))
	if err != nil {
		// A writer on another connection can slip in between the lookup
		// above and this insert; the unique index catches it. Rollback
		// first so the re-read below does not wait on our own tx.
		tx.Rollback()
		return s.resolveInsertRace(ctx, link, err)
	}

	link.ID, err = result.LastInsertId()
	if err != nil {
		return model.IdentityLink{}, false, fmt.Errorf("create identity link: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.IdentityLink{}, false, fmt.Errorf("create identity link: commit: %w", err)
	}

	return link, true, nil
}

// resolveInsertRace classifies a failed link insert. A unique-constraint
// violation means another writer created the row first: the winning row
// decides between confirmation and a correlation conflict, exactly as if
// the lookup had seen it. Any other failure is passed through.
func (s *Store) resolveInsertRace(ctx context.Context, link model.IdentityLink, insertErr error) (model.IdentityLink, bool, error) {
	if !isUniqueViolation(insertErr) {
		return model.IdentityLink{}, false, fmt.Errorf("create identity link: insert: %w", insertErr)
	}

	winner, err := findActiveLink(ctx, s.db, link)
	if err != nil {
		return model.IdentityLink{}, false, fmt.Errorf("create identity link: insert: %w", insertErr)
	}
	if winner.ReferenceID != link.ReferenceID {
		return winner, false, model.NewCorrelationConflict(
			link.Source, link.SourceKey, winner.ReferenceID, link.ReferenceID)
	}
	return winner, false, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// findActiveLink locates the active link that would collide with the given
// one: by (source, key) for keyed policies, by (source, reference) for
// source-only markers.
func findActiveLink(ctx context.Context, q rowQuerier, link model.IdentityLink) (model.IdentityLink, error) {
	var row *sql.Row
	if link.SourceKey != "" {
		row = q.QueryRowContext(ctx, `
			SELECT id, source_system, source_key, reference_id, policy, superseded
			FROM identity_links
			WHERE source_system = ? AND source_key = ? AND superseded = 0
		`, link.Source, link.SourceKey)
	} else {
		row = q.QueryRowContext(ctx, `
			SELECT id, source_system, source_key, reference_id, policy, superseded
			FROM identity_links
			WHERE source_system = ? AND reference_id = ? AND source_key = '' AND superseded = 0
		`, link.Source, link.ReferenceID)
	}
	return scanLink(row)
}

// GetLinksForReference returns all active identity links for a reference,
// ordered by id for deterministic results.
func (s *Store) GetLinksForReference(ctx context.Context, referenceID string) ([]model.IdentityLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_system, source_key, reference_id, policy, superseded
		FROM identity_links
		WHERE reference_id = ? AND superseded = 0
		ORDER BY id ASC
	`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("get links for reference: %w", err)
	}
	defer rows.Close()

	var links []model.IdentityLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity link: %w", err)
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity links: %w", err)
	}

	if links == nil {
		links = []model.IdentityLink{}
	}

	return links, nil
}

// ResolveSourceKey returns the reference id linked to a (source, key) pair.
// Returns a NOT_FOUND model.Error if no active link exists.
func (s *Store) ResolveSourceKey(ctx context.Context, source, sourceKey string) (string, error) {
	var referenceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT reference_id FROM identity_links
		WHERE source_system = ? AND source_key = ? AND superseded = 0
	`, source, sourceKey).Scan(&referenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.NewNotFound(source + ":" + sourceKey)
	}
	if err != nil {
		return "", fmt.Errorf("resolve source key: %w", err)
	}
	return referenceID, nil
}

// SupersedeLink marks a link superseded. Used when an operator resolves a
// correlation conflict; links are never deleted automatically.
func (s *Store) SupersedeLink(ctx context.Context, linkID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE identity_links SET superseded = 1 WHERE id = ? AND superseded = 0
	`, linkID)
	if err != nil {
		return fmt.Errorf("supersede link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("supersede link: rows affected: %w", err)
	}
	if affected == 0 {
		return model.NewNotFound(fmt.Sprintf("identity link %d", linkID))
	}
	return nil
}

type linkScanner interface {
	Scan(dest ...any) error
}

func scanLink(row linkScanner) (model.IdentityLink, error) {
	var (
		link       model.IdentityLink
		policy     string
		superseded int
	)
	if err := row.Scan(&link.ID, &link.Source, &link.SourceKey, &link.ReferenceID, &policy, &superseded); err != nil {
		return model.IdentityLink{}, err
	}
	link.Policy = model.ExternalIDPolicy(policy)
	link.Superseded = superseded != 0
	return link, nil
}
