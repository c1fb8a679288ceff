package store

import (
	"context"
	"fmt"

	"github.com/roach88/torque/internal/torque"
)

// SaveSpecification stores one revision of a specification.
// Re-saving an identical revision is a no-op. Saving different content
// under an approved revision is rejected: approved revisions are frozen.
func (s *Store) SaveSpecification(ctx context.Context, spec torque.Specification) error {
	hash, err := spec.RevisionHash()
	if err != nil {
		return fmt.Errorf("save specification: %w", err)
	}
	body, err := encodeRecord(spec)
	if err != nil {
		return fmt.Errorf("save specification: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save specification: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var (
		existing string
		approved bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT revision_hash, approved FROM specifications
		WHERE id = ? AND revision = ?
	`, spec.ID, spec.Revision).Scan(&existing, &approved)
	switch {
	case err == nil && existing == hash:
		return nil
	case err == nil && approved:
		return fmt.Errorf("save specification %s@%d: %w", spec.ID, spec.Revision, torque.ErrSpecificationApproved)
	case err != nil && !isNoRows(err):
		return fmt.Errorf("save specification: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO specifications (id, revision, revision_hash, approved, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, revision) DO UPDATE SET
			revision_hash = excluded.revision_hash,
			approved = excluded.approved,
			body = excluded.body
	`, spec.ID, spec.Revision, hash, spec.Approved(), body)
	if err != nil {
		return fmt.Errorf("save specification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save specification: commit: %w", err)
	}
	return nil
}

// SaveSequences replaces the stored bolt order of a specification.
func (s *Store) SaveSequences(ctx context.Context, specID string, rows []torque.Sequence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save sequences: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM sequences WHERE specification_id = ?`, specID); err != nil {
		return fmt.Errorf("save sequences: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sequences (id, specification_id, bolt_position, bolt, sequence_number, x, y)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save sequences: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.SpecificationID != specID {
			return fmt.Errorf("save sequences: row %s belongs to %q, not %q", r.ID, r.SpecificationID, specID)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.SpecificationID, r.BoltPosition, r.Bolt, r.SequenceNumber, r.X, r.Y); err != nil {
			return fmt.Errorf("save sequences: %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save sequences: commit: %w", err)
	}
	return nil
}

// SaveEvent appends a torque event.
// Uses ON CONFLICT(id) DO NOTHING, so a retried write of the same event is
// silently ignored.
func (s *Store) SaveEvent(ctx context.Context, e torque.Event) error {
	body, err := encodeRecord(e)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, seq, session_id, specification_id, bolt_position, pass_number, status, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.Seq,
		e.SessionID,
		e.SpecificationID,
		e.BoltPosition,
		e.PassNumber,
		string(e.Status),
		body,
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// SaveSession upserts the latest snapshot of a session.
func (s *Store) SaveSession(ctx context.Context, sess torque.Session) error {
	body, err := encodeRecord(sess)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, specification_id, status, event_count, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			event_count = excluded.event_count,
			body = excluded.body
	`, sess.ID, sess.SpecificationID, string(sess.Status), sess.EventCount, body)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
