package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/torque/internal/torque"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// GetSpecification returns the highest stored revision of a specification.
func (s *Store) GetSpecification(ctx context.Context, id string) (torque.Specification, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM specifications
		WHERE id = ?
		ORDER BY revision DESC
		LIMIT 1
	`, id).Scan(&body)
	if isNoRows(err) {
		return torque.Specification{}, fmt.Errorf("specification %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return torque.Specification{}, fmt.Errorf("get specification: %w", err)
	}

	return decodeRecord[torque.Specification](body)
}

// GetSpecificationRevision returns one specific revision.
func (s *Store) GetSpecificationRevision(ctx context.Context, id string, revision int) (torque.Specification, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM specifications WHERE id = ? AND revision = ?
	`, id, revision).Scan(&body)
	if isNoRows(err) {
		return torque.Specification{}, fmt.Errorf("specification %s@%d: %w", id, revision, ErrNotFound)
	}
	if err != nil {
		return torque.Specification{}, fmt.Errorf("get specification revision: %w", err)
	}

	return decodeRecord[torque.Specification](body)
}

// ListSpecifications returns the latest revision of every specification,
// ordered by id.
func (s *Store) ListSpecifications(ctx context.Context) ([]torque.Specification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.body FROM specifications sp
		WHERE sp.revision = (SELECT MAX(revision) FROM specifications WHERE id = sp.id)
		ORDER BY sp.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list specifications: %w", err)
	}
	defer rows.Close()

	specs := []torque.Specification{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan specification: %w", err)
		}
		spec, err := decodeRecord[torque.Specification](body)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate specifications: %w", err)
	}
	return specs, nil
}

// GetSequences returns the stored bolt order of a specification in
// sequence-number order. Returns an empty slice when none is stored.
func (s *Store) GetSequences(ctx context.Context, specID string) ([]torque.Sequence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, specification_id, bolt_position, bolt, sequence_number, x, y
		FROM sequences
		WHERE specification_id = ?
		ORDER BY sequence_number ASC
	`, specID)
	if err != nil {
		return nil, fmt.Errorf("query sequences: %w", err)
	}
	defer rows.Close()

	seqs := []torque.Sequence{}
	for rows.Next() {
		var r torque.Sequence
		if err := rows.Scan(&r.ID, &r.SpecificationID, &r.BoltPosition, &r.Bolt, &r.SequenceNumber, &r.X, &r.Y); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		seqs = append(seqs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return seqs, nil
}

// GetSession returns the latest stored snapshot of a session.
func (s *Store) GetSession(ctx context.Context, id string) (torque.Session, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM sessions WHERE id = ?`, id).Scan(&body)
	if isNoRows(err) {
		return torque.Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return torque.Session{}, fmt.Errorf("get session: %w", err)
	}

	return decodeRecord[torque.Session](body)
}

// ReadSessionEvents returns every event of a session.
// Results are ordered deterministically: ORDER BY seq ASC, id ASC COLLATE BINARY.
func (s *Store) ReadSessionEvents(ctx context.Context, sessionID string) ([]torque.Event, error) {
	return s.readEvents(ctx, `
		SELECT body FROM events
		WHERE session_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, sessionID)
}

// ReadSpecificationEvents returns every event recorded against a
// specification across all sessions, in seq order.
func (s *Store) ReadSpecificationEvents(ctx context.Context, specID string) ([]torque.Event, error) {
	return s.readEvents(ctx, `
		SELECT body FROM events
		WHERE specification_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, specID)
}

func (s *Store) readEvents(ctx context.Context, query string, arg string) ([]torque.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []torque.Event{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e, err := decodeRecord[torque.Event](body)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MaxSeq returns the highest event seq in the store, or 0 when empty.
// A restarted orchestrator seeds its clock from this value.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}
