package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/drift/internal/memory"
)

// StartSession opens a new session row and returns its id.
func (s *Store) StartSession(ctx context.Context, agent string) (uuid.UUID, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	_, err = s.db.Exec(ctx,
		`INSERT INTO `+table(schema, "sessions")+` (id) VALUES ($1)`, id)
	if err != nil {
		return uuid.Nil, mapErr("start session", err)
	}
	return id, nil
}

// EndSession closes a session. Ending an unknown session is ErrNotFound.
func (s *Store) EndSession(ctx context.Context, agent string, id uuid.UUID) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE `+table(schema, "sessions")+`
		SET ended = NOW(), active = FALSE
		WHERE id = $1`, id)
	if err != nil {
		return mapErr("end session", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SessionRecall is one recall-provenance row.
type SessionRecall struct {
	MemoryID   string
	Mechanism  memory.RecallMechanism
	RecalledAt time.Time
}

// SessionRecalls returns the recall provenance for a session, in recall
// order. The decay pass uses it as its exemption list: what a session
// surfaced was refreshed by the recall and does not age that pass.
func (s *Store) SessionRecalls(ctx context.Context, agent string, sessionID uuid.UUID) ([]SessionRecall, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT memory_id, mechanism, recalled_at
		FROM `+table(schema, "session_recalls")+`
		WHERE session_id = $1
		ORDER BY recalled_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session recalls: %w", err)
	}
	defer rows.Close()

	var out []SessionRecall
	for rows.Next() {
		var r SessionRecall
		var mech string
		if err := rows.Scan(&r.MemoryID, &mech, &r.RecalledAt); err != nil {
			return nil, fmt.Errorf("scan session recall: %w", err)
		}
		r.Mechanism = memory.RecallMechanism(mech)
		out = append(out, r)
	}
	return out, rows.Err()
}
