package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/drift/internal/memory"
)

// AppendLesson stores a distilled heuristic and returns its id.
func (s *Store) AppendLesson(ctx context.Context, agent string, l *memory.Lesson) (int64, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO `+table(schema, "lessons")+` (category, lesson, evidence, confidence, origin)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		l.Category, l.Text, l.Evidence, l.Confidence, l.Origin).Scan(&id)
	if err != nil {
		return 0, mapErr("append lesson", err)
	}
	return id, nil
}

// SupersedeLesson points an old lesson at its replacement. The revision
// chain is singly linked; pointing a lesson at itself is rejected.
func (s *Store) SupersedeLesson(ctx context.Context, agent string, oldID, newID int64) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	if oldID == newID {
		return fmt.Errorf("supersede lesson: %w: self reference %d", ErrConstraint, oldID)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE `+table(schema, "lessons")+` SET superseded_by = $2 WHERE id = $1`,
		oldID, newID)
	if err != nil {
		return mapErr("supersede lesson", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("supersede lesson %d: %w", oldID, ErrNotFound)
	}
	return nil
}

// ListLessons returns current (non-superseded) lessons, highest
// confidence first.
func (s *Store) ListLessons(ctx context.Context, agent string, limit int) ([]memory.Lesson, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, category, lesson, evidence, confidence, origin,
		       applications, last_applied, superseded_by, created
		FROM `+table(schema, "lessons")+`
		WHERE superseded_by IS NULL
		ORDER BY confidence DESC, created DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()
	return scanLessons(rows)
}

// MarkLessonApplied bumps the application counter.
func (s *Store) MarkLessonApplied(ctx context.Context, agent string, id int64) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE `+table(schema, "lessons")+`
		SET applications = applications + 1, last_applied = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return mapErr("mark lesson applied", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark lesson applied %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanLessons(rows pgx.Rows) ([]memory.Lesson, error) {
	var out []memory.Lesson
	for rows.Next() {
		var l memory.Lesson
		if err := rows.Scan(&l.ID, &l.Category, &l.Text, &l.Evidence, &l.Confidence,
			&l.Origin, &l.Applications, &l.LastApplied, &l.SupersededBy, &l.Created); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
