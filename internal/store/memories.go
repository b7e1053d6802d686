package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/drift/internal/memory"
)

const memoryColumns = `id, tier, content, tags, created, last_recalled, recall_count,
	sessions_since_recall, emotional_weight, event_time, entities, caused_by, causes,
	outcome_productive, outcome_generative, outcome_dead_end, outcome_total,
	importance, freshness, q_value, low_passes`

// InsertMemory stores a new memory record. Duplicate ids and invalid tiers
// surface as ErrConstraint; input is never silently coerced.
func (s *Store) InsertMemory(ctx context.Context, agent string, m *memory.Memory) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	if !memory.ValidTier(m.Tier) {
		return fmt.Errorf("insert memory %s: %w: tier %q", m.ID, ErrConstraint, m.Tier)
	}
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}
	entities, err := json.Marshal(m.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO `+table(schema, "memories")+`
		(id, tier, content, tags, created, emotional_weight, event_time, entities,
		 caused_by, causes, importance, freshness, q_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, string(m.Tier), m.Content, m.Tags, m.Created, m.EmotionalWeight,
		m.EventTime, entities, m.CausedBy, m.Causes,
		m.Importance, m.Freshness, memory.InitialQ,
	)
	return mapErr(fmt.Sprintf("insert memory %s", m.ID), err)
}

// GetMemory retrieves a single memory by id.
func (s *Store) GetMemory(ctx context.Context, agent, id string) (*memory.Memory, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM `+table(schema, "memories")+` WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get memory %s", id), err)
	}
	return m, nil
}

// MemoryFilter narrows ListMemories. Zero values are ignored.
type MemoryFilter struct {
	Tier     memory.Tier
	Tag      string
	FullText string
	OrderBy  string // "created", "emotional_weight", "q_value"; default "created"
	Limit    int
}

// ListMemories returns memories matching the filter, newest first unless
// another ordering is requested.
func (s *Store) ListMemories(ctx context.Context, agent string, f MemoryFilter) ([]*memory.Memory, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + memoryColumns + ` FROM ` + table(schema, "memories")
	var conds []string
	var args []any
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		conds = append(conds, fmt.Sprintf("tier = $%d", len(args)))
	}
	if f.Tag != "" {
		args = append(args, f.Tag)
		conds = append(conds, fmt.Sprintf("$%d = ANY(tags)", len(args)))
	}
	if f.FullText != "" {
		args = append(args, f.FullText)
		conds = append(conds, fmt.Sprintf(
			"to_tsvector('english', content) @@ plainto_tsquery('english', $%d)", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	switch f.OrderBy {
	case "emotional_weight":
		query += " ORDER BY emotional_weight DESC"
	case "q_value":
		query += " ORDER BY q_value DESC"
	default:
		query += " ORDER BY created DESC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Recall is one surfaced memory plus the mechanism that surfaced it.
type Recall struct {
	MemoryID  string
	Mechanism memory.RecallMechanism
}

// RecordRecalls bumps recall bookkeeping on the memories and writes the
// session's recall-provenance rows in one transaction: either both
// persist or neither does.
func (s *Store) RecordRecalls(ctx context.Context, agent string, sessionID uuid.UUID, recalls []Recall) error {
	if len(recalls) == 0 {
		return nil
	}
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin recall tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range recalls {
		// Freshness is restored half the distance to 1.0, matching
		// memory.RefreshOnRecall.
		tag, err := tx.Exec(ctx, `
			UPDATE `+table(schema, "memories")+`
			SET recall_count = recall_count + 1,
			    last_recalled = NOW(),
			    sessions_since_recall = 0,
			    freshness = freshness + (1 - freshness) * 0.5,
			    outcome_total = outcome_total + 1
			WHERE id = $1`, r.MemoryID)
		if err != nil {
			return mapErr(fmt.Sprintf("record recall %s", r.MemoryID), err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("record recall %s: %w", r.MemoryID, ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+table(schema, "session_recalls")+` (session_id, memory_id, mechanism)
			VALUES ($1, $2, $3)`, sessionID, r.MemoryID, string(r.Mechanism)); err != nil {
			return mapErr("record recall provenance", err)
		}
	}
	return tx.Commit(ctx)
}

// UpdateQValue writes a new q-value and appends the transition to
// q_value_history in one transaction.
func (s *Store) UpdateQValue(ctx context.Context, agent, memoryID string, sessionID uuid.UUID, oldQ, newQ, reward float64, source string) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin q-value tx: %w", err)
	}
	defer tx.Rollback(ctx)

	outcomeCol := "outcome_dead_end"
	switch source {
	case memory.RewardSourceDownstream:
		outcomeCol = "outcome_productive"
	case memory.RewardSourceGenerative:
		outcomeCol = "outcome_generative"
	}
	tag, err := tx.Exec(ctx, `
		UPDATE `+table(schema, "memories")+`
		SET q_value = $2, `+outcomeCol+` = `+outcomeCol+` + 1
		WHERE id = $1`, memoryID, newQ)
	if err != nil {
		return mapErr(fmt.Sprintf("update q-value %s", memoryID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update q-value %s: %w", memoryID, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO `+table(schema, "q_value_history")+`
		(memory_id, session_id, old_q, new_q, reward, reward_source)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		memoryID, sessionID, oldQ, newQ, reward, source); err != nil {
		return mapErr("append q-value history", err)
	}
	return tx.Commit(ctx)
}

// QValues returns the current q-values for a set of memory ids. Ids that
// do not exist are simply absent from the result.
func (s *Store) QValues(ctx context.Context, agent string, ids []string) (map[string]float64, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, q_value FROM `+table(schema, "memories")+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load q-values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64, len(ids))
	for rows.Next() {
		var id string
		var q float64
		if err := rows.Scan(&id, &q); err != nil {
			return nil, fmt.Errorf("scan q-value: %w", err)
		}
		out[id] = q
	}
	return out, rows.Err()
}

// DecayUpdate carries the recomputed aging fields for one memory.
type DecayUpdate struct {
	ID         string
	Freshness  float64
	Importance float64
	LowPasses  int
	NewTier    memory.Tier // empty means unchanged
	Prune      bool
}

// ApplyDecayPass commits one decay pass: stamps the session in
// decay_history, then applies all per-memory updates. If the session was
// already stamped the pass is a no-op and applied=false is returned.
func (s *Store) ApplyDecayPass(ctx context.Context, agent string, sessionID uuid.UUID, updates []DecayUpdate) (applied bool, err error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return false, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin decay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	decayed, pruned := 0, 0
	for _, u := range updates {
		if u.Prune {
			pruned++
		} else {
			decayed++
		}
	}

	// The unique session stamp is the idempotence guard: a re-run at the
	// same session boundary conflicts here and changes nothing.
	tag, err := tx.Exec(ctx, `
		INSERT INTO `+table(schema, "decay_history")+` (session_id, decayed, pruned)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING`, sessionID, decayed, pruned)
	if err != nil {
		return false, mapErr("stamp decay pass", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, u := range updates {
		if u.Prune {
			if _, err := tx.Exec(ctx,
				`DELETE FROM `+table(schema, "memories")+` WHERE id = $1 AND tier != 'core'`,
				u.ID); err != nil {
				return false, mapErr(fmt.Sprintf("prune memory %s", u.ID), err)
			}
			continue
		}
		query := `UPDATE ` + table(schema, "memories") + `
			SET freshness = $2, importance = $3, low_passes = $4,
			    sessions_since_recall = sessions_since_recall + 1`
		args := []any{u.ID, u.Freshness, u.Importance, u.LowPasses}
		if u.NewTier != "" {
			args = append(args, string(u.NewTier))
			query += fmt.Sprintf(", tier = $%d", len(args))
		}
		query += " WHERE id = $1"
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return false, mapErr(fmt.Sprintf("decay memory %s", u.ID), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit decay pass: %w", err)
	}
	return true, nil
}

// Stats summarizes an agent's memory state.
type Stats struct {
	Total       int        `json:"total"`
	Core        int        `json:"core"`
	Active      int        `json:"active"`
	Archive     int        `json:"archive"`
	Embeddings  int        `json:"embeddings"`
	Edges       int        `json:"edges"`
	TypedEdges  int        `json:"typed_edges"`
	Lessons     int        `json:"lessons"`
	Sessions    int        `json:"sessions"`
	LastMemory  *time.Time `json:"last_memory,omitempty"`
	LastDecay   *time.Time `json:"last_decay,omitempty"`
	LastSession *time.Time `json:"last_session,omitempty"`
	AvgQ        float64    `json:"avg_q"`
	TrainedQ    int        `json:"trained_q"`
}

// GetStats gathers the status counters for one agent.
func (s *Store) GetStats(ctx context.Context, agent string) (*Stats, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}
	st := &Stats{}
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE tier = 'core'),
		       COUNT(*) FILTER (WHERE tier = 'active'),
		       COUNT(*) FILTER (WHERE tier = 'archive'),
		       COALESCE(AVG(q_value), 0),
		       COUNT(*) FILTER (WHERE q_value != 0.5),
		       MAX(created)
		FROM `+table(schema, "memories")).Scan(
		&st.Total, &st.Core, &st.Active, &st.Archive, &st.AvgQ, &st.TrainedQ, &st.LastMemory)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	err = s.db.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM `+table(schema, "text_embeddings")+`),
		       (SELECT COUNT(*) FROM `+table(schema, "edges_v3")+`),
		       (SELECT COUNT(*) FROM `+table(schema, "typed_edges")+`),
		       (SELECT COUNT(*) FROM `+table(schema, "lessons")+`),
		       (SELECT COUNT(*) FROM `+table(schema, "sessions")+`),
		       (SELECT MAX(run_at) FROM `+table(schema, "decay_history")+`),
		       (SELECT MAX(ended) FROM `+table(schema, "sessions")+`)`).Scan(
		&st.Embeddings, &st.Edges, &st.TypedEdges, &st.Lessons, &st.Sessions, &st.LastDecay, &st.LastSession)
	if err != nil {
		return nil, fmt.Errorf("aux stats: %w", err)
	}
	return st, nil
}

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var m memory.Memory
	var tier string
	var entities []byte
	err := row.Scan(&m.ID, &tier, &m.Content, &m.Tags, &m.Created, &m.LastRecalled,
		&m.RecallCount, &m.SessionsSinceRecall, &m.EmotionalWeight, &m.EventTime,
		&entities, &m.CausedBy, &m.Causes,
		&m.Outcomes.Productive, &m.Outcomes.Generative, &m.Outcomes.DeadEnd, &m.Outcomes.Total,
		&m.Importance, &m.Freshness, &m.QValue, &m.LowPasses)
	if err != nil {
		return nil, err
	}
	m.Tier = memory.Tier(tier)
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &m.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	return &m, nil
}
