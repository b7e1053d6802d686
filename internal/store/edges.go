package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/drift/internal/memory"
)

// ObserveCooccurrence logs one co-occurrence event and folds its weight
// into the aggregate edge belief, all in one transaction. The pair is
// canonicalized here at the write boundary; callers never pre-sort.
// Belief is monotonic non-decreasing since observation weights are
// non-negative. The legacy pairwise counter table is kept in step for
// the simple-counter consumers.
func (s *Store) ObserveCooccurrence(ctx context.Context, agent string, obs memory.Observation) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	a, b := memory.CanonicalPair(obs.MemoryA, obs.MemoryB)
	if a == b {
		return fmt.Errorf("observe co-occurrence: %w: self edge %s", ErrConstraint, a)
	}
	weight := obs.Tier.Weight()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin edge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+table(schema, "edge_observations")+`
		(memory_a, memory_b, tier, weight, platform, topic, contact)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a, b, string(obs.Tier), weight, obs.Platform, obs.Topic, obs.Contact); err != nil {
		return mapErr("log edge observation", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+table(schema, "edges_v3")+`
		(memory_a, memory_b, belief, platform, topic, contact)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (memory_a, memory_b) DO UPDATE SET
			belief = `+table(schema, "edges_v3")+`.belief + EXCLUDED.belief,
			last_updated = NOW()`,
		a, b, weight, obs.Platform, obs.Topic, obs.Contact); err != nil {
		return mapErr("update edge belief", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+table(schema, "co_occurrences")+` (memory_id, other_id, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (memory_id, other_id)
		DO UPDATE SET count = `+table(schema, "co_occurrences")+`.count + 1`,
		a, b); err != nil {
		return mapErr("update co-occurrence counter", err)
	}

	return tx.Commit(ctx)
}

// EdgeBelief returns the aggregate belief for an unordered pair, 0 when
// the edge does not exist.
func (s *Store) EdgeBelief(ctx context.Context, agent, idA, idB string) (float64, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return 0, err
	}
	a, b := memory.CanonicalPair(idA, idB)
	var belief float64
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT belief FROM `+table(schema, "edges_v3")+` WHERE memory_a = $1 AND memory_b = $2),
			0)`, a, b).Scan(&belief)
	if err != nil {
		return 0, fmt.Errorf("edge belief: %w", err)
	}
	return belief, nil
}

// UpsertTypedEdge validates the relation label against the fixed
// vocabulary and upserts on (source, target, relation), keeping the
// higher confidence on conflict.
func (s *Store) UpsertTypedEdge(ctx context.Context, agent string, e memory.TypedEdge) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	if err := memory.ValidateRelation(e.Relation); err != nil {
		return fmt.Errorf("upsert typed edge: %w: %v", ErrConstraint, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO `+table(schema, "typed_edges")+`
		(source, target, relation, confidence, evidence, auto_extracted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, target, relation) DO UPDATE SET
			confidence = GREATEST(`+table(schema, "typed_edges")+`.confidence, EXCLUDED.confidence),
			evidence = CASE
				WHEN EXCLUDED.confidence > `+table(schema, "typed_edges")+`.confidence
				THEN EXCLUDED.evidence
				ELSE `+table(schema, "typed_edges")+`.evidence
			END`,
		e.Source, e.Target, string(e.Relation), e.Confidence, e.Evidence, e.AutoExtracted)
	return mapErr("upsert typed edge", err)
}
