package store

import (
	"context"
	"fmt"
)

// UpsertEmbedding stores one vector per memory. A changed memory gets a
// fresh row replacing the old; vectors are never mutated in place.
func (s *Store) UpsertEmbedding(ctx context.Context, agent, memoryID string, vector []float32, preview string) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO `+table(schema, "text_embeddings")+` (memory_id, vector, dim, preview)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (memory_id) DO UPDATE SET
			vector = EXCLUDED.vector,
			dim = EXCLUDED.dim,
			preview = EXCLUDED.preview,
			indexed_at = NOW()`,
		memoryID, vector, len(vector), preview)
	return mapErr(fmt.Sprintf("upsert embedding %s", memoryID), err)
}

// StoredVector is one embedding row read back for exact search.
type StoredVector struct {
	MemoryID string
	Vector   []float32
}

// AllEmbeddings streams every embedding for an agent. Used by the exact
// similarity fallback when the vector index is unavailable.
func (s *Store) AllEmbeddings(ctx context.Context, agent string) ([]StoredVector, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT memory_id, vector FROM `+table(schema, "text_embeddings"))
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var out []StoredVector
	for rows.Next() {
		var v StoredVector
		if err := rows.Scan(&v.MemoryID, &v.Vector); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
