package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SharedMemory is a memory copied into the cross-agent space.
type SharedMemory struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	CreatedBy       string    `json:"created_by"`
	Tags            []string  `json:"tags"`
	EmotionalWeight float64   `json:"emotional_weight"`
	Importance      float64   `json:"importance"`
	Created         time.Time `json:"created"`
}

// SharedID derives a deterministic id from author and content, so the
// same item shared twice — or raced across agents — upserts onto one row.
func SharedID(createdBy, content string) string {
	sum := sha256.Sum256([]byte(createdBy + "\x00" + content))
	return hex.EncodeToString(sum[:8])
}

// ShareMemory copies an item into shared.memories. Idempotent upsert;
// safe to race across agents.
func (s *Store) ShareMemory(ctx context.Context, m SharedMemory) error {
	if m.ID == "" {
		m.ID = SharedID(m.CreatedBy, m.Content)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO shared.memories (id, content, created_by, tags, emotional_weight, importance)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Content, m.CreatedBy, m.Tags, m.EmotionalWeight, m.Importance)
	return mapErr("share memory", err)
}

// ListSharedMemories returns recent shared items authored by other agents.
func (s *Store) ListSharedMemories(ctx context.Context, excludeAgent string, limit int) ([]SharedMemory, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, content, created_by, tags, emotional_weight, importance, created
		FROM shared.memories
		WHERE created_by != $1
		ORDER BY created DESC
		LIMIT $2`, excludeAgent, limit)
	if err != nil {
		return nil, fmt.Errorf("list shared memories: %w", err)
	}
	defer rows.Close()

	var out []SharedMemory
	for rows.Next() {
		var m SharedMemory
		if err := rows.Scan(&m.ID, &m.Content, &m.CreatedBy, &m.Tags,
			&m.EmotionalWeight, &m.Importance, &m.Created); err != nil {
			return nil, fmt.Errorf("scan shared memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SharedCounts returns total shared items and how many this agent wrote.
func (s *Store) SharedCounts(ctx context.Context, agent string) (total, mine int, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE created_by = $1)
		FROM shared.memories`, agent).Scan(&total, &mine)
	if err != nil {
		return 0, 0, fmt.Errorf("shared counts: %w", err)
	}
	return total, mine, nil
}
