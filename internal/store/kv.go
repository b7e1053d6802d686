package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// KVSet upserts a key in the agent's key-value bag. Last write wins.
// A nil value deletes the key.
func (s *Store) KVSet(ctx context.Context, agent, key string, value any) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}
	if value == nil {
		_, err := s.db.Exec(ctx,
			`DELETE FROM `+table(schema, "key_value_store")+` WHERE key = $1`, key)
		return mapErr(fmt.Sprintf("kv delete %s", key), err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv marshal %s: %w", key, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO `+table(schema, "key_value_store")+` (key, value, updated)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated = NOW()`,
		key, data)
	return mapErr(fmt.Sprintf("kv set %s", key), err)
}

// KVDeleteIfField removes a key only when the stored record's field
// matches want. Lets a finishing pipeline clear its own wake hand-off
// without clobbering one a newer wake wrote in the meantime.
func (s *Store) KVDeleteIfField(ctx context.Context, agent, key, field, want string) (bool, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `
		DELETE FROM `+table(schema, "key_value_store")+`
		WHERE key = $1 AND value->>$2 = $3`,
		key, field, want)
	if err != nil {
		return false, mapErr(fmt.Sprintf("kv conditional delete %s", key), err)
	}
	return tag.RowsAffected() > 0, nil
}

// KVGet reads a key into out. Returns false with no error when the key
// is absent — an empty bag is a normal state, not a failure.
func (s *Store) KVGet(ctx context.Context, agent, key string, out any) (bool, error) {
	schema, err := SchemaName(agent)
	if err != nil {
		return false, err
	}
	var data []byte
	err = s.db.QueryRow(ctx,
		`SELECT value FROM `+table(schema, "key_value_store")+` WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("kv unmarshal %s: %w", key, err)
	}
	return true, nil
}
