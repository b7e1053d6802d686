package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a PostgreSQL connection pool. Each agent owns one schema;
// a shared schema holds the cross-agent memory space.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

var schemaNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// SchemaName validates and returns the schema name for an agent.
func SchemaName(agent string) (string, error) {
	name := strings.ToLower(agent)
	if !schemaNameRe.MatchString(name) || name == "shared" {
		return "", fmt.Errorf("%w: invalid agent name %q", ErrConstraint, agent)
	}
	return name, nil
}

// table returns a schema-qualified table name. agent must have passed
// through SchemaName before reaching here.
func table(schema, name string) string {
	return schema + "." + name
}

// EnsureAgentSchema creates the per-agent schema and all engine tables.
// Idempotent; onboarding a new agent is this one call.
func (s *Store) EnsureAgentSchema(ctx context.Context, agent string) error {
	schema, err := SchemaName(agent)
	if err != nil {
		return err
	}

	ddl := strings.ReplaceAll(agentDDL, "{schema}", schema)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	s.logger.Info("agent schema ready", zap.String("agent", agent))
	return nil
}

// EnsureSharedSchema creates the cross-agent shared memory space.
func (s *Store) EnsureSharedSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, sharedDDL); err != nil {
		return fmt.Errorf("create shared schema: %w", err)
	}
	return nil
}

const agentDDL = `
CREATE SCHEMA IF NOT EXISTS {schema};

CREATE TABLE IF NOT EXISTS {schema}.memories (
	id                    TEXT PRIMARY KEY,
	tier                  TEXT NOT NULL CHECK (tier IN ('core','active','archive')),
	content               TEXT NOT NULL,
	tags                  TEXT[] NOT NULL DEFAULT '{}',
	created               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_recalled         TIMESTAMPTZ,
	recall_count          INT NOT NULL DEFAULT 0,
	sessions_since_recall INT NOT NULL DEFAULT 0,
	emotional_weight      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	event_time            TIMESTAMPTZ,
	entities              JSONB NOT NULL DEFAULT '{}',
	caused_by             TEXT[] NOT NULL DEFAULT '{}',
	causes                TEXT[] NOT NULL DEFAULT '{}',
	outcome_productive    INT NOT NULL DEFAULT 0,
	outcome_generative    INT NOT NULL DEFAULT 0,
	outcome_dead_end      INT NOT NULL DEFAULT 0,
	outcome_total         INT NOT NULL DEFAULT 0,
	importance            DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	freshness             DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	q_value               DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	low_passes            INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS {schema}_memories_tier_idx ON {schema}.memories (tier);
CREATE INDEX IF NOT EXISTS {schema}_memories_tags_idx ON {schema}.memories USING GIN (tags);
CREATE INDEX IF NOT EXISTS {schema}_memories_fts_idx
	ON {schema}.memories USING GIN (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS {schema}.text_embeddings (
	memory_id  TEXT PRIMARY KEY REFERENCES {schema}.memories(id) ON DELETE CASCADE,
	vector     REAL[] NOT NULL,
	dim        INT NOT NULL,
	preview    TEXT NOT NULL DEFAULT '',
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS {schema}.co_occurrences (
	memory_id TEXT NOT NULL,
	other_id  TEXT NOT NULL,
	count     DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (memory_id, other_id)
);

CREATE TABLE IF NOT EXISTS {schema}.edges_v3 (
	memory_a     TEXT NOT NULL,
	memory_b     TEXT NOT NULL,
	belief       DOUBLE PRECISION NOT NULL DEFAULT 0,
	first_seen   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	platform     TEXT NOT NULL DEFAULT '',
	topic        TEXT NOT NULL DEFAULT '',
	contact      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (memory_a, memory_b),
	CHECK (memory_a < memory_b)
);

CREATE TABLE IF NOT EXISTS {schema}.edge_observations (
	id        BIGSERIAL PRIMARY KEY,
	memory_a  TEXT NOT NULL,
	memory_b  TEXT NOT NULL,
	tier      TEXT NOT NULL,
	weight    DOUBLE PRECISION NOT NULL,
	platform  TEXT NOT NULL DEFAULT '',
	topic     TEXT NOT NULL DEFAULT '',
	contact   TEXT NOT NULL DEFAULT '',
	observed  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS {schema}.typed_edges (
	source         TEXT NOT NULL,
	target         TEXT NOT NULL,
	relation       TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	evidence       TEXT NOT NULL DEFAULT '',
	auto_extracted BOOLEAN NOT NULL DEFAULT TRUE,
	created        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (source, target, relation)
);

CREATE TABLE IF NOT EXISTS {schema}.lessons (
	id            BIGSERIAL PRIMARY KEY,
	category      TEXT NOT NULL,
	lesson        TEXT NOT NULL,
	evidence      TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	origin        TEXT NOT NULL DEFAULT 'session',
	applications  INT NOT NULL DEFAULT 0,
	last_applied  TIMESTAMPTZ,
	superseded_by BIGINT REFERENCES {schema}.lessons(id),
	created       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS {schema}.sessions (
	id      UUID PRIMARY KEY,
	started TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	ended   TIMESTAMPTZ,
	active  BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS {schema}.session_recalls (
	session_id  UUID NOT NULL REFERENCES {schema}.sessions(id),
	memory_id   TEXT NOT NULL,
	mechanism   TEXT NOT NULL,
	recalled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS {schema}.decay_history (
	id         BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL UNIQUE,
	decayed    INT NOT NULL DEFAULT 0,
	pruned     INT NOT NULL DEFAULT 0,
	run_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS {schema}.q_value_history (
	id            BIGSERIAL PRIMARY KEY,
	memory_id     TEXT NOT NULL,
	session_id    UUID,
	old_q         DOUBLE PRECISION NOT NULL,
	new_q         DOUBLE PRECISION NOT NULL,
	reward        DOUBLE PRECISION NOT NULL,
	reward_source TEXT NOT NULL,
	created       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS {schema}.key_value_store (
	key     TEXT PRIMARY KEY,
	value   JSONB,
	updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const sharedDDL = `
CREATE SCHEMA IF NOT EXISTS shared;

CREATE TABLE IF NOT EXISTS shared.memories (
	id               TEXT PRIMARY KEY,
	content          TEXT NOT NULL,
	created_by       TEXT NOT NULL,
	tags             TEXT[] NOT NULL DEFAULT '{}',
	emotional_weight DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	created          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS shared.text_embeddings (
	memory_id  TEXT PRIMARY KEY REFERENCES shared.memories(id) ON DELETE CASCADE,
	vector     REAL[] NOT NULL,
	dim        INT NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
