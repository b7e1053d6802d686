package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/drift/internal/config"
	"github.com/nidhogg/drift/internal/embedding"
	"github.com/nidhogg/drift/internal/memory"
	"github.com/nidhogg/drift/internal/store"
	"github.com/nidhogg/drift/internal/summarizer"
	"github.com/nidhogg/drift/internal/vectorstore"
	"go.uber.org/zap"
)

// ErrAgentBusy means the same kind of work is already in flight for
// this agent. The second attempt is a no-op, never a queued wait.
var ErrAgentBusy = errors.New("agent busy")

// Retrieval and consolidation each exclude themselves per agent but not
// each other: a wake may run while the previous session's pipeline is
// still consolidating, reading a store that is at worst one session
// stale.
func wakeLock(agent string) string { return agent + "/wake" }

func consolidateLock(agent string) string { return agent + "/consolidate" }

// Key-value keys the engine owns.
const (
	kvWakeState = ".wake_retrieved_ids"
	kvAffect    = ".affect_state"
	kvGoals     = ".goals"
	kvNarrative = ".narrative"
)

// Engine is the memory engine: retrieval at wake, consolidation at sleep.
// It holds no per-agent state in memory; the agent identifier is passed
// through every call.
type Engine struct {
	store      *store.Store
	index      *vectorstore.Index
	embedder   embedding.Provider
	summarizer *summarizer.Client
	locks      *Locker
	cfg        config.EngineConfig
	logger     *zap.Logger
}

// New assembles an engine from its collaborators.
func New(st *store.Store, index *vectorstore.Index, embedder embedding.Provider,
	sum *summarizer.Client, locks *Locker, cfg config.EngineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:      st,
		index:      index,
		embedder:   embedder,
		summarizer: sum,
		locks:      locks,
		cfg:        cfg,
		logger:     logger,
	}
}

// Onboard instantiates the per-agent schema and the shared space. One
// call makes a new agent fully operational.
func (e *Engine) Onboard(ctx context.Context, agent string) error {
	if err := e.store.EnsureSharedSchema(ctx); err != nil {
		return err
	}
	if err := e.store.EnsureAgentSchema(ctx, agent); err != nil {
		return err
	}
	if err := e.index.EnsureAgent(ctx, agent, e.embedder.Dimension()); err != nil {
		e.logger.Warn("vector collection unavailable, exact search fallback in effect",
			zap.String("agent", agent), zap.Error(err))
	}
	return nil
}

// wakeState is what wake leaves behind for sleep-side credit assignment.
type wakeState struct {
	SessionID string    `json:"session_id"`
	IDs       []string  `json:"ids"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchResult is one operator search hit.
type SearchResult struct {
	Memory     *memory.Memory `json:"memory"`
	Similarity float64        `json:"similarity"`
}

// Search is a similarity-only lookup for operator inspection. No utility
// blend: this surface shows what the index sees, not what retrieval
// would choose.
func (e *Engine) Search(ctx context.Context, agent, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := e.index.Search(ctx, agent, vectors[0], limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	results := make([]SearchResult, 0, limit)
	seen := make(map[string]bool)
	for _, h := range hits {
		m, err := e.store.GetMemory(ctx, agent, h.MemoryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // index lag after a prune
			}
			return nil, err
		}
		seen[m.ID] = true
		results = append(results, SearchResult{Memory: m, Similarity: h.Score})
	}

	// Full-text supplement catches exact terms the embedding missed.
	ftMatches, err := e.store.ListMemories(ctx, agent, store.MemoryFilter{FullText: query, Limit: 5})
	if err != nil {
		e.logger.Warn("fulltext supplement failed", zap.String("agent", agent), zap.Error(err))
	} else {
		for _, m := range ftMatches {
			if !seen[m.ID] {
				results = append(results, SearchResult{Memory: m, Similarity: 0})
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// StatusReport is the operator-facing state summary for one agent.
type StatusReport struct {
	Agent       string                 `json:"agent"`
	Stats       *store.Stats           `json:"stats"`
	SharedTotal int                    `json:"shared_total"`
	SharedMine  int                    `json:"shared_mine"`
	Affect      *memory.AffectSnapshot `json:"affect,omitempty"`
	ActiveGoal  *memory.Goal           `json:"active_goal,omitempty"`
	Goals       int                    `json:"goals"`
}

// Status gathers memory counts by tier, embedding coverage, and the rest
// of the agent's cognitive bookkeeping.
func (e *Engine) Status(ctx context.Context, agent string) (*StatusReport, error) {
	stats, err := e.store.GetStats(ctx, agent)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{Agent: agent, Stats: stats}

	if total, mine, err := e.store.SharedCounts(ctx, agent); err == nil {
		rep.SharedTotal, rep.SharedMine = total, mine
	}

	var affect memory.AffectState
	if ok, err := e.store.KVGet(ctx, agent, kvAffect, &affect); err == nil && ok {
		snap := affect.Snapshot()
		rep.Affect = &snap
	}

	var book memory.GoalBook
	if ok, err := e.store.KVGet(ctx, agent, kvGoals, &book); err == nil && ok {
		rep.ActiveGoal = book.Active()
		rep.Goals = len(book.Goals)
	}
	return rep, nil
}

// newMemoryID generates a short id in the store's historical format.
func newMemoryID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
