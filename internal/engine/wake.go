package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/drift/internal/memory"
	"github.com/nidhogg/drift/internal/store"
	"go.uber.org/zap"
)

// Wake opens a session and assembles the context bundle. Retrieval
// failures degrade the bundle rather than blocking the session: a wake
// with partial context is always preferred over no wake at all. Only a
// concurrent wake on the same agent refuses outright; a consolidation
// still digesting the previous session does not block the next wake.
func (e *Engine) Wake(ctx context.Context, agent string) (*ContextBundle, error) {
	ok, err := e.locks.TryAcquire(ctx, wakeLock(agent))
	if err != nil {
		return nil, fmt.Errorf("acquire wake lock: %w", err)
	}
	if !ok {
		return nil, ErrAgentBusy
	}
	defer e.locks.Release(ctx, wakeLock(agent))

	if err := e.store.EnsureAgentSchema(ctx, agent); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	sessionID, err := e.store.StartSession(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	bundle := &ContextBundle{
		Agent:       agent,
		SessionID:   sessionID.String(),
		GeneratedAt: time.Now(),
	}

	// Affect drifts toward baseline at every session boundary, including
	// the very first one.
	affect := memory.NewAffectState(memory.Temperament{Valence: 0.1, Arousal: 0.5})
	if _, err := e.store.KVGet(ctx, agent, kvAffect, &affect); err != nil {
		bundle.Degraded = append(bundle.Degraded, "affect")
	}
	affect.SessionStart()
	snap := affect.Snapshot()
	bundle.Affect = &snap
	if err := e.store.KVSet(ctx, agent, kvAffect, affect); err != nil {
		e.logger.Warn("persist affect failed", zap.String("agent", agent), zap.Error(err))
	}

	var book memory.GoalBook
	if _, err := e.store.KVGet(ctx, agent, kvGoals, &book); err == nil {
		bundle.ActiveGoal = book.Active()
		bundle.Background = book.Background()
	} else {
		bundle.Degraded = append(bundle.Degraded, "goals")
	}

	var narrative string
	if ok, err := e.store.KVGet(ctx, agent, kvNarrative, &narrative); err == nil && ok {
		bundle.Narrative = narrative
	}

	entries, err := e.gatherEntries(ctx, agent)
	if err != nil {
		// First wake on an empty store, or a retrieval failure; either
		// way the agent still gets a session.
		e.logger.Warn("memory retrieval degraded", zap.String("agent", agent), zap.Error(err))
		bundle.Degraded = append(bundle.Degraded, "memories")
	}
	bundle.Entries = entries

	if lessons, err := e.store.ListLessons(ctx, agent, e.cfg.WakeLessons); err == nil {
		bundle.Lessons = lessons
	} else {
		bundle.Degraded = append(bundle.Degraded, "lessons")
	}

	if shared, err := e.store.ListSharedMemories(ctx, agent, e.cfg.WakeShared); err == nil {
		for _, m := range shared {
			bundle.Shared = append(bundle.Shared, SharedEntry{
				ID: m.ID, Content: m.Content, CreatedBy: m.CreatedBy,
			})
		}
	} else {
		bundle.Degraded = append(bundle.Degraded, "shared")
	}

	if st, err := e.store.GetStats(ctx, agent); err == nil {
		bundle.Stats = st
	} else {
		e.logger.Warn("stats failed", zap.String("agent", agent), zap.Error(err))
	}

	// Recall bookkeeping and the wake-state hand-off for credit
	// assignment. If these fail the bundle still goes out; the session
	// just teaches nothing.
	recalls := make([]store.Recall, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, en := range entries {
		recalls = append(recalls, store.Recall{MemoryID: en.ID, Mechanism: en.Mechanism})
		ids = append(ids, en.ID)
	}
	if err := e.store.RecordRecalls(ctx, agent, sessionID, recalls); err != nil {
		e.logger.Warn("record recalls failed", zap.String("agent", agent), zap.Error(err))
	}
	state := wakeState{SessionID: sessionID.String(), IDs: ids, Timestamp: time.Now()}
	if err := e.store.KVSet(ctx, agent, kvWakeState, state); err != nil {
		e.logger.Warn("persist wake state failed", zap.String("agent", agent), zap.Error(err))
	}

	e.logger.Info("wake",
		zap.String("agent", agent),
		zap.String("session", sessionID.String()),
		zap.Int("entries", len(entries)),
		zap.Int("lessons", len(bundle.Lessons)),
		zap.Int("shared", len(bundle.Shared)),
		zap.Strings("degraded", bundle.Degraded))
	return bundle, nil
}

// gatherEntries pulls the per-mechanism slates, dedupes them, and ranks
// by composite score. Without a query the similarity term is a recency
// proxy, so fresh memories and proven ones both surface.
func (e *Engine) gatherEntries(ctx context.Context, agent string) ([]BundleEntry, error) {
	type slate struct {
		filter    store.MemoryFilter
		mechanism memory.RecallMechanism
	}
	slates := []slate{
		{store.MemoryFilter{Tier: memory.TierActive, OrderBy: "created", Limit: e.cfg.WakeRecent}, memory.RecallRecent},
		{store.MemoryFilter{Tier: memory.TierCore, OrderBy: "emotional_weight", Limit: e.cfg.WakeCore}, memory.RecallCore},
		{store.MemoryFilter{Tier: memory.TierActive, OrderBy: "q_value", Limit: e.cfg.WakeHighQ}, memory.RecallHighQ},
	}

	seen := make(map[string]bool)
	var entries []BundleEntry
	now := time.Now()
	for _, s := range slates {
		mems, err := e.store.ListMemories(ctx, agent, s.filter)
		if err != nil {
			return entries, err
		}
		for _, m := range mems {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			entries = append(entries, BundleEntry{
				ID:        m.ID,
				Content:   m.Content,
				Tier:      m.Tier,
				Mechanism: s.mechanism,
				QValue:    m.QValue,
				Score:     memory.CompositeScore(recencyScore(m.Created, now), m.QValue, e.cfg.Lambda),
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	return entries, nil
}

// recencyScore maps age onto [0,1] with a one-week half-life.
func recencyScore(created, now time.Time) float64 {
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return 1 / (1 + age.Hours()/(7*24))
}
