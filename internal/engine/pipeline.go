package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/drift/internal/memory"
	"github.com/nidhogg/drift/internal/store"
	"github.com/nidhogg/drift/internal/summarizer"
	"go.uber.org/zap"
)

// Terminal pipeline states.
const (
	PipelineCompleted = "completed"
	PipelineTimedOut  = "timed_out"
)

// StageOutcome records how one consolidation stage ended. A failed stage
// never aborts the pipeline; its error lands here and the next stage runs.
type StageOutcome struct {
	Stage    string        `json:"stage"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Receipt is returned by Sleep immediately; the pipeline keeps running
// behind it. Done is closed when the pipeline reaches a terminal state.
type Receipt struct {
	SessionID string    `json:"session_id"`
	Started   time.Time `json:"started"`

	mu       sync.Mutex
	outcomes []StageOutcome
	terminal string
	done     chan struct{}
}

// Done is closed once the pipeline reaches completed or timed_out.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Outcomes returns the per-stage records accumulated so far.
func (r *Receipt) Outcomes() []StageOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Terminal returns "", "completed", or "timed_out".
func (r *Receipt) Terminal() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *Receipt) record(o StageOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *Receipt) finish(terminal string) {
	r.mu.Lock()
	r.terminal = terminal
	r.mu.Unlock()
	close(r.done)
}

// Sleep accepts a session transcript and kicks off consolidation. It
// returns as soon as the receipt exists; the caller's context does not
// bound the pipeline, the configured budget does. A consolidation
// already in flight for the agent makes this a no-op returning
// ErrAgentBusy; a concurrent wake never does.
func (e *Engine) Sleep(ctx context.Context, agent, transcript string) (*Receipt, error) {
	ok, err := e.locks.TryAcquire(ctx, consolidateLock(agent))
	if err != nil {
		return nil, fmt.Errorf("acquire consolidation lock: %w", err)
	}
	if !ok {
		return nil, ErrAgentBusy
	}

	if err := e.store.EnsureAgentSchema(ctx, agent); err != nil {
		e.locks.Release(ctx, consolidateLock(agent))
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	// Pair with the session wake opened, or open a late one for a sleep
	// that arrives without a matching wake.
	var state wakeState
	found, err := e.store.KVGet(ctx, agent, kvWakeState, &state)
	if err != nil {
		e.logger.Warn("read wake state failed", zap.String("agent", agent), zap.Error(err))
	}
	var sessionID uuid.UUID
	if found {
		sessionID, err = uuid.Parse(state.SessionID)
	}
	if !found || err != nil {
		sessionID, err = e.store.StartSession(ctx, agent)
		if err != nil {
			e.locks.Release(ctx, consolidateLock(agent))
			return nil, fmt.Errorf("start session: %w", err)
		}
		state = wakeState{SessionID: sessionID.String()}
	}

	receipt := &Receipt{
		SessionID: sessionID.String(),
		Started:   time.Now(),
		done:      make(chan struct{}),
	}

	run := &pipelineRun{
		e:          e,
		agent:      agent,
		sessionID:  sessionID,
		transcript: transcript,
		wake:       state,
		receipt:    receipt,
	}
	go run.run()
	return receipt, nil
}

// pipelineRun carries state across consolidation stages.
type pipelineRun struct {
	e          *Engine
	agent      string
	sessionID  uuid.UUID
	transcript string
	wake       wakeState
	receipt    *Receipt

	extraction memory.Extraction
	storedIDs  []string
}

type stage struct {
	name string
	fn   func(context.Context) error
}

func (p *pipelineRun) run() {
	budget := time.Duration(p.e.cfg.PipelineBudget)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	defer p.e.locks.Release(context.Background(), consolidateLock(p.agent))

	stages := []stage{
		{"ingest_candidates", p.ingestCandidates},
		{"ingest_embeddings", p.ingestEmbeddings},
		{"update_cooccurrence", p.updateCooccurrence},
		{"update_utility", p.updateUtility},
		{"update_affect", p.updateAffect},
		{"extract_typed_edges", p.extractTypedEdges},
		{"extract_lessons", p.extractLessons},
		{"evaluate_goals", p.evaluateGoals},
		{"decay_pass", p.decayPass},
	}

	terminal := PipelineCompleted
	for _, s := range stages {
		if ctx.Err() != nil {
			terminal = PipelineTimedOut
			p.e.logger.Warn("pipeline budget exhausted",
				zap.String("agent", p.agent),
				zap.String("session", p.sessionID.String()),
				zap.String("next_stage", s.name))
			break
		}
		start := time.Now()
		err := s.fn(ctx)
		outcome := StageOutcome{Stage: s.name, Duration: time.Since(start)}
		if err != nil {
			outcome.Error = err.Error()
			p.e.logger.Warn("stage failed",
				zap.String("agent", p.agent),
				zap.String("stage", s.name),
				zap.Error(err))
		}
		p.receipt.record(outcome)
	}

	// Session close and cleanup happen outside the budget so a timed-out
	// pipeline still leaves consistent bookkeeping.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := p.e.store.EndSession(closeCtx, p.agent, p.sessionID); err != nil {
		p.e.logger.Warn("end session failed", zap.String("agent", p.agent), zap.Error(err))
	}
	// Clear only this session's hand-off: a newer wake may already have
	// written its own retrieved ids for the next consolidation.
	if _, err := p.e.store.KVDeleteIfField(closeCtx, p.agent, kvWakeState,
		"session_id", p.sessionID.String()); err != nil {
		p.e.logger.Warn("clear wake state failed", zap.String("agent", p.agent), zap.Error(err))
	}
	p.updateNarrative(closeCtx)

	p.e.logger.Info("pipeline finished",
		zap.String("agent", p.agent),
		zap.String("session", p.sessionID.String()),
		zap.String("terminal", terminal),
		zap.Int("stored", len(p.storedIDs)),
		zap.Int("lessons", len(p.extraction.Lessons)))
	p.receipt.finish(terminal)
}

// ingestCandidates runs the external summarizer over the transcript and
// stores what it extracts. A summarizer failure falls back to a raw
// excerpt so the session is never entirely lost.
func (p *pipelineRun) ingestCandidates(ctx context.Context) error {
	ext, err := p.e.summarizer.Summarize(ctx, p.transcript)
	if err != nil {
		raw := summarizer.ExtractText(p.transcript, 600)
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("summarize failed with empty transcript: %w", err)
		}
		m := &memory.Memory{
			ID:              newMemoryID(),
			Tier:            memory.TierActive,
			Content:         "Raw session excerpt: " + raw,
			Tags:            []string{"raw"},
			EmotionalWeight: 0.2,
			Freshness:       1,
		}
		m.Importance = memory.ComputeImportance(1, m.EmotionalWeight, 0, memory.InitialQ)
		if insErr := p.e.store.InsertMemory(ctx, p.agent, m); insErr != nil {
			return fmt.Errorf("store raw fallback: %w", insErr)
		}
		p.storedIDs = append(p.storedIDs, m.ID)
		return fmt.Errorf("summarize failed, raw excerpt stored: %w", err)
	}
	p.extraction = ext

	for _, t := range ext.Threads {
		w := 0.5
		switch t.Status {
		case memory.ThreadCompleted:
			w = 0.65
		case memory.ThreadBlocked:
			w = 0.3
		}
		m := &memory.Memory{
			ID:              newMemoryID(),
			Tier:            memory.TierActive,
			Content:         fmt.Sprintf("Thread %q (%s): %s", t.Name, t.Status, t.Summary),
			Tags:            []string{"thread", string(t.Status)},
			EmotionalWeight: w,
			Freshness:       1,
		}
		m.Importance = memory.ComputeImportance(1, w, 0, memory.InitialQ)
		if err := p.e.store.InsertMemory(ctx, p.agent, m); err != nil {
			return fmt.Errorf("store thread memory: %w", err)
		}
		p.storedIDs = append(p.storedIDs, m.ID)
	}

	for _, f := range ext.Facts {
		m := &memory.Memory{
			ID:              newMemoryID(),
			Tier:            memory.TierActive,
			Content:         f,
			Tags:            []string{"fact"},
			EmotionalWeight: 0.5,
			Freshness:       1,
		}
		m.Importance = memory.ComputeImportance(1, 0.5, 0, memory.InitialQ)
		if err := p.e.store.InsertMemory(ctx, p.agent, m); err != nil {
			return fmt.Errorf("store fact memory: %w", err)
		}
		p.storedIDs = append(p.storedIDs, m.ID)

		if shareWorthy(f) {
			sm := store.SharedMemory{
				Content:         f,
				CreatedBy:       p.agent,
				Tags:            []string{"fact"},
				EmotionalWeight: 0.5,
				Importance:      m.Importance,
			}
			if err := p.e.store.ShareMemory(ctx, sm); err != nil {
				p.e.logger.Warn("cross-pollinate failed", zap.String("agent", p.agent), zap.Error(err))
			}
		}
	}
	return nil
}

// shareWorthy gates cross-pollination: platform and tooling knowledge
// travels between agents, opinions and social reads never do.
func shareWorthy(content string) bool {
	lower := strings.ToLower(content)
	for _, blocked := range []string{"opinion", "debate", "i think", "i believe", "argue"} {
		if strings.Contains(lower, blocked) {
			return false
		}
	}
	return summarizer.Categorize(content) == "platform" || summarizer.Categorize(content) == "tooling"
}

func (p *pipelineRun) ingestEmbeddings(ctx context.Context) error {
	if len(p.storedIDs) == 0 {
		return nil
	}
	texts := make([]string, 0, len(p.storedIDs))
	for _, id := range p.storedIDs {
		m, err := p.e.store.GetMemory(ctx, p.agent, id)
		if err != nil {
			return fmt.Errorf("load stored memory %s: %w", id, err)
		}
		texts = append(texts, m.Content)
	}
	vectors, err := p.e.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed session memories: %w", err)
	}
	if len(vectors) != len(p.storedIDs) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(p.storedIDs))
	}
	for i, id := range p.storedIDs {
		if err := p.e.index.Add(ctx, p.agent, id, vectors[i], preview(texts[i])); err != nil {
			return fmt.Errorf("index memory %s: %w", id, err)
		}
	}
	return nil
}

// updateCooccurrence links everything stored this session pairwise: the
// session itself is the co-occurrence context.
func (p *pipelineRun) updateCooccurrence(ctx context.Context) error {
	var firstErr error
	for i := 0; i < len(p.storedIDs); i++ {
		for j := i + 1; j < len(p.storedIDs); j++ {
			obs := memory.Observation{
				MemoryA: p.storedIDs[i],
				MemoryB: p.storedIDs[j],
				Tier:    memory.TrustSelf,
				Topic:   "session",
			}
			if err := p.e.store.ObserveCooccurrence(ctx, p.agent, obs); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// updateUtility is credit assignment: everything recalled at wake gets
// the generative reward if the session distilled a lesson, the
// downstream reward if it merely produced new memories, and the
// dead-end penalty if it produced nothing.
func (p *pipelineRun) updateUtility(ctx context.Context) error {
	if len(p.wake.IDs) == 0 {
		return nil
	}
	reward := p.e.cfg.RewardDeadEnd
	source := memory.RewardSourceDeadEnd
	switch {
	case len(p.extraction.Lessons) > 0:
		reward = p.e.cfg.RewardGenerative
		source = memory.RewardSourceGenerative
	case len(p.storedIDs) > 0:
		reward = p.e.cfg.RewardDownstream
		source = memory.RewardSourceDownstream
	}
	qs, err := p.e.store.QValues(ctx, p.agent, p.wake.IDs)
	if err != nil {
		return fmt.Errorf("load q-values: %w", err)
	}
	var firstErr error
	for _, id := range p.wake.IDs {
		oldQ, ok := qs[id]
		if !ok {
			continue // pruned since wake
		}
		newQ := memory.UpdateQ(oldQ, reward, p.e.cfg.QStep)
		if err := p.e.store.UpdateQValue(ctx, p.agent, id, p.sessionID, oldQ, newQ, reward, source); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *pipelineRun) updateAffect(ctx context.Context) error {
	var affect memory.AffectState
	found, err := p.e.store.KVGet(ctx, p.agent, kvAffect, &affect)
	if err != nil {
		return err
	}
	if !found {
		affect = memory.NewAffectState(memory.Temperament{Valence: 0.1, Arousal: 0.5})
	}
	events := memory.EventsFromSession(p.extraction.Threads, len(p.extraction.Lessons))
	affect.Update(events)
	return p.e.store.KVSet(ctx, p.agent, kvAffect, affect)
}

// extractTypedEdges asks the external classifier to label relations
// between consecutive memories from this session. Labels outside the
// fixed vocabulary are rejected downstream at the write boundary.
func (p *pipelineRun) extractTypedEdges(ctx context.Context) error {
	if len(p.storedIDs) < 2 {
		return nil
	}
	var firstErr error
	for i := 0; i+1 < len(p.storedIDs); i++ {
		a, err := p.e.store.GetMemory(ctx, p.agent, p.storedIDs[i])
		if err != nil {
			return err
		}
		b, err := p.e.store.GetMemory(ctx, p.agent, p.storedIDs[i+1])
		if err != nil {
			return err
		}
		rel, ok, err := p.e.summarizer.ClassifyRelation(ctx, a.Content, b.Content)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("classify relation: %w", err)
			}
			continue
		}
		if !ok {
			continue
		}
		edge := memory.TypedEdge{
			Source:        a.ID,
			Target:        b.ID,
			Relation:      rel,
			Confidence:    0.6,
			Evidence:      "same-session adjacency",
			AutoExtracted: true,
		}
		if err := p.e.store.UpsertTypedEdge(ctx, p.agent, edge); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *pipelineRun) extractLessons(ctx context.Context) error {
	var firstErr error
	for _, text := range p.extraction.Lessons {
		l := &memory.Lesson{
			Category:   summarizer.Categorize(text),
			Text:       text,
			Evidence:   "session " + p.sessionID.String(),
			Confidence: 0.7,
			Origin:     p.agent,
		}
		if _, err := p.e.store.AppendLesson(ctx, p.agent, l); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if !strings.Contains(strings.ToLower(text), "opinion") {
			cat := summarizer.Categorize(text)
			if cat == "platform" || cat == "tooling" {
				sm := store.SharedMemory{
					Content:         "Lesson: " + text,
					CreatedBy:       p.agent,
					Tags:            []string{"lesson", cat},
					EmotionalWeight: 0.4,
					Importance:      0.6,
				}
				if err := p.e.store.ShareMemory(ctx, sm); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (p *pipelineRun) evaluateGoals(ctx context.Context) error {
	var book memory.GoalBook
	if _, err := p.e.store.KVGet(ctx, p.agent, kvGoals, &book); err != nil {
		return err
	}
	now := time.Now()
	book.EvaluateProgress(p.extraction.Threads, now)

	var affect memory.AffectState
	_, _ = p.e.store.KVGet(ctx, p.agent, kvAffect, &affect)
	lessons, err := p.e.store.ListLessons(ctx, p.agent, 10)
	if err != nil {
		lessons = nil
	}
	g := book.Generate(memory.GoalInput{
		Lessons:   lessons,
		Threads:   p.extraction.Threads,
		Affect:    affect.Snapshot(),
		Now:       now,
		NewGoalID: func() string { return uuid.NewString() },
	})
	if g != nil && g.Source == "lesson" {
		for _, l := range lessons {
			if strings.Contains(g.Description, l.Text) {
				if err := p.e.store.MarkLessonApplied(ctx, p.agent, l.ID); err != nil {
					p.e.logger.Warn("mark lesson applied failed",
						zap.String("agent", p.agent), zap.Int64("lesson", l.ID), zap.Error(err))
				}
				break
			}
		}
	}
	return p.e.store.KVSet(ctx, p.agent, kvGoals, book)
}

// decayPass ages everything not touched this session and applies tier
// transitions. The whole pass commits atomically and is stamped with the
// session id, so a crashed-and-retried pipeline cannot decay twice.
func (p *pipelineRun) decayPass(ctx context.Context) error {
	cfg := memory.DecayConfig{
		Rate:              p.e.cfg.DecayRate,
		PromoteRecalls:    p.e.cfg.PromoteRecalls,
		PromoteImportance: p.e.cfg.PromoteImportance,
		PruneFloor:        p.e.cfg.PruneFloor,
		ArchiveAfter:      p.e.cfg.ArchiveAfter,
		PruneAfter:        p.e.cfg.PruneAfter,
	}

	// The session's recall provenance is the exemption list: only what
	// this session actually surfaced skips the pass, already refreshed
	// by the recall itself.
	recalls, err := p.e.store.SessionRecalls(ctx, p.agent, p.sessionID)
	if err != nil {
		return fmt.Errorf("load recall provenance: %w", err)
	}
	recalled := make(map[string]bool, len(recalls))
	for _, r := range recalls {
		recalled[r.MemoryID] = true
	}

	var updates []store.DecayUpdate
	var pruned []string
	for _, tier := range []memory.Tier{memory.TierActive, memory.TierArchive, memory.TierCore} {
		mems, err := p.e.store.ListMemories(ctx, p.agent, store.MemoryFilter{Tier: tier})
		if err != nil {
			return fmt.Errorf("list %s memories: %w", tier, err)
		}
		for _, m := range mems {
			if recalled[m.ID] {
				continue
			}
			next := *m
			if next.Tier != memory.TierCore {
				next.Freshness = memory.DecayFreshness(m.Freshness, m.SessionsSinceRecall+1, cfg.Rate)
			}
			next.Importance = memory.ComputeImportance(next.Freshness, m.EmotionalWeight, m.RecallCount, m.QValue)
			if memory.BelowFloor(&next, cfg) {
				next.LowPasses = m.LowPasses + 1
			} else {
				next.LowPasses = 0
			}

			u := store.DecayUpdate{
				ID:         m.ID,
				Freshness:  next.Freshness,
				Importance: next.Importance,
				LowPasses:  next.LowPasses,
			}
			switch memory.EvaluateTier(&next, cfg) {
			case memory.TierPromote:
				u.NewTier = memory.TierCore
			case memory.TierDemote:
				u.NewTier = memory.TierArchive
				u.LowPasses = 0 // the streak restarts in the new tier
			case memory.TierPrune:
				u.Prune = true
				pruned = append(pruned, m.ID)
			}
			updates = append(updates, u)
		}
	}

	applied, err := p.e.store.ApplyDecayPass(ctx, p.agent, p.sessionID, updates)
	if err != nil {
		return fmt.Errorf("apply decay pass: %w", err)
	}
	if !applied {
		p.e.logger.Info("decay already applied for session, skipping",
			zap.String("agent", p.agent), zap.String("session", p.sessionID.String()))
		return nil
	}
	for _, id := range pruned {
		p.e.index.Remove(ctx, p.agent, id)
	}
	return nil
}

// updateNarrative rewrites the one-paragraph self-summary carried
// between sessions.
func (p *pipelineRun) updateNarrative(ctx context.Context) {
	var parts []string
	for _, t := range p.extraction.Threads {
		parts = append(parts, fmt.Sprintf("%s (%s)", t.Name, t.Status))
	}
	if len(parts) == 0 && len(p.storedIDs) == 0 {
		return
	}
	narrative := fmt.Sprintf("Last session on %s: ", time.Now().Format("2006-01-02"))
	if len(parts) > 0 {
		narrative += "worked on " + strings.Join(parts, ", ") + "."
	} else {
		narrative += fmt.Sprintf("stored %d memories.", len(p.storedIDs))
	}
	if len(p.extraction.Lessons) > 0 {
		narrative += fmt.Sprintf(" Learned %d lesson(s).", len(p.extraction.Lessons))
	}
	if err := p.e.store.KVSet(ctx, p.agent, kvNarrative, narrative); err != nil {
		p.e.logger.Warn("persist narrative failed", zap.String("agent", p.agent), zap.Error(err))
	}
}
