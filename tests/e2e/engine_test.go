package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/drift/internal/engine"
	"github.com/nidhogg/drift/internal/memory"
	"github.com/nidhogg/drift/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()

	llm := startFakeLLM()
	defer llm.Close()

	testEngine, testLocks, err = buildEngine(llm.URL, redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func waitPipeline(t *testing.T, receipt *engine.Receipt) {
	t.Helper()
	select {
	case <-receipt.Done():
	case <-time.After(2 * time.Minute):
		t.Fatal("pipeline did not finish")
	}
}

// TestAgentLifecycle covers the full wake/sleep/wake loop: the first
// wake is empty, the sleep consolidates a transcript, the second wake
// recalls what the first session stored.
func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	agent := "lifecycle"

	if err := testEngine.Onboard(ctx, agent); err != nil {
		t.Fatalf("onboard: %v", err)
	}

	bundle, err := testEngine.Wake(ctx, agent)
	if err != nil {
		t.Fatalf("first wake: %v", err)
	}
	if len(bundle.Entries) != 0 {
		t.Errorf("fresh agent should wake empty, got %d entries", len(bundle.Entries))
	}
	if bundle.SessionID == "" {
		t.Fatal("wake must open a session even with nothing to recall")
	}

	receipt, err := testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	waitPipeline(t, receipt)
	if receipt.Terminal() != engine.PipelineCompleted {
		t.Fatalf("pipeline terminal %q, outcomes %+v", receipt.Terminal(), receipt.Outcomes())
	}
	for _, o := range receipt.Outcomes() {
		if o.Error != "" {
			t.Errorf("stage %s failed: %s", o.Stage, o.Error)
		}
	}

	stats, err := testEngine.Status(ctx, agent)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	// 2 threads + 2 facts from the canned extraction
	if stats.Stats.Total != 4 {
		t.Errorf("stored %d memories, want 4", stats.Stats.Total)
	}
	if stats.Stats.Lessons != 1 {
		t.Errorf("stored %d lessons, want 1", stats.Stats.Lessons)
	}

	bundle2, err := testEngine.Wake(ctx, agent)
	if err != nil {
		t.Fatalf("second wake: %v", err)
	}
	if len(bundle2.Entries) == 0 {
		t.Fatal("second wake recalled nothing")
	}
	if len(bundle2.Lessons) == 0 {
		t.Error("second wake missing lessons")
	}

	// Consume the open session so later tests start clean.
	receipt, err = testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("closing sleep: %v", err)
	}
	waitPipeline(t, receipt)
}

// TestSearchRanking seeds one session's memories and checks that a
// query close to one of them ranks it above the rest.
func TestSearchRanking(t *testing.T) {
	ctx := context.Background()
	agent := "searcher"

	if err := testEngine.Onboard(ctx, agent); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	receipt, err := testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("seed sleep: %v", err)
	}
	waitPipeline(t, receipt)

	results, err := testEngine.Search(ctx, agent, "API rate limit resets hourly", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("search returned nothing")
	}
	if !strings.Contains(results[0].Memory.Content, "rate limit resets hourly") {
		t.Errorf("best match should be the rate limit fact, got %q (sim %.3f)",
			results[0].Memory.Content, results[0].Similarity)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[0].Similarity {
			t.Errorf("results not sorted by similarity: %d > 0", i)
		}
	}
}

// TestCreditAssignment verifies that memories recalled at wake move
// their q-values after the session's outcome is known.
func TestCreditAssignment(t *testing.T) {
	ctx := context.Background()
	agent := "credit"

	if err := testEngine.Onboard(ctx, agent); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	// Seed a session so the next wake has something to recall.
	receipt, err := testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("seed sleep: %v", err)
	}
	waitPipeline(t, receipt)

	bundle, err := testEngine.Wake(ctx, agent)
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if len(bundle.Entries) == 0 {
		t.Fatal("nothing recalled, cannot test credit assignment")
	}
	var ids []string
	for _, e := range bundle.Entries {
		ids = append(ids, e.ID)
	}
	before, err := testStore.QValues(ctx, agent, ids)
	if err != nil {
		t.Fatalf("q before: %v", err)
	}

	// A productive session: new memories get stored, so recalled ones
	// earn the downstream reward.
	receipt, err = testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	waitPipeline(t, receipt)

	after, err := testStore.QValues(ctx, agent, ids)
	if err != nil {
		t.Fatalf("q after: %v", err)
	}
	for _, id := range ids {
		if after[id] <= before[id] {
			t.Errorf("memory %s: q did not rise (%v -> %v)", id, before[id], after[id])
		}
		if after[id] < 0 || after[id] > 1 {
			t.Errorf("memory %s: q out of bounds %v", id, after[id])
		}
	}

	// The session distilled a lesson, so the outcome counts as generative.
	got, err := testStore.GetMemory(ctx, agent, ids[0])
	if err != nil {
		t.Fatalf("get after credit: %v", err)
	}
	if got.Outcomes.Generative == 0 {
		t.Error("lesson-producing session not counted as a generative outcome")
	}
}

// TestDeadEndCreditAssignment runs a session that produces nothing and
// expects the recalled memories to pay for it: their q-values must be
// strictly lower after consolidation.
func TestDeadEndCreditAssignment(t *testing.T) {
	ctx := context.Background()
	agent := "deadend"

	if err := testEngine.Onboard(ctx, agent); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	receipt, err := testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("seed sleep: %v", err)
	}
	waitPipeline(t, receipt)

	bundle, err := testEngine.Wake(ctx, agent)
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if len(bundle.Entries) == 0 {
		t.Fatal("nothing recalled, cannot test the dead-end path")
	}
	var ids []string
	for _, e := range bundle.Entries {
		ids = append(ids, e.ID)
	}
	before, err := testStore.QValues(ctx, agent, ids)
	if err != nil {
		t.Fatalf("q before: %v", err)
	}

	// The fake model extracts nothing from this session, so everything
	// surfaced at wake led nowhere.
	receipt, err = testEngine.Sleep(ctx, agent, sampleTranscript+"\n"+emptyMarker)
	if err != nil {
		t.Fatalf("dead-end sleep: %v", err)
	}
	waitPipeline(t, receipt)
	for _, o := range receipt.Outcomes() {
		if o.Stage == "update_utility" && o.Error != "" {
			t.Fatalf("credit assignment failed: %s", o.Error)
		}
	}

	after, err := testStore.QValues(ctx, agent, ids)
	if err != nil {
		t.Fatalf("q after: %v", err)
	}
	for _, id := range ids {
		if after[id] >= before[id] {
			t.Errorf("memory %s: q did not drop (%v -> %v)", id, before[id], after[id])
		}
		if after[id] < 0 {
			t.Errorf("memory %s: q below zero %v", id, after[id])
		}
	}
}

// TestPromotionToCore recalls one memory across five sessions, expects
// the next consolidation's decay pass to promote it, and core freshness
// to survive a further pass untouched.
func TestPromotionToCore(t *testing.T) {
	ctx := context.Background()
	agent := "promote"

	if err := testStore.EnsureAgentSchema(ctx, agent); err != nil {
		t.Fatalf("schema: %v", err)
	}
	m := &memory.Memory{
		ID: "promo001", Tier: memory.TierActive,
		Content:         "The deploy key lives in the ops vault.",
		EmotionalWeight: 0.95, Freshness: 1, Importance: 0.8,
	}
	if err := testStore.InsertMemory(ctx, agent, m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 5; i++ {
		sid, err := testStore.StartSession(ctx, agent)
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
		recalls := []store.Recall{{MemoryID: m.ID, Mechanism: memory.RecallRecent}}
		if err := testStore.RecordRecalls(ctx, agent, sid, recalls); err != nil {
			t.Fatalf("recall %d: %v", i, err)
		}
		if err := testStore.EndSession(ctx, agent, sid); err != nil {
			t.Fatalf("end session %d: %v", i, err)
		}
	}

	receipt, err := testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("sleep: %v", err)
	}
	waitPipeline(t, receipt)

	promoted, err := testStore.GetMemory(ctx, agent, m.ID)
	if err != nil {
		t.Fatalf("get after promotion: %v", err)
	}
	if promoted.Tier != memory.TierCore {
		t.Fatalf("tier %q after 5 recalls, want core", promoted.Tier)
	}

	receipt, err = testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("second sleep: %v", err)
	}
	waitPipeline(t, receipt)

	settled, err := testStore.GetMemory(ctx, agent, m.ID)
	if err != nil {
		t.Fatalf("get after second pass: %v", err)
	}
	if settled.Tier != memory.TierCore {
		t.Errorf("core memory left core: %q", settled.Tier)
	}
	if settled.Freshness != promoted.Freshness {
		t.Errorf("core freshness moved across a decay pass: %v -> %v",
			promoted.Freshness, settled.Freshness)
	}
}

// TestDecayIdempotence replays a decay pass for the same session and
// expects a no-op.
func TestDecayIdempotence(t *testing.T) {
	ctx := context.Background()
	agent := "decayidem"

	if err := testStore.EnsureAgentSchema(ctx, agent); err != nil {
		t.Fatalf("schema: %v", err)
	}
	m := &memory.Memory{
		ID: "dec00001", Tier: memory.TierActive, Content: "decaying memory",
		Freshness: 0.8, Importance: 0.5, EmotionalWeight: 0.3,
	}
	if err := testStore.InsertMemory(ctx, agent, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	sessionID, err := testStore.StartSession(ctx, agent)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	updates := []store.DecayUpdate{{ID: m.ID, Freshness: 0.65, Importance: 0.45}}
	applied, err := testStore.ApplyDecayPass(ctx, agent, sessionID, updates)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if !applied {
		t.Fatal("first pass should apply")
	}

	// Replay with different numbers: must be refused wholesale.
	applied, err = testStore.ApplyDecayPass(ctx, agent, sessionID,
		[]store.DecayUpdate{{ID: m.ID, Freshness: 0.1, Importance: 0.1}})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if applied {
		t.Fatal("replayed decay pass was applied")
	}

	got, err := testStore.GetMemory(ctx, agent, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Freshness != 0.65 {
		t.Errorf("freshness %v, want the first pass's 0.65", got.Freshness)
	}
}

// TestBusyAgentNoOp checks that duplicate work on a locked agent
// returns ErrAgentBusy and changes nothing: a held wake lock refuses a
// second wake, a held consolidation lock refuses a second sleep, and
// neither refuses the other kind.
func TestBusyAgentNoOp(t *testing.T) {
	ctx := context.Background()
	agent := "busy"

	if err := testEngine.Onboard(ctx, agent); err != nil {
		t.Fatalf("onboard: %v", err)
	}

	ok, err := testLocks.TryAcquire(ctx, agent+"/wake")
	if err != nil || !ok {
		t.Fatalf("hold wake lock: ok=%v err=%v", ok, err)
	}
	if _, err := testEngine.Wake(ctx, agent); !errors.Is(err, engine.ErrAgentBusy) {
		t.Errorf("wake on busy agent: %v", err)
	}
	testLocks.Release(ctx, agent+"/wake")

	ok, err = testLocks.TryAcquire(ctx, agent+"/consolidate")
	if err != nil || !ok {
		t.Fatalf("hold consolidation lock: ok=%v err=%v", ok, err)
	}
	defer testLocks.Release(ctx, agent+"/consolidate")
	if _, err := testEngine.Sleep(ctx, agent, sampleTranscript); !errors.Is(err, engine.ErrAgentBusy) {
		t.Errorf("sleep on busy agent: %v", err)
	}
	// A pending consolidation never blocks retrieval.
	if _, err := testEngine.Wake(ctx, agent); err != nil {
		t.Fatalf("wake during held consolidation lock: %v", err)
	}
}

// TestWakeDuringConsolidation covers the accepted staleness window: the
// next session's wake runs while the previous session's pipeline is
// still in flight, and the finishing pipeline must not clobber the
// newer wake's retrieved-id hand-off.
func TestWakeDuringConsolidation(t *testing.T) {
	ctx := context.Background()
	agent := "overlap"

	if err := testEngine.Onboard(ctx, agent); err != nil {
		t.Fatalf("onboard: %v", err)
	}

	// Seed one session so the overlapping wake has something to recall.
	receipt, err := testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("seed sleep: %v", err)
	}
	waitPipeline(t, receipt)

	if _, err := testEngine.Wake(ctx, agent); err != nil {
		t.Fatalf("wake before slow sleep: %v", err)
	}
	receipt, err = testEngine.Sleep(ctx, agent, sampleTranscript+"\n"+slowMarker)
	if err != nil {
		t.Fatalf("slow sleep: %v", err)
	}

	// The pipeline is stalled in its summarize call; the next wake must
	// proceed against the one-session-stale store.
	bundle, err := testEngine.Wake(ctx, agent)
	if err != nil {
		t.Fatalf("wake during consolidation: %v", err)
	}
	if len(bundle.Entries) == 0 {
		t.Error("overlapping wake recalled nothing from the stale store")
	}

	waitPipeline(t, receipt)

	// The newer wake's hand-off must survive the older pipeline's cleanup.
	var state struct {
		SessionID string   `json:"session_id"`
		IDs       []string `json:"ids"`
	}
	found, err := testStore.KVGet(ctx, agent, ".wake_retrieved_ids", &state)
	if err != nil || !found {
		t.Fatalf("wake state after overlap: found=%v err=%v", found, err)
	}
	if state.SessionID != bundle.SessionID {
		t.Errorf("pipeline cleanup clobbered the newer hand-off: kv session %s, wake session %s",
			state.SessionID, bundle.SessionID)
	}

	// Drain the session the overlapping wake opened.
	receipt, err = testEngine.Sleep(ctx, agent, sampleTranscript)
	if err != nil {
		t.Fatalf("closing sleep: %v", err)
	}
	waitPipeline(t, receipt)
}

// TestCooccurrenceCanonical stores the same unordered pair both ways
// and expects a single edge accumulating belief.
func TestCooccurrenceCanonical(t *testing.T) {
	ctx := context.Background()
	agent := "edges"

	if err := testStore.EnsureAgentSchema(ctx, agent); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, id := range []string{"edge0001", "edge0002"} {
		m := &memory.Memory{ID: id, Tier: memory.TierActive, Content: "edge member " + id, Freshness: 1}
		if err := testStore.InsertMemory(ctx, agent, m); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	obs := memory.Observation{MemoryA: "edge0002", MemoryB: "edge0001", Tier: memory.TrustSelf}
	if err := testStore.ObserveCooccurrence(ctx, agent, obs); err != nil {
		t.Fatalf("observe reversed: %v", err)
	}
	obs = memory.Observation{MemoryA: "edge0001", MemoryB: "edge0002", Tier: memory.TrustShared}
	if err := testStore.ObserveCooccurrence(ctx, agent, obs); err != nil {
		t.Fatalf("observe ordered: %v", err)
	}

	belief, err := testStore.EdgeBelief(ctx, agent, "edge0002", "edge0001")
	if err != nil {
		t.Fatalf("belief: %v", err)
	}
	if belief != 1.5 { // self 1.0 + shared 0.5 on one canonical edge
		t.Errorf("belief %v, want 1.5", belief)
	}

	// Self edges are rejected at the write boundary.
	err = testStore.ObserveCooccurrence(ctx, agent,
		memory.Observation{MemoryA: "edge0001", MemoryB: "edge0001", Tier: memory.TrustSelf})
	if !errors.Is(err, store.ErrConstraint) {
		t.Errorf("self edge: %v", err)
	}
}

// TestCrossPollination verifies platform facts travel to other agents
// while the author does not see their own shared items at wake.
func TestCrossPollination(t *testing.T) {
	ctx := context.Background()

	for _, agent := range []string{"author", "reader"} {
		if err := testEngine.Onboard(ctx, agent); err != nil {
			t.Fatalf("onboard %s: %v", agent, err)
		}
	}
	receipt, err := testEngine.Sleep(ctx, "author", sampleTranscript)
	if err != nil {
		t.Fatalf("author sleep: %v", err)
	}
	waitPipeline(t, receipt)

	shared, err := testStore.ListSharedMemories(ctx, "reader", 10)
	if err != nil {
		t.Fatalf("list shared: %v", err)
	}
	found := false
	for _, m := range shared {
		if m.CreatedBy == "author" {
			found = true
		}
	}
	if !found {
		t.Error("author's platform fact did not reach the shared space")
	}

	own, err := testStore.ListSharedMemories(ctx, "author", 10)
	if err != nil {
		t.Fatalf("list own: %v", err)
	}
	for _, m := range own {
		if m.CreatedBy == "author" {
			t.Error("agent saw its own shared memory at wake")
		}
	}
}

// TestLessonSupersession checks that a revised lesson hides its
// predecessor from listings while keeping the row for provenance.
func TestLessonSupersession(t *testing.T) {
	ctx := context.Background()
	agent := "lessons"

	if err := testStore.EnsureAgentSchema(ctx, agent); err != nil {
		t.Fatalf("schema: %v", err)
	}
	oldID, err := testStore.AppendLesson(ctx, agent, &memory.Lesson{
		Category: "tooling", Text: "Restart the worker after config changes.",
		Confidence: 0.6, Origin: agent,
	})
	if err != nil {
		t.Fatalf("append old: %v", err)
	}
	newID, err := testStore.AppendLesson(ctx, agent, &memory.Lesson{
		Category: "tooling", Text: "Reload config with SIGHUP, a restart drops jobs.",
		Confidence: 0.8, Origin: agent,
	})
	if err != nil {
		t.Fatalf("append new: %v", err)
	}

	if err := testStore.SupersedeLesson(ctx, agent, oldID, oldID); !errors.Is(err, store.ErrConstraint) {
		t.Errorf("self supersession: %v", err)
	}
	if err := testStore.SupersedeLesson(ctx, agent, oldID, newID); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	lessons, err := testStore.ListLessons(ctx, agent, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, l := range lessons {
		if l.ID == oldID {
			t.Error("superseded lesson still listed")
		}
	}
	if len(lessons) != 1 || lessons[0].ID != newID {
		t.Errorf("unexpected lessons: %+v", lessons)
	}
}

// TestTypedEdgeVocabulary rejects labels outside the fixed set at the
// store boundary.
func TestTypedEdgeVocabulary(t *testing.T) {
	ctx := context.Background()
	agent := "typed"

	if err := testStore.EnsureAgentSchema(ctx, agent); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, id := range []string{"type0001", "type0002"} {
		m := &memory.Memory{ID: id, Tier: memory.TierActive, Content: "typed member " + id, Freshness: 1}
		if err := testStore.InsertMemory(ctx, agent, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	good := memory.TypedEdge{Source: "type0001", Target: "type0002", Relation: memory.RelCauses, Confidence: 0.8}
	if err := testStore.UpsertTypedEdge(ctx, agent, good); err != nil {
		t.Fatalf("valid edge rejected: %v", err)
	}

	bad := memory.TypedEdge{Source: "type0001", Target: "type0002", Relation: "reminds_me_of", Confidence: 0.9}
	if err := testStore.UpsertTypedEdge(ctx, agent, bad); !errors.Is(err, store.ErrConstraint) {
		t.Errorf("invalid label: %v", err)
	}
}
