package memory

import "testing"

func TestDecayFreshnessNonIncreasing(t *testing.T) {
	f := 1.0
	for pass := 0; pass < 20; pass++ {
		next := DecayFreshness(f, pass, 0.15)
		if next > f {
			t.Fatalf("freshness increased at pass %d: %v -> %v", pass, f, next)
		}
		f = next
	}
	if f < 0 {
		t.Errorf("freshness went negative: %v", f)
	}
}

func TestDecayFreshnessSlowsWithAge(t *testing.T) {
	recent := 0.8 - DecayFreshness(0.8, 1, 0.15)
	old := 0.8 - DecayFreshness(0.8, 10, 0.15)
	if old >= recent {
		t.Errorf("old memories should fade slower: recent loss %v, old loss %v", recent, old)
	}
}

func TestRefreshOnRecall(t *testing.T) {
	if got := RefreshOnRecall(0.4); got <= 0.4 || got > 1 {
		t.Errorf("refresh should move toward 1: %v", got)
	}
	if got := RefreshOnRecall(1); got != 1 {
		t.Errorf("refresh at ceiling should stay: %v", got)
	}
}

func TestEvaluateTierCoreIsPermanent(t *testing.T) {
	cfg := DefaultDecayConfig()
	m := &Memory{Tier: TierCore, Importance: 0, Freshness: 0, LowPasses: 100}
	if got := EvaluateTier(m, cfg); got != TierKeep {
		t.Errorf("core memory must never change tier, got %v", got)
	}
}

func TestEvaluateTierPromotion(t *testing.T) {
	cfg := DefaultDecayConfig()
	m := &Memory{Tier: TierActive, RecallCount: 5, Importance: 0.7}
	if got := EvaluateTier(m, cfg); got != TierPromote {
		t.Errorf("expected promotion, got %v", got)
	}
	// Either signal alone is not enough.
	m = &Memory{Tier: TierActive, RecallCount: 5, Importance: 0.3}
	if got := EvaluateTier(m, cfg); got == TierPromote {
		t.Error("promotion without importance threshold")
	}
	m = &Memory{Tier: TierActive, RecallCount: 1, Importance: 0.9}
	if got := EvaluateTier(m, cfg); got == TierPromote {
		t.Error("promotion without recall threshold")
	}
}

func TestEvaluateTierDemotionNeedsStreak(t *testing.T) {
	cfg := DefaultDecayConfig()
	m := &Memory{Tier: TierActive, Importance: 0.1, Freshness: 0.1, LowPasses: 1}
	if got := EvaluateTier(m, cfg); got != TierKeep {
		t.Errorf("one low pass should not demote, got %v", got)
	}
	m.LowPasses = cfg.ArchiveAfter
	if got := EvaluateTier(m, cfg); got != TierDemote {
		t.Errorf("expected demotion after streak, got %v", got)
	}
}

func TestEvaluateTierPruneOnlyFromArchive(t *testing.T) {
	cfg := DefaultDecayConfig()
	m := &Memory{Tier: TierArchive, Importance: 0.05, Freshness: 0.05, LowPasses: cfg.PruneAfter}
	if got := EvaluateTier(m, cfg); got != TierPrune {
		t.Errorf("expected prune, got %v", got)
	}
	// An active memory can fall at most one rung per pass.
	m.Tier = TierActive
	if got := EvaluateTier(m, cfg); got == TierPrune {
		t.Error("active memory pruned directly, must demote first")
	}
}

func TestComputeImportanceSaturatesRecalls(t *testing.T) {
	at10 := ComputeImportance(0.5, 0.5, 10, 0.5)
	at100 := ComputeImportance(0.5, 0.5, 100, 0.5)
	if at10 != at100 {
		t.Errorf("recall contribution should saturate at 10: %v vs %v", at10, at100)
	}
}
