package memory

import "math"

// DecayConfig controls the per-pass aging of active memories.
type DecayConfig struct {
	Rate              float64 // base freshness loss per pass
	PromoteRecalls    int     // recall count needed for core promotion
	PromoteImportance float64 // importance needed for core promotion
	PruneFloor        float64 // importance AND freshness below this counts as a low pass
	ArchiveAfter      int     // low passes before active -> archive
	PruneAfter        int     // low passes before archive -> deleted
}

// DefaultDecayConfig returns the documented defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Rate:              0.15,
		PromoteRecalls:    5,
		PromoteImportance: 0.65,
		PruneFloor:        0.2,
		ArchiveAfter:      3,
		PruneAfter:        6,
	}
}

// DecayFreshness ages a memory that went unrecalled for sessionsSince
// sessions. The loss shrinks as the gap grows, so old memories fade
// slowly rather than falling off a cliff.
func DecayFreshness(freshness float64, sessionsSince int, rate float64) float64 {
	if sessionsSince < 1 {
		sessionsSince = 1
	}
	f := freshness - rate/float64(sessionsSince)
	if f < 0 {
		return 0
	}
	return f
}

// RefreshOnRecall restores freshness toward 1.0 when a memory is recalled.
func RefreshOnRecall(freshness float64) float64 {
	return clamp01(freshness + (1-freshness)*0.5)
}

// ComputeImportance combines the signals that keep a memory alive.
// Recall frequency saturates at 10 recalls.
func ComputeImportance(freshness, emotionalWeight float64, recallCount int, qValue float64) float64 {
	recallNorm := math.Min(1, float64(recallCount)/10)
	return 0.3*freshness + 0.25*emotionalWeight + 0.2*recallNorm + 0.25*qValue
}

// TierChange is the single allowed transition for one memory in one pass.
type TierChange int

const (
	TierKeep TierChange = iota
	TierPromote
	TierDemote
	TierPrune
)

// EvaluateTier decides the tier transition for one memory after its
// freshness and importance were recomputed. By construction a memory gets
// exactly one of promote/demote/prune per pass, never a combination.
func EvaluateTier(m *Memory, cfg DecayConfig) TierChange {
	switch m.Tier {
	case TierCore:
		// Core memories are permanent.
		return TierKeep
	case TierActive:
		if m.RecallCount >= cfg.PromoteRecalls && m.Importance >= cfg.PromoteImportance {
			return TierPromote
		}
		if m.Importance < cfg.PruneFloor && m.Freshness < cfg.PruneFloor && m.LowPasses >= cfg.ArchiveAfter {
			return TierDemote
		}
	case TierArchive:
		if m.Importance < cfg.PruneFloor && m.Freshness < cfg.PruneFloor && m.LowPasses >= cfg.PruneAfter {
			return TierPrune
		}
	}
	return TierKeep
}

// BelowFloor reports whether this pass counts toward the low-pass streak.
func BelowFloor(m *Memory, cfg DecayConfig) bool {
	return m.Importance < cfg.PruneFloor && m.Freshness < cfg.PruneFloor
}
