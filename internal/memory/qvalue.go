package memory

// Reward sources recorded in q_value_history. Generative outranks
// downstream: a session that distilled a transferable lesson taught
// more than one that only stored facts.
const (
	RewardSourceDownstream = "downstream"
	RewardSourceGenerative = "generative"
	RewardSourceDeadEnd    = "dead_end"
)

// InitialQ is the q-value assigned to every new memory. A memory that has
// never been surfaced carries no evidence either way.
const InitialQ = 0.5

// CompositeScore blends embedding similarity with learned utility.
// lambda=1 is pure similarity ranking, lambda=0 pure utility.
func CompositeScore(similarity, qValue, lambda float64) float64 {
	return lambda*similarity + (1-lambda)*qValue
}

// UpdateQ moves a q-value one bounded step in the direction of reward.
// The clamp guarantees values stay in [0,1] under any update sequence.
func UpdateQ(old, reward, step float64) float64 {
	return clamp01(old + step*reward)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
