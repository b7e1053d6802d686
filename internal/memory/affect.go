package memory

import "math"

// Temperament is the near-static affect baseline for an agent.
type Temperament struct {
	Valence float64 `json:"valence"` // [-1,1]
	Arousal float64 `json:"arousal"` // [0,1]
}

// Mood is the medium-speed affect layer. Between sessions it drifts back
// toward temperament; within a consolidation it is shifted by session
// valence.
type Mood struct {
	Valence float64 `json:"valence"`
	Arousal float64 `json:"arousal"`
}

// EpisodeEvent is a fast per-episode affect marker. These are consumed by
// the mood update and never persisted on their own.
type EpisodeEvent struct {
	Kind    string  `json:"kind"` // "goal_progress", "search_failure", "memory_stored", ...
	Valence float64 `json:"valence"`
	Arousal float64 `json:"arousal"`
	Detail  string  `json:"detail,omitempty"`
}

// AffectState is the persisted affect snapshot for an agent.
type AffectState struct {
	Temperament Temperament `json:"temperament"`
	Mood        Mood        `json:"mood"`
	Sessions    int         `json:"sessions"`
}

const (
	moodBaselinePull = 0.2 // fraction of the gap to temperament closed per session boundary
	moodMaxShift     = 0.3 // cap on per-session valence movement from events
)

// NewAffectState returns an affect state at its temperament baseline.
func NewAffectState(t Temperament) AffectState {
	return AffectState{
		Temperament: t,
		Mood:        Mood{Valence: t.Valence, Arousal: t.Arousal},
	}
}

// SessionStart applies the between-session drift back toward temperament.
func (a *AffectState) SessionStart() {
	a.Mood.Valence += (a.Temperament.Valence - a.Mood.Valence) * moodBaselinePull
	a.Mood.Arousal += (a.Temperament.Arousal - a.Mood.Arousal) * moodBaselinePull
}

// Update shifts mood by a bounded step toward the net valence of the
// session's episode events.
func (a *AffectState) Update(events []EpisodeEvent) {
	if len(events) == 0 {
		a.Sessions++
		return
	}
	var netV, netA float64
	for _, e := range events {
		netV += e.Valence
		netA += e.Arousal
	}
	netV /= float64(len(events))
	netA /= float64(len(events))

	shiftV := (netV - a.Mood.Valence) * 0.5
	if math.Abs(shiftV) > moodMaxShift {
		shiftV = math.Copysign(moodMaxShift, shiftV)
	}
	a.Mood.Valence = clampRange(a.Mood.Valence+shiftV, -1, 1)
	a.Mood.Arousal = clamp01(a.Mood.Arousal + (netA-a.Mood.Arousal)*0.3)
	a.Sessions++
}

// AffectSnapshot is the structured summary injected at wake.
type AffectSnapshot struct {
	Mood      Mood    `json:"mood"`
	Dominant  string  `json:"dominant"`
	Intensity float64 `json:"intensity"`
	Tendency  string  `json:"tendency"`
}

// Snapshot classifies the current mood into a dominant label and an
// action-tendency hint.
func (a *AffectState) Snapshot() AffectSnapshot {
	v, ar := a.Mood.Valence, a.Mood.Arousal
	var label, tendency string
	switch {
	case v >= 0.15 && ar >= 0.5:
		label, tendency = "energized", "pursue open threads aggressively"
	case v >= 0.15:
		label, tendency = "content", "consolidate and build on recent wins"
	case v <= -0.15 && ar >= 0.5:
		label, tendency = "frustrated", "re-examine blocked threads before starting new work"
	case v <= -0.15:
		label, tendency = "deflated", "pick one small achievable task"
	default:
		label, tendency = "neutral", "follow the active goal"
	}
	return AffectSnapshot{
		Mood:      a.Mood,
		Dominant:  label,
		Intensity: math.Abs(v),
		Tendency:  tendency,
	}
}

// EventsFromSession maps extracted session outcomes to episode events.
// Completed threads feel like progress, blocked ones like failure, and
// every lesson learned is mildly positive.
func EventsFromSession(threads []Thread, lessonCount int) []EpisodeEvent {
	var events []EpisodeEvent
	for _, t := range threads {
		switch t.Status {
		case ThreadCompleted:
			events = append(events, EpisodeEvent{Kind: "goal_progress", Valence: 0.6, Arousal: 0.5, Detail: t.Name})
		case ThreadBlocked:
			events = append(events, EpisodeEvent{Kind: "search_failure", Valence: -0.5, Arousal: 0.6, Detail: t.Name})
		}
	}
	for i := 0; i < lessonCount; i++ {
		events = append(events, EpisodeEvent{Kind: "memory_stored", Valence: 0.3, Arousal: 0.3})
	}
	return events
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
